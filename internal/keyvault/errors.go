package keyvault

import "errors"

var (
	// ErrAuthenticationFailure covers both a wrong password and a tampered
	// blob. The two are deliberately indistinguishable to callers.
	ErrAuthenticationFailure = errors.New("keyvault: authentication failure")
	ErrMalformedBlob         = errors.New("keyvault: malformed key blob")
	ErrStorageUnavailable    = errors.New("keyvault: key storage unavailable")
	ErrUnsupportedWallet     = errors.New("keyvault: wallet does not hold a custodial key")
	ErrWalletNotFound        = errors.New("keyvault: wallet not found")
	ErrEmptyPassword         = errors.New("keyvault: empty password")
)
