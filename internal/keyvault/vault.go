package keyvault

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

// KeyStore is where encrypted wallet blobs live.
type KeyStore interface {
	FindWallet(ctx context.Context, id uuid.UUID) (entities.Wallet, error)
}

// Vault seals and opens wallet keys. The master key it is built with is
// the password for every custodial wallet and never leaves the struct.
type Vault struct {
	logger *slog.Logger
	store  KeyStore
	master *Secret
	kdf    KDFParams
	cipher CipherAlgorithm
	rand   io.Reader
}

type Option func(*Vault)

func WithKDF(p KDFParams) Option {
	return func(v *Vault) {
		v.kdf = p
	}
}

func WithCipher(c CipherAlgorithm) Option {
	return func(v *Vault) {
		v.cipher = c
	}
}

// WithRandom replaces crypto/rand, only useful in tests.
func WithRandom(r io.Reader) Option {
	return func(v *Vault) {
		v.rand = r
	}
}

func New(logger *slog.Logger, store KeyStore, masterKey []byte, opts ...Option) (*Vault, error) {
	if len(masterKey) == 0 {
		return nil, ErrEmptyPassword
	}

	v := &Vault{
		logger: logger,
		store:  store,
		master: NewSecret(bytes.Clone(masterKey)),
		kdf:    DefaultKDFParams(),
		cipher: CipherAES256GCM,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.kdf.validate(); err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}
	if _, err := newAEAD(v.cipher, make([]byte, keyLen)); err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}

	return v, nil
}

// Close scrubs the master key. The vault is unusable afterwards.
func (v *Vault) Close() {
	v.master.Wipe()
}

// Encrypt seals plaintext under a key derived from password with a fresh
// salt and nonce, returning the encoded blob.
func (v *Vault) Encrypt(plaintext, password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}

	blob := Blob{
		Version: BlobVersion,
		KDF:     v.kdf,
		Cipher:  v.cipher,
		Salt:    make([]byte, saltLen),
		Nonce:   make([]byte, nonceSize(v.cipher)),
	}
	if _, err := io.ReadFull(v.rand, blob.Salt); err != nil {
		return nil, fmt.Errorf("keyvault: read salt: %w", err)
	}
	if _, err := io.ReadFull(v.rand, blob.Nonce); err != nil {
		return nil, fmt.Errorf("keyvault: read nonce: %w", err)
	}

	key, err := blob.KDF.derive(password, blob.Salt)
	if err != nil {
		return nil, fmt.Errorf("keyvault: derive key: %w", err)
	}
	defer wipe(key)

	aead, err := newAEAD(blob.Cipher, key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}

	sealed := aead.Seal(nil, blob.Nonce, plaintext, blob.header())
	split := len(sealed) - aead.Overhead()
	blob.Ciphertext, blob.Tag = sealed[:split], sealed[split:]

	return blob.MarshalBinary()
}

// Decrypt verifies the tag before anything is returned. The caller owns the
// secret and must Wipe it.
func (v *Vault) Decrypt(encoded, password []byte) (*Secret, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}

	var blob Blob
	if err := blob.UnmarshalBinary(encoded); err != nil {
		return nil, err
	}

	key, err := blob.KDF.derive(password, blob.Salt)
	if err != nil {
		return nil, malformed(err)
	}
	defer wipe(key)

	aead, err := newAEAD(blob.Cipher, key)
	if err != nil {
		return nil, malformed(err)
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.Tag))
	sealed = append(append(sealed, blob.Ciphertext...), blob.Tag...)

	plain, err := aead.Open(nil, blob.Nonce, sealed, blob.header())
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	return NewSecret(plain), nil
}

// Seal encrypts a wallet key under the master key.
func (v *Vault) Seal(privateKey *Secret) ([]byte, string, error) {
	encoded, err := v.Encrypt(privateKey.Bytes(), v.master.Bytes())
	if err != nil {
		return nil, "", err
	}
	return encoded, v.kdf.Algorithm.String() + "+" + v.cipher.String(), nil
}

// Sign decrypts the wallet key with password, signs message and scrubs the
// key before returning.
func (v *Vault) Sign(ctx context.Context, walletID uuid.UUID, password, message []byte) (solana.Signature, error) {
	var sig solana.Signature

	err := v.withKey(ctx, walletID, password, func(key solana.PrivateKey) error {
		var err error
		sig, err = key.Sign(message)
		return err
	})

	return sig, err
}

// withKey is the only place a plaintext private key exists.
func (v *Vault) withKey(ctx context.Context, walletID uuid.UUID, password []byte, fn func(key solana.PrivateKey) error) error {
	wallet, err := v.loadWallet(ctx, walletID)
	if err != nil {
		return err
	}

	secret, err := v.Decrypt(wallet.EncryptedKey, password)
	if err != nil {
		v.logger.WarnContext(ctx, "wallet key decryption failed", "wallet_id", walletID, "error", err)
		return err
	}
	defer secret.Wipe()

	key := solana.PrivateKey(secret.Bytes())
	if key.Validate() != nil || key.PublicKey().String() != wallet.PublicKey {
		v.logger.ErrorContext(ctx, "decrypted key does not match wallet public key", "wallet_id", walletID)
		return ErrAuthenticationFailure
	}

	return fn(key)
}

func (v *Vault) loadWallet(ctx context.Context, walletID uuid.UUID) (entities.Wallet, error) {
	wallet, err := v.store.FindWallet(ctx, walletID)
	switch {
	case errors.Is(err, entities.ErrNotFound):
		return entities.Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	case err != nil:
		return entities.Wallet{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if !wallet.HoldsKey() {
		return entities.Wallet{}, fmt.Errorf("%w: %s wallet %s", ErrUnsupportedWallet, wallet.WalletType, walletID)
	}

	return wallet, nil
}
