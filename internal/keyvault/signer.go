package keyvault

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Signer is a capability to sign for one wallet. It carries no key
// material; every call decrypts, signs and scrubs.
type Signer struct {
	vault     *Vault
	walletID  uuid.UUID
	publicKey solana.PublicKey
}

// Signer checks that walletID holds a custodial key and returns a signing
// capability bound to it.
func (v *Vault) Signer(ctx context.Context, walletID uuid.UUID) (*Signer, error) {
	wallet, err := v.loadWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	pub, err := solana.PublicKeyFromBase58(wallet.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key for wallet %s", ErrMalformedBlob, walletID)
	}

	return &Signer{vault: v, walletID: walletID, publicKey: pub}, nil
}

func (s *Signer) WalletID() uuid.UUID {
	return s.walletID
}

func (s *Signer) PublicKey() solana.PublicKey {
	return s.publicKey
}

func (s *Signer) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	return s.vault.Sign(ctx, s.walletID, s.vault.master.Bytes(), message)
}

// SignTransaction fills in this wallet's signature slot on tx. Other
// signer slots are left untouched.
func (s *Signer) SignTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature

	err := s.vault.withKey(ctx, s.walletID, s.vault.master.Bytes(), func(key solana.PrivateKey) error {
		pub := key.PublicKey()
		if !pub.Equals(s.publicKey) {
			return ErrAuthenticationFailure
		}

		found := false
		_, err := tx.PartialSign(func(signer solana.PublicKey) *solana.PrivateKey {
			if signer.Equals(pub) {
				found = true
				return &key
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		if !found {
			return fmt.Errorf("wallet %s is not a signer of the transaction", s.publicKey)
		}

		for i, acc := range tx.Message.AccountKeys[:tx.Message.Header.NumRequiredSignatures] {
			if acc.Equals(pub) {
				sig = tx.Signatures[i]
			}
		}
		return nil
	})

	return sig, err
}
