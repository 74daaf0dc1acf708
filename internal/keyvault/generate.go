package keyvault

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("keyvault: invalid mnemonic")

// Keypair is a freshly generated or imported wallet key. Mnemonic is nil
// for imports.
type Keypair struct {
	PublicKey  solana.PublicKey
	PrivateKey *Secret
	Mnemonic   *Secret
}

func (k *Keypair) Wipe() {
	k.PrivateKey.Wipe()
	k.Mnemonic.Wipe()
}

// GenerateKeypair creates a 24 word mnemonic and derives the ed25519 key
// from the first 32 bytes of its BIP-39 seed.
func GenerateKeypair() (*Keypair, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	defer wipe(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate mnemonic: %w", err)
	}

	kp, err := keypairFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	kp.Mnemonic = NewSecret([]byte(mnemonic))
	return kp, nil
}

// KeypairFromMnemonic restores a keypair for import.
func KeypairFromMnemonic(mnemonic string) (*Keypair, error) {
	return keypairFromMnemonic(strings.Join(strings.Fields(mnemonic), " "))
}

func keypairFromMnemonic(mnemonic string) (*Keypair, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	defer wipe(seed)

	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	key := solana.PrivateKey(priv)

	return &Keypair{
		PublicKey:  key.PublicKey(),
		PrivateKey: NewSecret(priv),
	}, nil
}
