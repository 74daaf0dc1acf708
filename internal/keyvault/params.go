package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

type KDFAlgorithm uint8

const (
	KDFArgon2id KDFAlgorithm = 1
	KDFScrypt   KDFAlgorithm = 2
)

func (a KDFAlgorithm) String() string {
	switch a {
	case KDFArgon2id:
		return "argon2id"
	case KDFScrypt:
		return "scrypt"
	default:
		return fmt.Sprintf("kdf(%d)", uint8(a))
	}
}

type CipherAlgorithm uint8

const (
	CipherAES256GCM         CipherAlgorithm = 1
	CipherXChaCha20Poly1305 CipherAlgorithm = 2
)

func (c CipherAlgorithm) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherXChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("cipher(%d)", uint8(c))
	}
}

func ParseKDF(name string) (KDFAlgorithm, error) {
	switch strings.ToLower(name) {
	case "argon2id", "argon2", "":
		return KDFArgon2id, nil
	case "scrypt":
		return KDFScrypt, nil
	}
	return 0, fmt.Errorf("unknown kdf %q", name)
}

func ParseCipher(name string) (CipherAlgorithm, error) {
	switch strings.ToLower(name) {
	case "aes-256-gcm", "aes256gcm", "":
		return CipherAES256GCM, nil
	case "xchacha20-poly1305", "xchacha20poly1305":
		return CipherXChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("unknown cipher %q", name)
}

const (
	keyLen  = 32
	saltLen = 16
	tagLen  = 16
)

// KDFParams are the cost parameters stored in every blob. For argon2id the
// three cost slots are time, memory in KiB and threads. For scrypt they are
// log2(N), r and p.
type KDFParams struct {
	Algorithm KDFAlgorithm
	Cost1     uint32
	Cost2     uint32
	Cost3     uint32
}

// Argon2idParams: 3 passes over 64 MiB with 4 lanes by default.
func Argon2idParams(time, memoryKiB uint32, threads uint8) KDFParams {
	return KDFParams{Algorithm: KDFArgon2id, Cost1: time, Cost2: memoryKiB, Cost3: uint32(threads)}
}

// ScryptParams takes N as a power of two exponent.
func ScryptParams(logN, r, p uint32) KDFParams {
	return KDFParams{Algorithm: KDFScrypt, Cost1: logN, Cost2: r, Cost3: p}
}

func DefaultKDFParams() KDFParams {
	return Argon2idParams(3, 64*1024, 4)
}

// Blobs are untrusted until the tag verifies, and the KDF runs before that.
// The bounds cap what a single Decrypt can allocate.
const (
	kdfMemoryBudget = 256 << 20 // bytes

	maxArgonTime    = 16
	maxArgonMemory  = kdfMemoryBudget >> 10 // KiB
	maxArgonThreads = 16
	maxScryptLogN   = 20
	maxScryptR      = 32
	maxScryptP      = 16
)

func (p KDFParams) validate() error {
	switch p.Algorithm {
	case KDFArgon2id:
		if p.Cost1 == 0 || p.Cost1 > maxArgonTime {
			return fmt.Errorf("argon2id time %d out of range", p.Cost1)
		}
		if p.Cost3 == 0 || p.Cost3 > maxArgonThreads {
			return fmt.Errorf("argon2id threads %d out of range", p.Cost3)
		}
		if p.Cost2 < 8*p.Cost3 || p.Cost2 > maxArgonMemory {
			return fmt.Errorf("argon2id memory %d KiB out of range", p.Cost2)
		}
	case KDFScrypt:
		if p.Cost1 < 1 || p.Cost1 > maxScryptLogN {
			return fmt.Errorf("scrypt logN %d out of range", p.Cost1)
		}
		if p.Cost2 == 0 || p.Cost2 > maxScryptR || p.Cost3 == 0 || p.Cost3 > maxScryptP {
			return fmt.Errorf("scrypt r=%d p=%d out of range", p.Cost2, p.Cost3)
		}
		// V is 128*r*N bytes, the mixing buffers add 128*r*(p+2)
		need := uint64(128) * uint64(p.Cost2) * ((uint64(1) << p.Cost1) + uint64(p.Cost3) + 2)
		if need > kdfMemoryBudget {
			return fmt.Errorf("scrypt N=2^%d r=%d p=%d needs %d bytes", p.Cost1, p.Cost2, p.Cost3, need)
		}
	default:
		return fmt.Errorf("unsupported %s", p.Algorithm)
	}
	return nil
}

func (p KDFParams) derive(password, salt []byte) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	switch p.Algorithm {
	case KDFScrypt:
		return scrypt.Key(password, salt, 1<<p.Cost1, int(p.Cost2), int(p.Cost3), keyLen)
	default:
		return argon2.IDKey(password, salt, p.Cost1, p.Cost2, uint8(p.Cost3), keyLen), nil
	}
}

func newAEAD(alg CipherAlgorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unsupported %s", alg)
	}
}

func nonceSize(alg CipherAlgorithm) int {
	if alg == CipherXChaCha20Poly1305 {
		return chacha20poly1305.NonceSizeX
	}
	return 12
}
