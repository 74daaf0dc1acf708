package keyvault

import (
	"fmt"
	"log/slog"
	"runtime"
)

const redacted = "[REDACTED]"

// Secret holds plaintext key material. It prints as [REDACTED] through fmt
// and slog, and Wipe zeroes the backing array.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// Bytes exposes the backing array. Callers must not keep it past Wipe.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	wipe(s.b)
	s.b = nil
}

func (s *Secret) String() string       { return redacted }
func (s *Secret) GoString() string     { return redacted }
func (s *Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s *Secret) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

func (s *Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
