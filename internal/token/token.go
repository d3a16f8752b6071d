package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// DefaultByteLength yields 64 hex characters, 256 bits of entropy.
const DefaultByteLength = 32

// MinByteLength is the floor below which a generator refuses to operate.
// 16 bytes keeps every configuration at or above 128 bits of entropy.
const MinByteLength = 16

// Generator produces opaque session credentials from crypto/rand.
type Generator struct {
	byteLength int
}

func NewGenerator(byteLength int) (*Generator, error) {
	if byteLength < MinByteLength {
		return nil, fmt.Errorf("credential byte length %d below minimum %d", byteLength, MinByteLength)
	}
	return &Generator{byteLength: byteLength}, nil
}

// Generate returns a fresh hex-encoded credential. A failing entropy source
// is fatal to the operation; there is no weaker fallback.
func (g *Generator) Generate() (string, error) {
	buf := make([]byte, g.byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrEntropyUnavailable, err)
	}
	return hex.EncodeToString(buf), nil
}
