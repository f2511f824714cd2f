package bridge

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateToken returns a 256-bit bearer token, hex-encoded, suitable for
// one bridge Session's lifetime.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
