// Package rand generates random secrets.
package rand

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenBytes is the amount of entropy in a token from NewToken.
const TokenBytes = 64

// NewToken returns TokenBytes bytes from crypto/rand, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
