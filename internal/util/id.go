package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-char hex id, used for request ids and staged
// object keys.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
