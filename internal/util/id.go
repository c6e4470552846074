package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a short hex id for request correlation.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewUUID returns a random RFC 4122 id for durable records (local accounts).
func NewUUID() string {
	return uuid.NewString()
}

// ShortToken returns the first n hex characters of a fresh uuid.
func ShortToken(n int) string {
	raw := uuid.New()
	s := hex.EncodeToString(raw[:])
	if n <= 0 || n > len(s) {
		return s
	}
	return s[:n]
}
