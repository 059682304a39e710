package models

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID. It draws from the process-wide monotonic
// entropy source, so ids are unique and ordered even within one millisecond.
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// NewSecret returns a random HMAC signing secret for a postback template.
func NewSecret() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 40)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[n.Int64()]
	}
	return fmt.Sprintf("pbsec_%s", string(b))
}
