// Package requestid mints the correlation ids threaded through request
// logs and audit records.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex id from a crypto-random source.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
