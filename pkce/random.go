package pkce

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// NewRandomString returns length bytes read from crypto/rand, encoded as
// lowercase hex (so the result is 2*length characters).  A length that is not
// positive returns ErrInvalidParameter.
func NewRandomString(length int) (string, error) {
	const op = "pkce.NewRandomString"
	return newRandomString(op, rand.Reader, length)
}

func newRandomString(op string, r io.Reader, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%s: length %d is not positive: %w", op, length, ErrInvalidParameter)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%s: unable to read random bytes: %w", op, err)
	}
	return hex.EncodeToString(b), nil
}
