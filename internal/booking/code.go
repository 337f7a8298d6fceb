package booking

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"strconv"
)

const (
	codeLength = 4
	codeMin    = 1000
	codeSpan   = 9000
)

// NewVerificationCode returns a uniformly random code in 1000..9999.
// Codes are only meaningful within their booking and are not checked for collisions.
func NewVerificationCode() (string, error) {
	return newVerificationCode(rand.Reader)
}

func newVerificationCode(r io.Reader) (string, error) {
	n, err := rand.Int(r, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

// CheckCode compares the submitted code to the stored one exactly.
func CheckCode(stored, submitted string) bool {
	if stored == "" || len(stored) != len(submitted) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) == 1
}
