package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"
)

// Alphabets for GenerateRandomString.
const (
	LowerAlpha   = "abcdefghijklmnopqrstuvwxyz"
	UpperAlpha   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Numeric      = "1234567890"
	Special      = "!@#$&"
	Alpha        = LowerAlpha + UpperAlpha
	AlphaNumeric = Numeric + Alpha

	RandomStringCharacters = AlphaNumeric + Special
	// ResetCodeCharacters is single-case so codes survive being retyped from an email.
	ResetCodeCharacters = LowerAlpha + Numeric
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// SecureCompare reports whether a and b are equal. The running time depends
// only on len(b): every byte of b is visited, and positions past the end of a
// count as mismatches.
func SecureCompare(a, b []byte) bool {
	eq := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	for i := range b {
		ai := ^b[i]
		if i < len(a) {
			ai = a[i]
		}
		eq &= subtle.ConstantTimeByteEq(ai, b[i])
	}
	return eq == 1
}

// GenerateRandomString returns length characters drawn uniformly from alphabet
// using crypto/rand.
func GenerateRandomString(length int, alphabet string) (string, error) {
	if length < 0 {
		return "", errors.New("negative length")
	}
	chars := []rune(alphabet)
	if len(chars) == 0 {
		return "", errors.New("empty alphabet")
	}

	limit := big.NewInt(int64(len(chars)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteRune(chars[n.Int64()])
	}
	return b.String(), nil
}

// GenerateStrongPassword returns a random password over RandomStringCharacters
// that contains at least one lowercase letter, one uppercase letter and one digit.
func GenerateStrongPassword(length int) (string, error) {
	if length < 3 {
		return "", errors.New("strong password needs at least 3 characters")
	}
	for {
		pw, err := GenerateRandomString(length, RandomStringCharacters)
		if err != nil {
			return "", err
		}
		if strings.ContainsAny(pw, LowerAlpha) && strings.ContainsAny(pw, UpperAlpha) && strings.ContainsAny(pw, Numeric) {
			return pw, nil
		}
	}
}
