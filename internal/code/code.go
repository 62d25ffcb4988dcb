// Package code generates, parses and fingerprints pairing codes.
package code

import (
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Digits is the number of decimal digits in a pairing code.
	Digits = 8
	// GroupDigits is the number of digits in each dash separated group.
	GroupDigits = 4

	space = 100_000_000
)

var (
	ErrMalformedCode = errors.New("malformed pairing code")
	ErrExpiredCode   = errors.New("pairing code expired")
)

var pattern = regexp.MustCompile(`^(\d{4})(?:[- ]?)(\d{4})$`)

// fingerprintSalt separates the discovery derivation from the PAKE input.
var fingerprintSalt = []byte("sship/discovery/fingerprint/v1")

// Code is a pairing code, stored as its numeric value.
type Code uint32

// Fingerprint is the discovery lookup key of a code.
type Fingerprint string

// Generate samples a uniformly random code.
func Generate() (Code, error) {
	n, err := crypto_rand.Int(crypto_rand.Reader, big.NewInt(space))
	if err != nil {
		return 0, fmt.Errorf("sampling code: %w", err)
	}
	return Code(n.Int64()), nil
}

// Validate parses user input into a code. Accepted forms are `NNNN-NNNN`,
// `NNNNNNNN` and `NNNN NNNN`, with surrounding whitespace ignored.
func Validate(input string) (Code, error) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedCode, input)
	}
	n, err := strconv.ParseUint(m[1]+m[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedCode, input)
	}
	return Code(n), nil
}

// IsValid reports whether the input would be accepted by Validate.
func IsValid(input string) bool {
	_, err := Validate(input)
	return err == nil
}

// Groups returns the two 4 digit groups of the code.
func (c Code) Groups() (int, int) {
	return int(c) / 10_000, int(c) % 10_000
}

func (c Code) String() string {
	hi, lo := c.Groups()
	return fmt.Sprintf("%04d-%04d", hi, lo)
}

// Secret returns the raw digits used as key agreement input.
func (c Code) Secret() []byte {
	return []byte(fmt.Sprintf("%08d", uint32(c)))
}

// Fingerprint derives the discovery key of the code. The code is stretched
// with scrypt and the result keys an HMAC, so an advertisement observer has to
// pay the scrypt cost per guess.
func (c Code) Fingerprint() Fingerprint {
	key, err := scrypt.Key(c.Secret(), fingerprintSalt, 1<<14, 8, 1, 32)
	if err != nil {
		// Only reachable with invalid scrypt parameters.
		panic(fmt.Sprintf("deriving fingerprint: %v", err))
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(fingerprintSalt)
	return Fingerprint(hex.EncodeToString(mac.Sum(nil)[:16]))
}

// Short returns an abbreviated form for logs and listings.
func (fp Fingerprint) Short() string {
	if len(fp) <= 12 {
		return string(fp)
	}
	return string(fp[:12])
}
