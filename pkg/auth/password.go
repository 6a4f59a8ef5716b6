// Package auth hashes passwords and issues and verifies the signed session
// token carried in the sf_token cookie.
package auth

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// PasswordCost is the bcrypt work factor
const PasswordCost = 10

const (
	// MinPasswordLength is the minimum number of characters accepted at signup
	MinPasswordLength = 6

	// MaxPasswordBytes is bcrypt's input limit. It counts bytes, not characters.
	MaxPasswordBytes = 72
)

// ValidPassword reports whether plain satisfies both length limits
func ValidPassword(plain string) bool {
	return utf8.RuneCountInString(plain) >= MinPasswordLength && len(plain) <= MaxPasswordBytes
}

// HashPassword returns a salted one-way hash of plain
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("password is empty")
	}
	if len(plain) > MaxPasswordBytes {
		return "", fmt.Errorf("%w: password must be at most %d bytes", storyflow.ErrValidation, MaxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches credential. An empty or
// malformed credential never matches.
func VerifyPassword(plain, credential string) bool {
	if credential == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(credential), []byte(plain)) == nil
}
