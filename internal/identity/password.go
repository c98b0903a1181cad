package identity

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/expense-core/internal/apperr"
)

// DefaultBcryptCost balances hashing time against brute-force resistance for
// the service-account/bot credentials bootstrapped at deploy time.
const DefaultBcryptCost = 12

// HashPassword bcrypt-hashes password at DefaultBcryptCost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against hash, returning an
// apperr.Unauthenticated error on mismatch.
func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperr.New(apperr.Unauthenticated, "invalid credentials")
	}
	return nil
}
