package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinBcryptCost is the lowest work factor the service accepts.
const MinBcryptCost = 10

// PasswordHasher hashes and verifies passwords with bcrypt at a fixed cost.
// It holds no mutable state and is safe for concurrent use.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher builds a hasher; cost must be within [MinBcryptCost, bcrypt.MaxCost].
func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost < MinBcryptCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, MinBcryptCost, bcrypt.MaxCost)
	}
	return &PasswordHasher{cost: cost}, nil
}

// Hash hashes a plaintext password with the configured cost.
func (h *PasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare verifies a password against its hashed value.
func (h *PasswordHasher) Compare(hashed, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

// DummyHash returns a valid hash of a random-looking value at the hasher's
// cost, used to spend comparable time when no stored credential exists.
func (h *PasswordHasher) DummyHash() (string, error) {
	return h.Hash("dummy-password-for-timing-equalization")
}
