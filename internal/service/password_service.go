package service

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordService hashes and checks passwords with bcrypt.
type PasswordService struct {
	cost      int
	dummyHash []byte
}

func NewPasswordService(cost int) (*PasswordService, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
	}

	// Compared against when the account does not exist so both login
	// failure paths cost one bcrypt comparison.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("authcore-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password service: %w", err)
	}

	return &PasswordService{cost: cost, dummyHash: dummyHash}, nil
}

func (s *PasswordService) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

func (s *PasswordService) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyMissing burns the same work as Verify and always fails.
func (s *PasswordService) VerifyMissing(password string) bool {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
	return false
}
