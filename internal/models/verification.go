package models

import "time"

// VerificationPurpose says what redeeming a code grants. A code issued for
// one purpose is never accepted for another.
type VerificationPurpose string

const (
	PurposeActivation    VerificationPurpose = "activation"
	PurposePasswordReset VerificationPurpose = "password_reset"
)

type VerificationToken struct {
	Code      string              `json:"code" dynamodbav:"code"`
	UserID    string              `json:"user_id" dynamodbav:"user_id"`
	UserEmail string              `json:"user_email" dynamodbav:"user_email"`
	Purpose   VerificationPurpose `json:"purpose" dynamodbav:"purpose"`
	CreatedAt time.Time           `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt time.Time           `json:"expires_at" dynamodbav:"expires_at"`
}

// Expired reports whether the token can no longer be consumed at now.
func (t *VerificationToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
