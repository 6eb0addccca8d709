package models

import (
	"time"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User holds the fields of the account aggregate the authentication core
// reads and writes. The email address is the account's identity key.
type User struct {
	ID           string     `json:"id" dynamodbav:"id"`
	Username     string     `json:"username" dynamodbav:"username"`
	Email        string     `json:"email" dynamodbav:"email"`
	PasswordHash string     `json:"-" dynamodbav:"password_hash"`
	Role         Role       `json:"role" dynamodbav:"role"`
	Enabled      bool       `json:"enabled" dynamodbav:"enabled"`
	Verified     bool       `json:"verified" dynamodbav:"verified"`
	LastLogin    *time.Time `json:"last_login,omitempty" dynamodbav:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return UserPK(u.Email)
}

func (u *User) GetSK() string {
	return "METADATA"
}

func UserPK(email string) string {
	return "USER#" + email
}
