// Package auth handles staff and patient accounts and the session tokens
// issued to them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Role separates pharmacy staff from patients
type Role string

const (
	RoleStaff   Role = "staff"
	RolePatient Role = "patient"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool { return r == RoleStaff || r == RolePatient }

var (
	// ErrEmailTaken is returned when registering an existing email for a role
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials covers unknown email and wrong password alike
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountNotFound is returned by stores for unknown accounts
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidAccount is returned for malformed registration input
	ErrInvalidAccount = errors.New("invalid account")
)

// MinPasswordLength is enforced at registration
const MinPasswordLength = 8

// Account is a login identity
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountStore persists accounts. Emails are unique per role.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *Account) error
	AccountByEmail(ctx context.Context, role Role, email string) (*Account, error)
}

// NormalizeEmail lowercases and validates an address
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: bad email %q", ErrInvalidAccount, email)
	}
	return email, nil
}

// HashPassword hashes a password with bcrypt
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return true, nil
}
