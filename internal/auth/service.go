package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service registers accounts and opens sessions
type Service struct {
	accounts AccountStore
	sessions *Manager
	cost     int
	logger   *zap.Logger
}

// NewService creates a service; cost 0 uses the bcrypt default
func NewService(accounts AccountStore, sessions *Manager, cost int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{accounts: accounts, sessions: sessions, cost: cost, logger: logger}
}

// Sessions returns the token manager
func (s *Service) Sessions() *Manager { return s.sessions }

// Registration is the sign-up form
type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Credentials is the login form
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Token is returned on register and login
type Token struct {
	Token   string   `json:"token"`
	Session *Session `json:"session"`
}

// Register creates an account and signs it in
func (s *Service) Register(ctx context.Context, role Role, r Registration) (*Token, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidAccount, role)
	}
	email, err := NormalizeEmail(r.Email)
	if err != nil {
		return nil, err
	}
	if len(r.Password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidAccount, MinPasswordLength)
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidAccount)
	}

	hash, err := HashPassword(r.Password, s.cost)
	if err != nil {
		return nil, err
	}
	a := &Account{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.accounts.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("account registered", zap.String("role", string(role)), zap.String("account_id", a.ID))
	return s.issue(a)
}

// Login checks credentials and opens a session
func (s *Service) Login(ctx context.Context, role Role, c Credentials) (*Token, error) {
	email, err := NormalizeEmail(c.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	a, err := s.accounts.AccountByEmail(ctx, role, email)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := CheckPassword(a.PasswordHash, c.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("login rejected", zap.String("role", string(role)), zap.String("account_id", a.ID))
		return nil, ErrInvalidCredentials
	}
	return s.issue(a)
}

// Logout revokes the caller's session
func (s *Service) Logout(ctx context.Context, sess *Session) error {
	return s.sessions.Revoke(ctx, sess)
}

func (s *Service) issue(a *Account) (*Token, error) {
	token, sess, err := s.sessions.Issue(a)
	if err != nil {
		return nil, err
	}
	return &Token{Token: token, Session: sess}, nil
}

// MemoryAccounts is an in-process AccountStore
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryAccounts creates an empty store
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]*Account)}
}

func key(role Role, email string) string { return string(role) + "|" + email }

func (m *MemoryAccounts) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.Role, a.Email)
	if _, ok := m.accounts[k]; ok {
		return ErrEmailTaken
	}
	c := *a
	m.accounts[k] = &c
	return nil
}

func (m *MemoryAccounts) AccountByEmail(_ context.Context, role Role, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[key(role, email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	c := *a
	return &c, nil
}
