package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidSession is returned for tokens that fail verification
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionRevoked is returned for tokens revoked by logout
	ErrSessionRevoked = errors.New("session revoked")
)

const issuer = "rxcare"

// Session is the authenticated caller
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// Revocations remembers logged-out sessions until they expire
type Revocations interface {
	Revoke(ctx context.Context, sessionID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// MemoryRevocations keeps revoked ids in process
type MemoryRevocations struct {
	mu  sync.Mutex
	ids map[string]time.Time
	now func() time.Time
}

// NewMemoryRevocations creates an empty set
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{ids: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocations) Revoke(_ context.Context, id string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.ids {
		if e.Before(now) {
			delete(m.ids, k)
		}
	}
	m.ids[id] = exp
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok, nil
}

// Manager issues and verifies HS256 session tokens
type Manager struct {
	secret  []byte
	ttl     time.Duration
	revoked Revocations
	now     func() time.Time
}

// NewManager creates a manager. A nil revocation set is kept in memory.
func NewManager(secret string, ttl time.Duration, revoked Revocations) (*Manager, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if revoked == nil {
		revoked = NewMemoryRevocations()
	}
	return &Manager{secret: []byte(secret), ttl: ttl, revoked: revoked, now: time.Now}, nil
}

// Issue signs a token for a
func (m *Manager) Issue(a *Account) (string, *Session, error) {
	now := m.now()
	s := &Session{
		ID:        uuid.New().String(),
		AccountID: a.ID,
		Email:     a.Email,
		Name:      a.Name,
		Role:      a.Role,
		ExpiresAt: now.Add(m.ttl).Truncate(time.Second),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: s.Email,
		Name:  s.Name,
		Role:  s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.AccountID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return signed, s, nil
}

// Parse verifies a token and rejects revoked sessions
func (m *Manager) Parse(ctx context.Context, token string) (*Session, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !c.Role.Valid() || c.ID == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidSession)
	}

	revoked, err := m.revoked.IsRevoked(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrSessionRevoked
	}

	return &Session{
		ID:        c.ID,
		AccountID: c.Subject,
		Email:     c.Email,
		Name:      c.Name,
		Role:      c.Role,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// Revoke ends a session before it expires
func (m *Manager) Revoke(ctx context.Context, s *Session) error {
	if err := m.revoked.Revoke(ctx, s.ID, s.ExpiresAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

type sessionKey struct{}

// WithSession stores s in ctx
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by WithSession
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// Actor names the caller for audit fields
func Actor(ctx context.Context) string {
	if s, ok := FromContext(ctx); ok {
		return string(s.Role) + ":" + s.Email
	}
	return "anonymous"
}
