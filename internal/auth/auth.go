// Package auth validates bearer tokens and produces the principal the core
// consumes: a username with a role and a set of scopes.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes the platform checks at the API boundary.
const (
	ScopeModulesRead    = "modules:read"
	ScopeModulesWrite   = "modules:write"
	ScopeExecuteAll     = "execute:all"
	ScopeExecuteLimited = "execute:limited"
)

// RoleAdmin gates the log-reading endpoints.
const RoleAdmin = "admin"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Principal is the authenticated caller attached to request context.
type Principal struct {
	Username string
	Role     string
	Scopes   []string
}

// HasScope reports whether the principal carries the scope. Admins pass
// every scope check.
func (p Principal) HasScope(scope string) bool {
	if p.Role == RoleAdmin {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// UserSpec is a configured user the manager can authenticate.
type UserSpec struct {
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	Role     string   `json:"role" yaml:"role"`
	Scopes   []string `json:"scopes" yaml:"scopes"`
}

// Claims is the JWT payload the manager issues and validates.
type Claims struct {
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and validates tokens with an HMAC secret.
type Manager struct {
	secret []byte
	users  map[string]UserSpec
}

// NewManager builds a manager from the configured secret and user list.
func NewManager(secret string, users []UserSpec) *Manager {
	byName := make(map[string]UserSpec, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return &Manager{secret: []byte(secret), users: byName}
}

// HasUsers reports whether any users are configured.
func (m *Manager) HasUsers() bool { return len(m.users) > 0 }

// Authenticate checks the password with a constant-time compare.
func (m *Manager) Authenticate(username, password string) (Principal, error) {
	user, ok := m.users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Username: user.Username, Role: user.Role, Scopes: user.Scopes}, nil
}

// Issue signs a token for the principal with the given lifetime.
func (m *Manager) Issue(p Principal, ttl time.Duration) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	expires := time.Now().Add(ttl)
	claims := Claims{
		Username: p.Username,
		Role:     p.Role,
		Scopes:   p.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Validate parses the token and returns its claims.
func (m *Manager) Validate(token string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
