package auth

import (
	"testing"
	"time"
)

func testManager() *Manager {
	return NewManager("unit-secret", []UserSpec{
		{Username: "alice", Password: "pw", Role: "user", Scopes: []string{ScopeModulesRead, ScopeExecuteLimited}},
		{Username: "root", Password: "pw", Role: RoleAdmin},
	})
}

func TestAuthenticate(t *testing.T) {
	m := testManager()

	p, err := m.Authenticate("alice", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Username != "alice" || p.Role != "user" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	if _, err := m.Authenticate("alice", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := m.Authenticate("ghost", "pw"); err != ErrInvalidCredentials {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m := testManager()
	p, _ := m.Authenticate("alice", "pw")

	token, expires, err := m.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expires) < 50*time.Minute {
		t.Fatalf("unexpected expiry %v", expires)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "alice" || len(claims.Scopes) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	m := testManager()
	other := NewManager("different-secret", nil)

	p, _ := m.Authenticate("alice", "pw")
	token, _, err := m.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := m.Validate("garbage"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	m := testManager()
	p, _ := m.Authenticate("alice", "pw")

	token, _, err := m.Issue(p, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}

func TestScopeChecks(t *testing.T) {
	p := Principal{Username: "alice", Role: "user", Scopes: []string{ScopeModulesRead}}
	if !p.HasScope(ScopeModulesRead) {
		t.Fatalf("expected read scope")
	}
	if p.HasScope(ScopeModulesWrite) {
		t.Fatalf("unexpected write scope")
	}

	admin := Principal{Username: "root", Role: RoleAdmin}
	if !admin.HasScope(ScopeModulesWrite) || !admin.HasScope(ScopeExecuteAll) {
		t.Fatalf("admin must pass every scope check")
	}
}
