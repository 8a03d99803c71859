package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestOperatorGate_AllowRole(t *testing.T) {
	g := NewOperatorGate("", []string{"operator"})

	if !g.AllowRole(Principal{Role: "operator"}) {
		t.Error("operator role should be allowed")
	}
	if g.AllowRole(Principal{Role: "admin"}) {
		t.Error("admin is not in the configured role set")
	}
	if g.AllowRole(Principal{}) {
		t.Error("empty role must be denied")
	}
}

func TestOperatorGate_DefaultRoles(t *testing.T) {
	g := NewOperatorGate("", nil)

	if !g.AllowRole(Principal{Role: "operator"}) || !g.AllowRole(Principal{Role: "admin"}) {
		t.Error("default role set should allow operator and admin")
	}
	if g.AllowRole(Principal{Role: "user"}) {
		t.Error("user role must be denied")
	}
}

func TestOperatorGate_AllowKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	g := NewOperatorGate(string(hash), nil)

	if !g.AllowKey("s3cret-key") {
		t.Error("matching key should be allowed")
	}
	if g.AllowKey("wrong-key") {
		t.Error("mismatched key must be denied")
	}
	if g.AllowKey("") {
		t.Error("empty key must be denied")
	}
}

func TestOperatorGate_KeyDisabledWithoutHash(t *testing.T) {
	g := NewOperatorGate("", nil)
	if g.AllowKey("anything") {
		t.Error("key credential must be disabled when no hash is configured")
	}
}
