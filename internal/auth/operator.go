package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// OperatorGate decides whether a request may use the mutating admin API.
// Two credentials are accepted: a verified principal whose role is in the
// allowed set, or an operator key matched against a bcrypt hash from config.
type OperatorGate struct {
	keyHash []byte
	roles   map[string]bool
}

// NewOperatorGate creates a gate. keyHash may be empty to disable the
// key credential; roles defaults to operator/admin when empty.
func NewOperatorGate(keyHash string, roles []string) *OperatorGate {
	if len(roles) == 0 {
		roles = []string{"operator", "admin"}
	}
	set := make(map[string]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return &OperatorGate{
		keyHash: []byte(keyHash),
		roles:   set,
	}
}

// AllowRole reports whether the principal's role grants operator access.
func (g *OperatorGate) AllowRole(p Principal) bool {
	return g.roles[p.Role]
}

// AllowKey reports whether the supplied operator key matches the
// configured hash.
func (g *OperatorGate) AllowKey(key string) bool {
	if len(g.keyHash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.keyHash, []byte(key)) == nil
}
