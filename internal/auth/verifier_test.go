package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKey = "test-signing-key"

func signToken(t *testing.T, key string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func validClaims() Claims {
	return Claims{
		Email:    "ada@example.com",
		Role:     "user",
		TenantID: "tenant-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestNewVerifier(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		algorithm string
		wantErr   bool
	}{
		{"hs256", testKey, "HS256", false},
		{"hs384", testKey, "HS384", false},
		{"hs512", testKey, "HS512", false},
		{"empty key", "", "HS256", true},
		{"unknown algorithm", testKey, "XX123", true},
		{"non-hmac algorithm", testKey, "RS256", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.key, tt.algorithm)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerify_ValidToken(t *testing.T) {
	v, err := NewVerifier(testKey, "HS256")
	if err != nil {
		t.Fatal(err)
	}

	p, verr := v.Verify(signToken(t, testKey, jwt.SigningMethodHS256, validClaims()))
	if verr != nil {
		t.Fatalf("Verify() error = %v", verr)
	}
	if p.ID != "user-42" || p.Email != "ada@example.com" || p.Role != "user" || p.TenantID != "tenant-1" {
		t.Errorf("principal = %+v", p)
	}
}

func TestVerify_FailureKinds(t *testing.T) {
	v, _ := NewVerifier(testKey, "HS256")

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	future := validClaims()
	future.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
		kind  VerifyErrorKind
	}{
		{"missing", "", ErrMissing},
		{"garbage", "not.a.token", ErrMalformed},
		{"wrong key", signToken(t, "other-key", jwt.SigningMethodHS256, validClaims()), ErrInvalidSignature},
		{"expired", signToken(t, testKey, jwt.SigningMethodHS256, expired), ErrExpired},
		{"not yet valid", signToken(t, testKey, jwt.SigningMethodHS256, future), ErrNotYetValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verr := v.Verify(tt.token)
			if verr == nil {
				t.Fatal("expected verification failure")
			}
			if verr.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", verr.Kind, tt.kind)
			}
		})
	}
}

func TestVerify_RejectsWrongAlgorithm(t *testing.T) {
	v, _ := NewVerifier(testKey, "HS256")

	// Token signed with a different HMAC variant than configured.
	_, verr := v.Verify(signToken(t, testKey, jwt.SigningMethodHS512, validClaims()))
	if verr == nil {
		t.Fatal("expected rejection of mismatched algorithm")
	}
}

func TestFromHeader(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc.def.ghi", "abc.def.ghi"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
		{"Bearer   spaced  ", "spaced"},
	}

	for _, tt := range tests {
		if got := FromHeader(tt.header); got != tt.want {
			t.Errorf("FromHeader(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
