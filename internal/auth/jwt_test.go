package auth

import (
	"testing"
	"time"
)

func TestOperatorTokenRoundTrip(t *testing.T) {
	secret := "operator-jwt-secret"

	tokenString, err := IssueOperatorToken(secret, "ops-dashboard", []string{ScopeCommandsRW, ScopeAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("IssueOperatorToken() error = %v", err)
	}

	claims, err := ParseOperatorToken(secret, tokenString)
	if err != nil {
		t.Fatalf("ParseOperatorToken() error = %v", err)
	}
	if claims.Subject != "ops-dashboard" {
		t.Errorf("subject = %q, want %q", claims.Subject, "ops-dashboard")
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != ScopeCommandsRW {
		t.Errorf("scopes = %v, want [commands:rw admin]", claims.Scopes)
	}
	if claims.Issuer != jwtIssuer {
		t.Errorf("issuer = %q, want %q", claims.Issuer, jwtIssuer)
	}
}

func TestParseOperatorTokenRejectsWrongSecret(t *testing.T) {
	tokenString, err := IssueOperatorToken("secret-one", "ops", []string{ScopeCommandsRO}, time.Hour)
	if err != nil {
		t.Fatalf("IssueOperatorToken() error = %v", err)
	}
	if _, err := ParseOperatorToken("secret-two", tokenString); err == nil {
		t.Error("token signed with another secret should not parse")
	}
}

func TestParseOperatorTokenRejectsExpired(t *testing.T) {
	tokenString, err := IssueOperatorToken("secret", "ops", []string{ScopeCommandsRO}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueOperatorToken() error = %v", err)
	}
	if _, err := ParseOperatorToken("secret", tokenString); err == nil {
		t.Error("expired token should not parse")
	}
}

func TestParseOperatorTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseOperatorToken("secret", "not.a.jwt"); err == nil {
		t.Error("malformed token should not parse")
	}
}

func TestIssueOperatorTokenRequiresSecret(t *testing.T) {
	if _, err := IssueOperatorToken("", "ops", nil, time.Hour); err == nil {
		t.Error("empty secret should be rejected")
	}
}
