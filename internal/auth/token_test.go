package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestVerifyAdmission(t *testing.T) {
	secret := "tenant-shared-secret"
	tenant := "acme"
	window := 5 * time.Minute
	now := time.Now()

	valid := SignAdmission(tenant, secret, now)
	stale := SignAdmission(tenant, secret, now.Add(-10*time.Minute))
	future := SignAdmission(tenant, secret, now.Add(10*time.Minute))
	slightlyOld := SignAdmission(tenant, secret, now.Add(-2*time.Minute))

	tests := []struct {
		name    string
		tenant  string
		secret  string
		token   string
		wantErr error
	}{
		{
			name:   "valid token",
			tenant: tenant, secret: secret, token: valid,
			wantErr: nil,
		},
		{
			name:   "valid token within window",
			tenant: tenant, secret: secret, token: slightlyOld,
			wantErr: nil,
		},
		{
			name:   "stale timestamp",
			tenant: tenant, secret: secret, token: stale,
			wantErr: ErrExpiredToken,
		},
		{
			name:   "future timestamp beyond window",
			tenant: tenant, secret: secret, token: future,
			wantErr: ErrExpiredToken,
		},
		{
			name:   "wrong tenant",
			tenant: "globex", secret: secret, token: valid,
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "wrong secret",
			tenant: tenant, secret: "other-secret", token: valid,
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "tampered signature",
			tenant: tenant, secret: secret, token: valid[:len(valid)-4] + "0000",
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "missing separator",
			tenant: tenant, secret: secret, token: strings.ReplaceAll(valid, ":", ""),
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "empty token",
			tenant: tenant, secret: secret, token: "",
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "empty secret",
			tenant: tenant, secret: "", token: valid,
			wantErr: ErrInvalidSignature,
		},
		{
			name:   "non-hex signature",
			tenant: tenant, secret: secret, token: "1700000000:not-valid-hex",
			wantErr: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyAdmission(tt.tenant, tt.secret, tt.token, now, window)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyAdmission() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyAdmissionAcceptsPrefixedSignature(t *testing.T) {
	secret := "tenant-shared-secret"
	now := time.Now()

	token := SignAdmission("acme", secret, now)
	ts, sig, _ := strings.Cut(token, ":")
	prefixed := ts + ":sha256=" + sig

	if err := VerifyAdmission("acme", secret, prefixed, now, time.Minute); err != nil {
		t.Errorf("VerifyAdmission() with sha256= prefix = %v, want nil", err)
	}
}

func TestSignAdmissionDiffersPerTenant(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := SignAdmission("acme", "secret", at)
	b := SignAdmission("globex", "secret", at)
	if a == b {
		t.Error("tokens for different tenants should not collide")
	}
}
