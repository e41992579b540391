// Package auth covers both sides of the trust boundary: admission tokens
// presented by platform callers on behalf of a tenant, and operator
// credentials (JWT or the legacy API key) for the management API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature covers every shape of bad admission token:
	// malformed, wrong secret, wrong tenant. Deliberately one error so the
	// response leaks nothing about which check failed.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpiredToken means the signature was genuine but the timestamp
	// falls outside the replay window.
	ErrExpiredToken = errors.New("expired token")
)

// SignAdmission builds the admission token for a tenant: a unix-seconds
// timestamp and the hex HMAC-SHA256 of "tenant_id:timestamp" under the
// tenant's shared secret, joined as "timestamp:signature".
func SignAdmission(tenantID, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return ts + ":" + admissionMAC(tenantID, secret, ts)
}

// VerifyAdmission checks token for tenantID. The signature is verified
// before the timestamp is examined, so a forger learns nothing about the
// window from the error they get back.
func VerifyAdmission(tenantID, secret, token string, now time.Time, replayWindow time.Duration) error {
	if secret == "" || token == "" {
		return ErrInvalidSignature
	}

	ts, sig, ok := strings.Cut(token, ":")
	if !ok || ts == "" || sig == "" {
		return ErrInvalidSignature
	}

	presented, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	expected, err := hex.DecodeString(admissionMAC(tenantID, secret, ts))
	if err != nil {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(expected, presented) != 1 {
		return ErrInvalidSignature
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(issued, 0))
	if age < 0 {
		age = -age
	}
	if age > replayWindow {
		return ErrExpiredToken
	}
	return nil
}

func admissionMAC(tenantID, secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tenantID + ":" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}
