package httpapi

import (
	"strings"
	"testing"
	"time"
)

func TestParseBearerRejectsTampering(t *testing.T) {
	now := time.Now()
	token, err := issueAccessToken("secret", "team_1", "ana", []string{"items:read"}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, authErr := parseBearer("Bearer "+token, "secret", now)
	if authErr != nil {
		t.Fatalf("expected valid token, got %v", authErr)
	}
	if claims.TeamID != "team_1" || claims.Subject != "ana" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, authErr := parseBearer("Bearer "+token, "other-secret", now); authErr == nil || authErr.status != 401 {
		t.Fatalf("expected signature mismatch, got %v", authErr)
	}
	parts := strings.Split(token, ".")
	forged := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, authErr := parseBearer("Bearer "+forged, "secret", now); authErr == nil {
		t.Fatalf("expected forged payload to be rejected")
	}
	if _, authErr := parseBearer("Token "+token, "secret", now); authErr == nil || authErr.code != "unauthorized" {
		t.Fatalf("expected non-bearer header to be rejected, got %v", authErr)
	}
}

func TestAuthorizeBearerScopes(t *testing.T) {
	now := time.Now()
	token, _ := issueAccessToken("secret", "team_1", "ana", []string{"items:read"}, now.Add(time.Hour))

	if _, authErr := authorizeBearer("Bearer "+token, "secret", "team_1", scopeRead, now); authErr != nil {
		t.Fatalf("expected read access, got %v", authErr)
	}
	if _, authErr := authorizeBearer("Bearer "+token, "secret", "team_1", scopeWrite, now); authErr == nil || authErr.status != 403 {
		t.Fatalf("expected 403 for missing write scope, got %v", authErr)
	}
	if _, authErr := authorizeBearer("Bearer "+token, "secret", "team_1", scopeRead, now.Add(2*time.Hour)); authErr == nil || authErr.code != "token_expired" {
		t.Fatalf("expected token_expired after exp, got %v", authErr)
	}
}

func TestVerifyInternalHMAC(t *testing.T) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339)
	body := []byte(`{"teamId":"team_1"}`)
	sig := mustInternalHMAC("internal", timestamp, body)

	if authErr := verifyInternalHMAC("internal", timestamp, sig, body, now, time.Minute); authErr != nil {
		t.Fatalf("expected valid signature, got %v", authErr)
	}
	if authErr := verifyInternalHMAC("internal", timestamp, sig, []byte(`{}`), now, time.Minute); authErr == nil {
		t.Fatalf("expected body tampering to fail")
	}
	if authErr := verifyInternalHMAC("internal", timestamp, sig, body, now.Add(10*time.Minute), time.Minute); authErr == nil {
		t.Fatalf("expected stale timestamp to fail")
	}
}
