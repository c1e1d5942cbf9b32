package oauth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-signing-secret"

var issueTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func reasonOf(t *testing.T, err error) StateReason {
	t.Helper()
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Error = %v, want *StateError", err)
	}
	return stateErr.Reason
}

func TestStateToken_RoundTrip(t *testing.T) {
	token, err := CreateStateToken(testSecret, 42, "acct-1", "ada@example.com", issueTime)
	if err != nil {
		t.Fatalf("CreateStateToken failed: %v", err)
	}

	payload, err := VerifyStateToken(token, testSecret, issueTime.Add(time.Minute), DefaultStateMaxAge)
	if err != nil {
		t.Fatalf("VerifyStateToken failed: %v", err)
	}

	if payload.UserID != 42 {
		t.Errorf("UserID = %d, want 42", payload.UserID)
	}
	if payload.AccountID != "acct-1" {
		t.Errorf("AccountID = %q, want acct-1", payload.AccountID)
	}
	if payload.LoginHint != "ada@example.com" {
		t.Errorf("LoginHint = %q, want ada@example.com", payload.LoginHint)
	}
	if payload.Nonce == "" {
		t.Error("Nonce should be populated")
	}
}

func TestStateToken_NoncesDiffer(t *testing.T) {
	a, _ := CreateStateToken(testSecret, 42, "", "", issueTime)
	b, _ := CreateStateToken(testSecret, 42, "", "", issueTime)
	if a == b {
		t.Error("Two tokens for identical inputs must differ by nonce")
	}
}

func TestVerifyStateToken_Missing(t *testing.T) {
	for _, token := range []string{"", "   "} {
		_, err := VerifyStateToken(token, testSecret, issueTime, DefaultStateMaxAge)
		if got := reasonOf(t, err); got != StateMissing {
			t.Errorf("Reason for %q = %s, want missing", token, got)
		}
	}
}

func TestVerifyStateToken_Malformed(t *testing.T) {
	for _, token := range []string{"nodot", ".leadingdot", "trailingdot."} {
		_, err := VerifyStateToken(token, testSecret, issueTime, DefaultStateMaxAge)
		if got := reasonOf(t, err); got != StateInvalid {
			t.Errorf("Reason for %q = %s, want invalid", token, got)
		}
	}
}

func TestVerifyStateToken_WrongSecret(t *testing.T) {
	token, _ := CreateStateToken(testSecret, 42, "", "", issueTime)
	_, err := VerifyStateToken(token, "other-secret", issueTime, DefaultStateMaxAge)
	if got := reasonOf(t, err); got != StateSignature {
		t.Errorf("Reason = %s, want signature", got)
	}
}

func TestVerifyStateToken_TamperedPayload(t *testing.T) {
	token, _ := CreateStateToken(testSecret, 42, "", "", issueTime)
	parts := strings.SplitN(token, ".", 2)

	// Flip one payload character under the original signature.
	flipped := byte('A')
	if parts[0][0] == 'A' {
		flipped = 'B'
	}
	tampered := string(flipped) + parts[0][1:] + "." + parts[1]
	_, err := VerifyStateToken(tampered, testSecret, issueTime, DefaultStateMaxAge)
	if got := reasonOf(t, err); got != StateSignature {
		t.Errorf("Reason = %s, want signature", got)
	}
}

func TestVerifyStateToken_ExpiryBoundary(t *testing.T) {
	token, _ := CreateStateToken(testSecret, 42, "", "", issueTime)
	maxAge := 15 * time.Minute

	if _, err := VerifyStateToken(token, testSecret, issueTime.Add(maxAge), maxAge); err != nil {
		t.Errorf("Token exactly at maxAge should verify: %v", err)
	}
	_, err := VerifyStateToken(token, testSecret, issueTime.Add(maxAge+time.Millisecond), maxAge)
	if got := reasonOf(t, err); got != StateExpired {
		t.Errorf("Reason just past maxAge = %s, want expired", got)
	}
}

func TestVerifyStateToken_ForwardSkew(t *testing.T) {
	token, _ := CreateStateToken(testSecret, 42, "", "", issueTime)

	// Verifier slightly behind the issuer is tolerated.
	if _, err := VerifyStateToken(token, testSecret, issueTime.Add(-30*time.Second), DefaultStateMaxAge); err != nil {
		t.Errorf("Small forward skew should verify: %v", err)
	}

	_, err := VerifyStateToken(token, testSecret, issueTime.Add(-2*time.Minute), DefaultStateMaxAge)
	if got := reasonOf(t, err); got != StateExpired {
		t.Errorf("Reason for far-future token = %s, want expired", got)
	}
}

func TestVerifyStateToken_MaxAgeClamp(t *testing.T) {
	token, _ := CreateStateToken(testSecret, 42, "", "", issueTime)

	// A sub-minute maxAge is clamped up, so a 30s-old token still passes.
	if _, err := VerifyStateToken(token, testSecret, issueTime.Add(30*time.Second), time.Second); err != nil {
		t.Errorf("Clamped maxAge should allow a 30s-old token: %v", err)
	}
}

func signedToken(secret, body string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(body))
	return encoded + "." + signPayload(secret, encoded)
}

func TestVerifyStateToken_SchemaValidation(t *testing.T) {
	// Well-signed tokens with bad payload schemas fail as invalid, after
	// the signature check.
	for _, body := range []string{
		`{"v":1,"user_id":0,"iat":1750000000000,"nonce":"aa"}`,
		`{"v":2,"user_id":42,"iat":1750000000000,"nonce":"aa"}`,
		`{"v":1,"user_id":42,"iat":0,"nonce":"aa"}`,
		`{"v":1,"user_id":42,"iat":1750000000000,"nonce":""}`,
	} {
		forged := signedToken(testSecret, body)
		_, err := VerifyStateToken(forged, testSecret, issueTime, DefaultStateMaxAge)
		if got := reasonOf(t, err); got != StateInvalid {
			t.Errorf("Reason for payload %s = %s, want invalid", body, got)
		}
	}
}
