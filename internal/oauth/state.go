package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// stateVersion tags the payload format.
const stateVersion = 1

// DefaultStateMaxAge bounds the lifetime of a state token.
const DefaultStateMaxAge = 15 * time.Minute

// minStateMaxAge is the lower clamp on maxAge so a misconfigured value
// cannot disable the expiry check entirely.
const minStateMaxAge = time.Minute

// forwardSkewAllowance tolerates small clock drift between issue and
// verification; anything issued further in the future is rejected.
const forwardSkewAllowance = time.Minute

// StateReason codes why verification failed. Callers render distinct
// user-facing text per reason; they are never conflated.
type StateReason string

const (
	StateMissing   StateReason = "missing"
	StateInvalid   StateReason = "invalid"
	StateSignature StateReason = "signature"
	StateExpired   StateReason = "expired"
)

// StateError is a state-token verification failure.
type StateError struct {
	Reason StateReason
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state token verification failed: %s", e.Reason)
}

// StatePayload binds an external OAuth redirect back to the originating
// user. It exists only inside a signed token string and is never
// persisted.
type StatePayload struct {
	Version   int    `json:"v"`
	UserID    int64  `json:"user_id"`
	// IssuedAt is unix milliseconds.
	IssuedAt  int64  `json:"iat"`
	Nonce     string `json:"nonce"`
	AccountID string `json:"account_id,omitempty"`
	LoginHint string `json:"login_hint,omitempty"`
}

func signPayload(secret, encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// CreateStateToken builds a signed, time-bounded state token for userID.
// The token is base64url(payload) + "." + base64url(HMAC-SHA256 over the
// encoded payload).
func CreateStateToken(secret string, userID int64, accountID, loginHint string, now time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := StatePayload{
		Version:   stateVersion,
		UserID:    userID,
		IssuedAt:  now.UnixMilli(),
		Nonce:     hex.EncodeToString(nonce),
		AccountID: accountID,
		LoginHint: loginHint,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode state payload: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(data)
	return encoded + "." + signPayload(secret, encoded), nil
}

// VerifyStateToken checks a token's structure, signature, schema, and
// age, in that order. The signature comparison is constant time.
// Replay within the expiry window is an accepted risk: there is no
// server-side nonce store, by the same tradeoff that lets the flow
// survive process restarts between redirect and callback.
func VerifyStateToken(token, secret string, now time.Time, maxAge time.Duration) (*StatePayload, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &StateError{Reason: StateMissing}
	}

	idx := strings.IndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return nil, &StateError{Reason: StateInvalid}
	}
	encoded, signature := token[:idx], token[idx+1:]

	expected := signPayload(secret, encoded)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, &StateError{Reason: StateSignature}
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &StateError{Reason: StateInvalid}
	}

	var payload StatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &StateError{Reason: StateInvalid}
	}
	if payload.Version != stateVersion || payload.UserID <= 0 || payload.IssuedAt <= 0 || payload.Nonce == "" {
		return nil, &StateError{Reason: StateInvalid}
	}

	if maxAge < minStateMaxAge {
		maxAge = minStateMaxAge
	}
	issued := time.UnixMilli(payload.IssuedAt)
	if now.Sub(issued) > maxAge || issued.Sub(now) > forwardSkewAllowance {
		return nil, &StateError{Reason: StateExpired}
	}

	return &payload, nil
}
