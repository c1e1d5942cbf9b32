package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client performs the out-of-band calls of the linking flow: the
// authorization-code exchange and the best-effort profile lookup. Both
// have bounded timeouts so a slow identity provider cannot stall
// unrelated message processing.
type Client struct {
	rt   *Runtime
	http *http.Client
}

// NewClient creates a client for the resolved runtime configuration.
func NewClient(rt *Runtime) *Client {
	return &Client{
		rt: rt,
		http: &http.Client{
			Timeout: rt.HTTPTimeout,
		},
	}
}

// BuildStartURL returns the long-lived URL hosted by this system that
// holds just the state; the provider URL is constructed on first hit so
// the signed token never needs to be re-derived by the caller.
func (c *Client) BuildStartURL(stateToken string) string {
	return c.rt.StartURL + "?state=" + url.QueryEscape(stateToken)
}

// BuildAuthorizeURL constructs the identity provider's authorization
// redirect carrying the signed state as an opaque query parameter.
func (c *Client) BuildAuthorizeURL(stateToken, loginHint string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.rt.ClientID)
	params.Set("redirect_uri", c.rt.CallbackURL)
	params.Set("scope", strings.Join(c.rt.Scopes, " "))
	params.Set("state", stateToken)
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")
	if loginHint != "" {
		params.Set("login_hint", loginHint)
	}
	return c.rt.AuthorizeURL + "?" + params.Encode()
}

// TokenResponse is the result of a successful code exchange.
type TokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	IDToken      string     `json:"id_token,omitempty"`
	ExpiresIn    int64      `json:"expires_in,omitempty"`
	ExpiresAt    *time.Time `json:"-"`
}

// ExchangeAuthorizationCode performs the token-exchange POST. It fails
// loudly on a non-2xx response, a non-JSON body, or a response missing
// access_token; each is a distinct failure mode.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.rt.ClientID)
	form.Set("client_secret", c.rt.ClientSecret)
	form.Set("redirect_uri", c.rt.CallbackURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rt.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("token exchange returned non-JSON body: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token exchange response missing access_token")
	}

	if token.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		token.ExpiresAt = &expires
	}

	return &token, nil
}

// ResolveAccountEmail looks up the account email from the userinfo
// endpoint. Best effort: any failure degrades to an empty string, since
// the email is advisory and the caller falls back to the id-token
// claims.
func (c *Client) ResolveAccountEmail(ctx context.Context, accessToken string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rt.UserinfoURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}

	var profile struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&profile); err != nil {
		return ""
	}
	return profile.Email
}

// EmailFromIDToken extracts the email claim from the unsigned claims
// segment of an identity token. Fallback extraction path only; returns
// an empty string on any failure.
func EmailFromIDToken(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return ""
	}
	return claims.Email
}
