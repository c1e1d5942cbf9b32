package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chatgate/gatekeeper/internal/config"
)

// Google's well-known endpoints.
const (
	defaultAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL     = "https://oauth2.googleapis.com/token"
	defaultUserinfoURL  = "https://openidconnect.googleapis.com/v1/userinfo"
)

// extraScopesEnv supplies additional scopes at deploy time without a
// config change.
const extraScopesEnv = "OAUTH_EXTRA_SCOPES"

// defaultScopes is the hard-coded minimal set every flow requests.
var defaultScopes = []string{"openid", "email"}

// ConfigError names exactly which setting is missing so operators can
// fix one thing.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("oauth configuration incomplete: %s is not set", e.Missing)
}

// Runtime is the fully resolved OAuth configuration.
type Runtime struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	UserinfoURL  string
	PublicBaseURL string
	StartURL     string
	CallbackURL  string
	Scopes       []string
	// StateSecret signs state tokens. Resolved from the configured state
	// secret, then the platform gateway token, then the client secret.
	StateSecret string
	StateMaxAge time.Duration
	HTTPTimeout time.Duration
}

// ResolveRuntimeConfig validates and expands the raw OAuth configuration.
// The callback URL defaults to publicBaseURL + callbackPath and must
// exactly match what was registered with the identity provider.
func ResolveRuntimeConfig(cfg config.OAuthConfig) (*Runtime, error) {
	if cfg.ClientID == "" {
		return nil, &ConfigError{Missing: "clientID"}
	}
	if cfg.ClientSecret == "" {
		return nil, &ConfigError{Missing: "clientSecret"}
	}
	if cfg.PublicBaseURL == "" {
		return nil, &ConfigError{Missing: "publicBaseURL"}
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")

	startPath := cfg.StartPath
	if startPath == "" {
		startPath = "/auth/google/start"
	}
	callbackPath := cfg.CallbackPath
	if callbackPath == "" {
		callbackPath = "/auth/google/callback"
	}

	callbackURL := cfg.CallbackURL
	if callbackURL == "" {
		callbackURL = base + callbackPath
	}

	stateSecret := cfg.StateSecret
	if stateSecret == "" {
		stateSecret = cfg.GatewayToken
	}
	if stateSecret == "" {
		stateSecret = cfg.ClientSecret
	}

	maxAge := cfg.StateMaxAge
	if maxAge <= 0 {
		maxAge = DefaultStateMaxAge
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Runtime{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthorizeURL:  defaultAuthorizeURL,
		TokenURL:      defaultTokenURL,
		UserinfoURL:   defaultUserinfoURL,
		PublicBaseURL: base,
		StartURL:      base + startPath,
		CallbackURL:   callbackURL,
		Scopes:        mergeScopes(cfg.Scopes, envScopes(), defaultScopes),
		StateSecret:   stateSecret,
		StateMaxAge:   maxAge,
		HTTPTimeout:   timeout,
	}, nil
}

func envScopes() []string {
	raw := os.Getenv(extraScopesEnv)
	if raw == "" {
		return nil
	}
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// mergeScopes unions the scope lists, preserving first-seen order.
func mergeScopes(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, scope := range list {
			scope = strings.TrimSpace(scope)
			if scope == "" || seen[scope] {
				continue
			}
			seen[scope] = true
			out = append(out, scope)
		}
	}
	return out
}
