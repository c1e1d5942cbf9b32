package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatgate/gatekeeper/internal/gate"
	"github.com/chatgate/gatekeeper/internal/metrics"
	"github.com/chatgate/gatekeeper/internal/oauth"
	"github.com/chatgate/gatekeeper/internal/payment"
	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/internal/tracing"
	"github.com/chatgate/gatekeeper/pkg/models"
)

// renderPage writes a minimal self-contained HTML status page. All
// interpolated text is escaped; tokens and emails never reach the page
// unescaped.
func renderPage(c *gin.Context, status int, title, body string) {
	page := fmt.Sprintf(
		"<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(body))
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}

// stateFailureText maps each verification failure to distinct
// user-facing text. The messages deliberately avoid echoing the token.
func stateFailureText(reason oauth.StateReason) string {
	switch reason {
	case oauth.StateMissing:
		return "The link is missing its state parameter. Please request a new link from the chat."
	case oauth.StateInvalid:
		return "The link is malformed. Please request a new link from the chat."
	case oauth.StateSignature:
		return "The link could not be verified. Please request a new link from the chat."
	case oauth.StateExpired:
		return "The link has expired. Please request a new link from the chat."
	default:
		return "The link could not be processed. Please request a new link from the chat."
	}
}

func (api *API) verifyState(c *gin.Context) (*oauth.StatePayload, bool) {
	payload, err := oauth.VerifyStateToken(c.Query("state"), api.oauthRT.StateSecret, time.Now(), api.oauthRT.StateMaxAge)
	if err != nil {
		var stateErr *oauth.StateError
		reason := oauth.StateInvalid
		if errors.As(err, &stateErr) {
			reason = stateErr.Reason
		}
		metrics.StateVerificationsTotal.WithLabelValues(string(reason)).Inc()
		api.log.WithField("reason", string(reason)).Warn("State token verification failed")
		renderPage(c, http.StatusBadRequest, "Link failed", stateFailureText(reason))
		return nil, false
	}
	metrics.StateVerificationsTotal.WithLabelValues("ok").Inc()
	return payload, true
}

// oauthStart is the long-lived URL handed to the user in chat. It
// re-verifies the embedded state and only then redirects to the identity
// provider, so an expired or tampered link dies here instead of at the
// provider.
func (api *API) oauthStart(c *gin.Context) {
	payload, ok := api.verifyState(c)
	if !ok {
		return
	}
	c.Redirect(http.StatusFound, api.oauthClient.BuildAuthorizeURL(c.Query("state"), payload.LoginHint))
}

// oauthCallback completes the linking flow: state verification, code
// exchange, best-effort email resolution, then persisting the linked
// identity onto the user record.
func (api *API) oauthCallback(c *gin.Context) {
	if provErr := c.Query("error"); provErr != "" {
		api.log.WithField("provider_error", provErr).Info("Authorization declined at provider")
		renderPage(c, http.StatusOK, "Authorization declined",
			"You declined the authorization request. You can request a new link from the chat at any time.")
		return
	}

	payload, ok := api.verifyState(c)
	if !ok {
		return
	}

	code := c.Query("code")
	if code == "" {
		renderPage(c, http.StatusBadRequest, "Link failed",
			"The provider response is missing the authorization code. Please request a new link from the chat.")
		return
	}

	span, ctx := tracing.StartSpan(c.Request.Context(), "oauth.exchange")
	token, err := api.oauthClient.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		tracing.LogError(span, err)
		span.Finish()
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		api.log.WithUserID(payload.UserID).WithError(err).Error("Token exchange failed")
		renderPage(c, http.StatusBadGateway, "Link failed",
			"We could not complete the sign-in with the provider. Please try again in a moment.")
		return
	}
	span.Finish()
	metrics.TokenExchangesTotal.WithLabelValues("ok").Inc()

	email := api.oauthClient.ResolveAccountEmail(ctx, token.AccessToken)
	if email == "" {
		email = oauth.EmailFromIDToken(token.IDToken)
	}

	acct := &models.LinkedAccount{
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		TokenType:    token.TokenType,
		ExpiresAt:    token.ExpiresAt,
		LinkedAt:     time.Now().UTC(),
	}
	if err := api.gate.LinkAccount(c.Request.Context(), payload.UserID, acct); err != nil {
		api.log.WithUserID(payload.UserID).WithError(err).Error("Failed to persist linked account")
		renderPage(c, http.StatusInternalServerError, "Link failed",
			"The sign-in succeeded but we could not save the link. Please try again.")
		return
	}

	body := "Your account is now linked. You can close this page and return to the chat."
	if email != "" {
		body = fmt.Sprintf("Your account %s is now linked. You can close this page and return to the chat.", email)
	}
	renderPage(c, http.StatusOK, "Account linked", body)
}

type checkoutRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	Plan     string `json:"plan" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	ChargeID string `json:"charge_id"`
}

// preCheckout answers the billing provider's pre-authorization query.
func (api *API) preCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request body"})
		return
	}

	err := api.payments.ValidatePreCheckout(c.Request.Context(), req.UserID, models.Plan(req.Plan), req.Currency, req.Amount)
	if err != nil {
		var valErr *payment.ValidationError
		if errors.As(err, &valErr) {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": valErr.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// confirmPayment applies a successful charge callback.
func (api *API) confirmPayment(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request body"})
		return
	}

	span, ctx := tracing.StartSpan(c.Request.Context(), "payment.confirm")
	defer span.Finish()

	rec, err := api.payments.ConfirmPayment(ctx, req.UserID, models.Plan(req.Plan), req.Currency, req.Amount, req.ChargeID)
	if err != nil {
		tracing.LogError(span, err)
		var valErr *payment.ValidationError
		if errors.As(err, &valErr) {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": valErr.Reason})
			return
		}
		api.log.WithUserID(req.UserID).WithError(err).Error("Failed to confirm payment")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"role":       rec.Role,
		"expires_at": rec.SubscriptionExpiresAt,
	})
}

// requireAPIKey guards the platform-internal API. A missing configured
// key closes the surface entirely.
func (api *API) requireAPIKey() gin.HandlerFunc {
	key := api.cfg.Admin.APIKey
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Internal API disabled"})
			return
		}
		got := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

type gateCheckRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// gateCheck is the transport's per-message hook. It returns the access
// decision without consuming quota; the transport reports back through
// gateUsage once the agent reply succeeded.
func (api *API) gateCheck(c *gin.Context) {
	var req gateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := api.gate.HandleMessage(c.Request.Context(), gate.Sender{
		ID:        req.UserID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Username:  req.Username,
	})
	if err != nil {
		api.log.WithUserID(req.UserID).WithError(err).Error("Failed to evaluate message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":     res.Allowed,
		"throttled":   res.Throttled,
		"denial_text": res.DenialText,
		"remaining":   res.Remaining,
		"role":        res.Record.Role,
		"limits": gin.H{
			"daily_limit":        res.Limits.DailyLimit,
			"can_use_tools":      res.Limits.CanUseTools,
			"can_use_web_search": res.Limits.CanUseWebSearch,
			"model_tier":         res.Limits.ModelTier,
		},
	})
}

type gateUsageRequest struct {
	UserID  int64   `json:"user_id" binding:"required"`
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// gateUsage commits one allowed message's usage after the agent reply.
func (api *API) gateUsage(c *gin.Context) {
	var req gateUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := api.gate.CommitUsage(c.Request.Context(), req.UserID, req.Tokens, req.CostUSD); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		api.log.WithUserID(req.UserID).WithError(err).Error("Failed to commit usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type createLinkRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	AccountID string `json:"account_id"`
	LoginHint string `json:"login_hint"`
}

// createLink mints a signed state token and returns the start URL the
// transport hands to the user in chat.
func (api *API) createLink(c *gin.Context) {
	var req createLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	token, err := oauth.CreateStateToken(api.oauthRT.StateSecret, req.UserID, req.AccountID, req.LoginHint, time.Now())
	if err != nil {
		api.log.WithUserID(req.UserID).WithError(err).Error("Failed to create state token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        api.oauthClient.BuildStartURL(token),
		"expires_in": int(api.oauthRT.StateMaxAge.Seconds()),
	})
}

func (api *API) listUsers(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		users []*models.UserRecord
		err   error
	)
	if role := c.Query("role"); role != "" {
		if !models.Role(role).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown role %q", role)})
			return
		}
		users, err = api.store.ListByRole(ctx, models.Role(role))
	} else {
		users, err = api.store.ListAll(ctx)
	}
	if err != nil {
		api.log.WithError(err).Error("Failed to list users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (api *API) getUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	rec, err := api.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		api.log.WithUserID(id).WithError(err).Error("Failed to get user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type roleUpdateRequest struct {
	Role string `json:"role" binding:"required"`
}

// updateUserRole forces a role from the operator surface. Forcing owner
// also clears the trial expiry, same as the startup reconciliation.
func (api *API) updateUserRole(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	var req roleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	role := models.Role(req.Role)
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown role %q", req.Role)})
		return
	}

	upd := models.UserUpdate{Role: &role}
	if role == models.RoleOwner {
		upd.ClearTrialExpiry = true
	}

	rec, err := api.store.Update(c.Request.Context(), id, upd)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		api.log.WithUserID(id).WithError(err).Error("Failed to update role")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	if api.cache != nil {
		if err := api.cache.InvalidateUser(c.Request.Context(), id); err != nil {
			api.log.WithUserID(id).WithError(err).Warn("Failed to invalidate cached user record")
		}
	}

	c.JSON(http.StatusOK, rec)
}

// sweepTrials demotes expired trials on demand. The worker runs the same
// sweep on a schedule; this endpoint exists for operators.
func (api *API) sweepTrials(c *gin.Context) {
	n, err := api.store.SweepExpiredTrials(c.Request.Context(), time.Now().UTC())
	if err != nil {
		api.log.WithError(err).Error("Failed to sweep expired trials")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if n > 0 {
		metrics.TrialsExpiredTotal.Add(float64(n))
	}
	c.JSON(http.StatusOK, gin.H{"demoted": n})
}

func (api *API) healthCheck(c *gin.Context) {
	health := gin.H{"status": "healthy"}
	status := http.StatusOK

	if api.db != nil {
		if err := api.db.Health(c.Request.Context()); err != nil {
			health["status"] = "unhealthy"
			health["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			health["database"] = "ok"
		}
	}
	if api.cache != nil {
		if err := api.cache.Ping(c.Request.Context()); err != nil {
			health["redis"] = "unavailable"
		} else {
			health["redis"] = "ok"
		}
	}

	c.JSON(status, health)
}
