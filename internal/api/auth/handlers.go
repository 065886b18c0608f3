// Package auth implements the login, logout and admin token endpoints under
// /api/auth and /api/admin-tokens.
//
// Login binds the Garage admin token the operator typed to a fresh session.
// The token is not checked against Garage here: a wrong token surfaces on the
// first proxied call as a 401/403 relayed from the admin API, which the
// console answers by returning to the login screen.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/garage"
	"github.com/stouder/mechanic/internal/session"
)

// TokenStore is the subset of session.TokenStore the handlers use.
type TokenStore interface {
	Save(ctx context.Context, sess *session.Session, token string) error
	Remove(ctx context.Context, sess *session.Session) error
	Require(ctx context.Context, sess *session.Session) (string, error)
}

// CookieIssuer writes and clears the session cookie.
type CookieIssuer interface {
	Issue(c *gin.Context, s *session.Session) error
	Clear(c *gin.Context)
}

// AdminTokenLookup fetches admin token metadata from Garage.
type AdminTokenLookup interface {
	GetAdminTokenInfo(ctx context.Context, token, id string) (*garage.AdminTokenInfo, error)
}

// Handlers handles authentication-related endpoints
type Handlers struct {
	tokens  TokenStore
	cookies CookieIssuer
	garage  AdminTokenLookup
}

// NewHandlers creates a new Handlers instance
func NewHandlers(tokens TokenStore, cookies CookieIssuer, garage AdminTokenLookup) *Handlers {
	return &Handlers{tokens: tokens, cookies: cookies, garage: garage}
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	AdminToken string `json:"adminToken"`
}

// @Summary      Log in
// @Description  Binds a Garage admin token to a new browser session and sets the session cookie.
// @Tags         Auth
// @Accept       json
// @Param        body  body  LoginRequest  true  "Admin token"
// @Success      200
// @Failure      400  {object}  apperr.Problem  "adminToken missing or blank"
// @Failure      429  {object}  map[string]interface{}  "Rate limit exceeded"
// @Router       /api/auth/login [post]
// LoginHandler stores the token under a new session ID. Any session the
// browser already had is discarded, so a cookie captured before login is
// worthless afterwards.
func (h *Handlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, apperr.InvalidInput("Invalid login request: %s", err.Error()))
			return
		}
		token := strings.TrimSpace(req.AdminToken)
		if token == "" {
			apperr.Respond(c, apperr.InvalidInput("adminToken must not be blank"))
			return
		}

		ctx := c.Request.Context()
		if previous := session.FromContext(c); !previous.IsNew() {
			if err := h.tokens.Remove(ctx, previous); err != nil {
				slog.Warn("failed to discard previous session on login", "error", err)
			}
		}

		sess := session.New()
		if err := h.tokens.Save(ctx, sess, token); err != nil {
			apperr.Respond(c, err)
			return
		}
		if err := h.cookies.Issue(c, sess); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.KindInternal, "failed to issue session cookie", err))
			return
		}
		session.Attach(c, sess)

		slog.Info("operator logged in", "ip", c.ClientIP())
		c.Status(http.StatusOK)
	}
}

// @Summary      Log out
// @Description  Forgets the admin token of the current session and clears the cookie.
// @Tags         Auth
// @Success      200
// @Router       /api/auth/logout [post]
// LogoutHandler is idempotent: logging out without a session succeeds.
func (h *Handlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := session.FromContext(c)
		if !sess.IsNew() {
			if err := h.tokens.Remove(c.Request.Context(), sess); err != nil {
				apperr.Respond(c, err)
				return
			}
		}
		h.cookies.Clear(c)
		c.Status(http.StatusOK)
	}
}

// @Summary      Get admin token info
// @Description  Returns the metadata Garage holds for an admin token (name, scopes, expiry).
// @Tags         Auth
// @Produce      json
// @Param        id   path  string  true  "Admin token ID"
// @Success      200  {object}  garage.AdminTokenInfo
// @Failure      403  {object}  apperr.Problem  "Not authenticated"
// @Failure      404  {object}  apperr.Problem  "Unknown token"
// @Router       /api/admin-tokens/{id} [get]
func (h *Handlers) AdminTokenInfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token, err := h.tokens.Require(ctx, session.FromContext(c))
		if err != nil {
			apperr.Respond(c, err)
			return
		}

		info, err := h.garage.GetAdminTokenInfo(ctx, token, c.Param("id"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}
