package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stouder/mechanic/internal/garage"
	"github.com/stouder/mechanic/internal/garage/garagetest"
	"github.com/stouder/mechanic/internal/middleware"
	"github.com/stouder/mechanic/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const cookieName = "mechanic_session"

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

type fixture struct {
	router *gin.Engine
	tokens *session.TokenStore
	codec  *session.CookieCodec
	garage *garagetest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := session.NewMemoryBackend(time.Hour)
	t.Cleanup(func() { _ = backend.Close() })

	f := &fixture{
		tokens: session.NewTokenStore(backend, nil, 30*time.Minute),
		codec:  session.NewCookieCodec(cookieName, []byte("0123456789abcdef0123456789abcdef"), 12*time.Hour, false),
		garage: garagetest.NewServer(t, "admin-token"),
	}
	h := NewHandlers(f.tokens, f.codec, garage.NewClient(f.garage.URL))

	r := gin.New()
	r.Use(middleware.SessionMiddleware(f.codec))
	r.POST("/api/auth/login", h.LoginHandler())
	r.POST("/api/auth/logout", h.LogoutHandler())
	r.GET("/api/admin-tokens/:id", h.AdminTokenInfoHandler())
	// whoami exposes the session's token so tests can observe the store.
	r.GET("/whoami", func(c *gin.Context) {
		token, ok, _ := f.tokens.Get(c.Request.Context(), session.FromContext(c))
		c.JSON(http.StatusOK, gin.H{"token": token, "ok": ok})
	})
	f.router = r
	return f
}

func (f *fixture) do(method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	return nil
}

func (f *fixture) login(t *testing.T, token string) *http.Cookie {
	t.Helper()
	w := f.do(http.MethodPost, "/api/auth/login", `{"adminToken":"`+token+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	cookie := sessionCookie(w)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("login did not set the session cookie")
	}
	return cookie
}

func (f *fixture) whoami(t *testing.T, cookie *http.Cookie) (string, bool) {
	t.Helper()
	w := f.do(http.MethodGet, "/whoami", "", cookie)
	var body struct {
		Token string `json:"token"`
		OK    bool   `json:"ok"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	return body.Token, body.OK
}

// ---------------------------------------------------------------------------
// LoginHandler
// ---------------------------------------------------------------------------

func TestLoginHandler_StoresToken(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t, "admin-token")

	if !cookie.HttpOnly {
		t.Error("session cookie is not HttpOnly")
	}
	token, ok := f.whoami(t, cookie)
	if !ok || token != "admin-token" {
		t.Errorf("session token = %q (ok=%v), want admin-token", token, ok)
	}
}

func TestLoginHandler_TrimsToken(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t, "  admin-token  ")

	if token, _ := f.whoami(t, cookie); token != "admin-token" {
		t.Errorf("session token = %q, want trimmed admin-token", token)
	}
}

func TestLoginHandler_RejectsInvalidBodies(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "adminToken=x"},
		{"missing field", `{}`},
		{"blank token", `{"adminToken":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/auth/login", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if c := sessionCookie(w); c != nil {
				t.Error("a rejected login must not set a cookie")
			}
		})
	}
}

func TestLoginHandler_RotatesSession(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, "first-token")

	w := f.do(http.MethodPost, "/api/auth/login", `{"adminToken":"second-token"}`, first)
	if w.Code != http.StatusOK {
		t.Fatalf("second login status = %d", w.Code)
	}
	second := sessionCookie(w)
	if second == nil {
		t.Fatal("second login did not set a cookie")
	}

	firstSess, err := f.codec.Decode(first.Value)
	if err != nil {
		t.Fatalf("decode first cookie: %v", err)
	}
	secondSess, err := f.codec.Decode(second.Value)
	if err != nil {
		t.Fatalf("decode second cookie: %v", err)
	}
	if firstSess.ID == secondSess.ID {
		t.Error("login reused the previous session ID")
	}

	if _, ok := f.whoami(t, first); ok {
		t.Error("the previous session still holds a token after a new login")
	}
	if token, _ := f.whoami(t, second); token != "second-token" {
		t.Errorf("new session token = %q, want second-token", token)
	}
}

// ---------------------------------------------------------------------------
// LogoutHandler
// ---------------------------------------------------------------------------

func TestLogoutHandler_ClearsToken(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t, "admin-token")

	w := f.do(http.MethodPost, "/api/auth/logout", "", cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	cleared := sessionCookie(w)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("logout cookie = %+v, want an expired cookie", cleared)
	}
	if _, ok := f.whoami(t, cookie); ok {
		t.Error("token still present after logout")
	}
}

func TestLogoutHandler_WithoutSession(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/auth/logout", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for logout without a session", w.Code)
	}
}

// ---------------------------------------------------------------------------
// AdminTokenInfoHandler
// ---------------------------------------------------------------------------

func TestAdminTokenInfoHandler(t *testing.T) {
	f := newFixture(t)
	id := "tok1"
	created := "2025-03-01T10:00:00Z"
	f.garage.AddAdminToken(garage.AdminTokenInfoResponse{
		ID:      &id,
		Name:    "ops",
		Created: &created,
		Scope:   []string{"ListBuckets", "GetBucketInfo"},
	})
	cookie := f.login(t, "admin-token")

	w := f.do(http.MethodGet, "/api/admin-tokens/tok1", "", cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["name"] != "ops" {
		t.Errorf("name = %v, want ops", body["name"])
	}
	if body["created"] != created {
		t.Errorf("created = %v, want %s", body["created"], created)
	}
	scopes, _ := body["scopes"].([]any)
	if len(scopes) != 2 {
		t.Errorf("scopes = %v, want 2 entries", body["scopes"])
	}
}

func TestAdminTokenInfoHandler_NotAuthenticated(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/admin-tokens/tok1", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if calls := f.garage.Calls(); len(calls) != 0 {
		t.Errorf("garage was called without a session: %v", calls)
	}
}

func TestAdminTokenInfoHandler_UnknownToken(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t, "admin-token")

	w := f.do(http.MethodGet, "/api/admin-tokens/ghost", "", cookie)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAdminTokenInfoHandler_RejectedToken(t *testing.T) {
	f := newFixture(t)
	cookie := f.login(t, "wrong-token")

	w := f.do(http.MethodGet, "/api/admin-tokens/tok1", "", cookie)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 relayed from garage", w.Code)
	}
}
