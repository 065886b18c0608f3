package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const cookieIssuer = "mechanic"

// cookieClaims carries the session ID as the JWT subject.
type cookieClaims struct {
	jwt.RegisteredClaims
}

// CookieCodec reads and writes the signed session cookie.
type CookieCodec struct {
	name     string
	secret   []byte
	lifetime time.Duration
	secure   bool
	now      func() time.Time
}

// NewCookieCodec creates a codec. lifetime is the absolute session lifetime:
// both the cookie Max-Age and the JWT expiry.
func NewCookieCodec(name string, secret []byte, lifetime time.Duration, secure bool) *CookieCodec {
	return &CookieCodec{
		name:     name,
		secret:   secret,
		lifetime: lifetime,
		secure:   secure,
		now:      time.Now,
	}
}

// Encode signs a cookie value for s, stamping s.IssuedAt.
func (cc *CookieCodec) Encode(s *Session) (string, error) {
	now := cc.now()
	claims := cookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.ID,
			Issuer:    cookieIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cc.lifetime)),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cc.secret)
	if err != nil {
		return "", err
	}
	s.IssuedAt = now
	return value, nil
}

// Decode verifies a cookie value and returns its session.
func (cc *CookieCodec) Decode(value string) (*Session, error) {
	token, err := jwt.ParseWithClaims(value, &cookieClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return cc.secret, nil
	},
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cc.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*cookieClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session cookie")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, errors.New("invalid session id in cookie")
	}

	s := &Session{ID: claims.Subject}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	return s, nil
}

// Load returns the session named by the request cookie, or a new session
// when the cookie is absent, expired, or forged.
func (cc *CookieCodec) Load(c *gin.Context) *Session {
	value, err := c.Cookie(cc.name)
	if err != nil || value == "" {
		return New()
	}
	s, err := cc.Decode(value)
	if err != nil {
		return New()
	}
	return s
}

// Issue writes the cookie for s on the response.
func (cc *CookieCodec) Issue(c *gin.Context, s *Session) error {
	value, err := cc.Encode(s)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cc.name, value, int(cc.lifetime.Seconds()), "/", "", cc.secure, true)
	return nil
}

// Clear expires the cookie on the browser.
func (cc *CookieCodec) Clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cc.name, "", -1, "/", "", cc.secure, true)
}
