package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stouder/mechanic/internal/apperr"
	"github.com/stouder/mechanic/internal/crypto"
)

// TokenStore holds at most one Garage admin token per session.
//
// The token is opaque: it is not validated against Garage when saved. A
// wrong token surfaces later as a 401/403 relayed from the admin API.
type TokenStore struct {
	backend Backend
	cipher  *crypto.TokenCipher
	ttl     time.Duration
}

// NewTokenStore creates a store over backend. cipher may be nil, in which
// case tokens are stored as-is.
func NewTokenStore(backend Backend, cipher *crypto.TokenCipher, ttl time.Duration) *TokenStore {
	return &TokenStore{backend: backend, cipher: cipher, ttl: ttl}
}

// Save binds token to sess, replacing any token already bound.
func (s *TokenStore) Save(ctx context.Context, sess *Session, token string) error {
	value := token
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(sess.ID, token)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to seal admin token", err)
		}
		value = sealed
	}
	if err := s.backend.Set(ctx, sess.ID, value, s.ttl); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to store admin token", err)
	}
	return nil
}

// Get returns the token bound to sess. ok is false when none is bound or
// the session has expired. Reading refreshes the idle expiry.
func (s *TokenStore) Get(ctx context.Context, sess *Session) (token string, ok bool, err error) {
	value, err := s.backend.Get(ctx, sess.ID, s.ttl)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.KindInternal, "failed to read admin token", err)
	}
	if s.cipher == nil {
		return value, true, nil
	}

	token, err = s.cipher.Open(sess.ID, value)
	if err != nil {
		// Typically a rotated encryption key. The operator just logs in again.
		slog.Warn("discarding session token that cannot be opened", "error", err)
		_ = s.backend.Delete(ctx, sess.ID)
		return "", false, nil
	}
	return token, true, nil
}

// Remove unbinds any token from sess. Removing from an empty session is a no-op.
func (s *TokenStore) Remove(ctx context.Context, sess *Session) error {
	if err := s.backend.Delete(ctx, sess.ID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to remove admin token", err)
	}
	return nil
}

// Require is Get for callers that cannot proceed without a token: an empty
// session yields a NotAuthenticated error.
func (s *TokenStore) Require(ctx context.Context, sess *Session) (string, error) {
	token, ok, err := s.Get(ctx, sess)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.NotAuthenticated()
	}
	return token, nil
}

// Ping checks the underlying backend.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}
