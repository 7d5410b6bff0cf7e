// Package token owns the OAuth2 access/refresh token pair for one account.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lunamail/mailpool/internal/mailerr"
	"github.com/lunamail/mailpool/pkg/models"
)

// Manager refreshes a single account's OAuth2 token proactively, before it
// expires, and collapses concurrent refresh attempts into one outbound
// exchange. The token lives only in memory and is replaced atomically.
type Manager struct {
	cred     models.AccountCredential
	tokenURL string
	buffer   time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	tok   *oauth2.Token
	group singleflight.Group
}

// NewManager creates a token manager for one account. buffer is the safety
// margin before expiry at which a token is already considered due.
func NewManager(cred models.AccountCredential, tokenURL string, buffer time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		cred:     cred,
		tokenURL: tokenURL,
		buffer:   buffer,
		logger:   logger.With("component", "token_manager", "email", cred.Email),
	}
}

// EnsureValid returns an access token guaranteed to stay valid for at least
// the refresh buffer. Concurrent calls while a refresh is due share a single
// outbound exchange.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	if tok := m.current(); m.fresh(tok) {
		return tok.AccessToken, nil
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Double check: an earlier flight may have refreshed already.
		if tok := m.current(); m.fresh(tok) {
			return tok, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Check probes whether the refresh token is still accepted by the endpoint.
// A rejected token yields (nil, nil) rather than an error, so callers can
// validate credentials without treating the answer as a failure. Transport
// errors still propagate.
func (m *Manager) Check(ctx context.Context) (*oauth2.Token, error) {
	tok, err := m.refresh(ctx)
	if err != nil {
		var ae *mailerr.AuthError
		if errors.As(err, &ae) {
			return nil, nil
		}
		return nil, err
	}
	return tok, nil
}

// RefreshToken returns the current refresh token, which may have been
// rotated by the endpoint since the manager was created.
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.RefreshToken
}

func (m *Manager) current() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok
}

// fresh reports whether tok is usable without violating the refresh buffer.
func (m *Manager) fresh(tok *oauth2.Token) bool {
	return tok != nil && time.Until(tok.Expiry) > m.buffer
}

// refresh exchanges the refresh token for a new access token and swaps it
// in atomically. A rotated refresh token replaces the stored one.
func (m *Manager) refresh(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	refreshToken := m.cred.RefreshToken
	m.mu.Unlock()

	conf := &oauth2.Config{
		ClientID: m.cred.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: m.tokenURL},
	}

	m.logger.Debug("refreshing access token")
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, m.classify(err)
	}

	m.mu.Lock()
	m.tok = tok
	if tok.RefreshToken != "" && tok.RefreshToken != m.cred.RefreshToken {
		m.logger.Info("refresh token rotated by endpoint")
		m.cred.RefreshToken = tok.RefreshToken
	}
	m.mu.Unlock()

	m.logger.Debug("access token refreshed", "expires_at", tok.Expiry)
	return tok, nil
}

// classify splits token endpoint failures into the two modes callers must
// tell apart: a rejected grant is fatal for the account, anything else is a
// transport problem worth retrying.
func (m *Manager) classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && authRejection(rerr) {
		return mailerr.Auth(m.cred.Email, fmt.Errorf("token endpoint rejected refresh token: %w", err))
	}
	// Everything else, including 5xx from the endpoint, is transport.
	return mailerr.Connection("token refresh", err)
}

func authRejection(rerr *oauth2.RetrieveError) bool {
	switch rerr.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if rerr.Response != nil {
		code := rerr.Response.StatusCode
		return code == 400 || code == 401 || code == 403
	}
	return false
}
