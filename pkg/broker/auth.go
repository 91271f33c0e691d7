package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// sessionTTL is how long a gateway token stays valid. The client refreshes
// slightly early so in-flight calls never race expiry.
const (
	sessionTTL    = 23 * time.Hour
	refreshMargin = 30 * time.Minute
	authLoginPath = "/api/auth/login-key"
)

type loginRequest struct {
	Username string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token"`
	ErrorMessage string `json:"errorMessage"`
}

// Authenticate obtains a session token. It must succeed before any other
// call; subsequent expiry is handled transparently.
func (c *Client) Authenticate(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.loginLocked(ctx)
}

// ensureToken refreshes the session token when missing or near expiry.
// Refresh is serialized by tokenMu; waiting calls see the new token.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token == "" || time.Now().After(c.tokenExp.Add(-refreshMargin)) {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// SessionToken returns a valid session token, refreshing if needed. The
// quote stream uses it for its connection handshake.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	return c.ensureToken(ctx)
}

// invalidateToken drops the cached token after a 401 so the next call logs
// in again.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

func (c *Client) loginLocked(ctx context.Context) error {
	var result loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{Username: c.username, APIKey: c.apiKey}).
		SetResult(&result).
		Post(authLoginPath)
	if err != nil {
		return newErr(KindTransient, "authenticate", "", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		reason := result.ErrorMessage
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return newErr(KindRejected, "authenticate", reason, nil)
	}
	c.token = result.Token
	c.tokenExp = time.Now().Add(sessionTTL)
	c.logger.Info().Time("expires", c.tokenExp).Msg("session authenticated")
	return nil
}
