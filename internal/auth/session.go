package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the viewer's credentials for one backend. It replaces the
// ad-hoc "read the token out of storage inside every fetch" pattern: build it
// once, inject it into every component that talks to the backend.
type Session struct {
	baseURL string
	client  *http.Client

	mu      sync.RWMutex
	access  string
	refresh string
	userID  int64
	expires time.Time
}

var ErrNoRefreshToken = errors.New("auth: no refresh token")

func NewSession(baseURL, accessToken, refreshToken string) (*Session, error) {
	s := &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		refresh: refreshToken,
	}
	if err := s.setAccess(accessToken); err != nil {
		return nil, err
	}
	return s, nil
}

// setAccess stores the token and pulls user_id/exp out of its claims. The
// signature is not checked here: the backend is the verifier, the client only
// needs the identity baked into the token it was handed.
func (s *Session) setAccess(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("auth: parse access token: %w", err)
	}

	uid, ok := claims["user_id"].(float64)
	if !ok {
		return errors.New("auth: access token has no user_id claim")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = token
	s.userID = int64(uid)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.expires = exp.Time
	}
	return nil
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// UserID is the authenticated student id, as claimed by the access token.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}

type refreshReq struct {
	Refresh string `json:"refresh"`
}

type refreshResp struct {
	Access string `json:"access"`
}

// Refresh exchanges the refresh token for a new access token via
// POST /auth/jwt/refresh/ and swaps it in place.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.RLock()
	refresh := s.refresh
	s.mu.RUnlock()
	if refresh == "" {
		return ErrNoRefreshToken
	}

	b, err := json.Marshal(refreshReq{Refresh: refresh})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/jwt/refresh/", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("auth: refresh failed: %s", msg)
	}

	var decoded refreshResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Access == "" {
		return errors.New("auth: refresh response has no access token")
	}
	return s.setAccess(decoded.Access)
}
