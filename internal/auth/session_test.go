package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, userID int64, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"user_id": userID, "exp": exp.Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func TestNewSession_ExtractsClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s, err := NewSession("http://backend", mintToken(t, 42, exp), "refresh-token")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.UserID() != 42 {
		t.Fatalf("expected user 42, got %d", s.UserID())
	}
	if !s.ExpiresAt().Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, s.ExpiresAt())
	}
}

func TestNewSession_RejectsGarbageToken(t *testing.T) {
	if _, err := NewSession("http://backend", "not-a-jwt", ""); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}

func TestRefresh_SwapsAccessToken(t *testing.T) {
	fresh := mintToken(t, 42, time.Now().Add(2*time.Hour))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/jwt/refresh/" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Refresh string `json:"refresh"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh != "refresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access": fresh})
	}))
	defer srv.Close()

	old := mintToken(t, 42, time.Now().Add(time.Minute))
	s, err := NewSession(srv.URL, old, "refresh-token")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.AccessToken() != fresh {
		t.Fatalf("access token not swapped")
	}
}

func TestRefresh_WithoutRefreshToken(t *testing.T) {
	s, err := NewSession("http://backend", mintToken(t, 1, time.Now().Add(time.Hour)), "")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestRefresh_BackendRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Token de refresco inválido."})
	}))
	defer srv.Close()

	s, err := NewSession(srv.URL, mintToken(t, 1, time.Now().Add(time.Hour)), "stale")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
}
