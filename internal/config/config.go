package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIBaseURL string
	WSBaseURL  string

	AccessToken  string
	RefreshToken string

	HTTPTimeout time.Duration

	// Session policy knobs, see chat.Options.
	AllowSendAfterComplete bool
	OptimisticSend         bool

	// Stub server
	StubAddr      string
	StubJWTSecret string
}

func Load() Config {
	apiBase := os.Getenv("INTERU_API_URL")
	if apiBase == "" {
		apiBase = "http://127.0.0.1:8000"
	}

	wsBase := os.Getenv("INTERU_WS_URL")
	if wsBase == "" {
		wsBase = "ws://127.0.0.1:8000"
	}

	timeout := 15 * time.Second
	if v := os.Getenv("INTERU_HTTP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	allowAfterComplete := false
	if v := os.Getenv("INTERU_ALLOW_SEND_AFTER_COMPLETE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			allowAfterComplete = b
		}
	}

	optimistic := false
	if v := os.Getenv("INTERU_OPTIMISTIC_SEND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			optimistic = b
		}
	}

	stubAddr := os.Getenv("INTERU_STUB_ADDR")
	if stubAddr == "" {
		stubAddr = ":8000"
	}

	stubSecret := os.Getenv("INTERU_STUB_JWT_SECRET")
	if stubSecret == "" {
		stubSecret = "dev-secret-change-me"
	}

	return Config{
		APIBaseURL: apiBase,
		WSBaseURL:  wsBase,

		AccessToken:  os.Getenv("INTERU_ACCESS_TOKEN"),
		RefreshToken: os.Getenv("INTERU_REFRESH_TOKEN"),

		HTTPTimeout: timeout,

		AllowSendAfterComplete: allowAfterComplete,
		OptimisticSend:         optimistic,

		StubAddr:      stubAddr,
		StubJWTSecret: stubSecret,
	}
}
