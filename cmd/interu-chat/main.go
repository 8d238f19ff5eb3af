package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/interu-dev/interu-go/internal/api"
	"github.com/interu-dev/interu-go/internal/auth"
	"github.com/interu-dev/interu-go/internal/chat"
	"github.com/interu-dev/interu-go/internal/config"
	"github.com/interu-dev/interu-go/internal/live"
)

// Terminal view adapter over the shared session core. Everything the screen
// variants used to reimplement lives in internal/chat; this file only renders
// and forwards input.

func usage() {
	fmt.Fprintln(os.Stderr, "usage: interu-chat <chat-id>")
	fmt.Fprintln(os.Stderr, "  commands: /complete, /rate <1-5> [comment], /quit")
	os.Exit(2)
}

func main() {
	if len(os.Args) != 2 {
		usage()
	}
	chatID, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil || chatID <= 0 {
		usage()
	}

	cfg := config.Load()

	access, refresh := cfg.AccessToken, cfg.RefreshToken
	if access == "" {
		access, refresh, err = devTokens(cfg.APIBaseURL)
		if err != nil {
			log.Fatalf("no INTERU_ACCESS_TOKEN and dev token fetch failed: %v", err)
		}
	}

	session, err := auth.NewSession(cfg.APIBaseURL, access, refresh)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	client := api.NewClient(cfg.APIBaseURL, session, cfg.HTTPTimeout)

	cs := chat.NewSession(client, chatID, session.UserID(), chat.Options{
		AllowSendAfterComplete: cfg.AllowSendAfterComplete,
		Optimistic:             cfg.OptimisticSend,
		Subscribe: func(id int64) chat.EventSource {
			return live.Subscribe(cfg.WSBaseURL, id, session.AccessToken())
		},
	})
	defer cs.Close()

	openCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	err = cs.Open(openCtx)
	cancel()
	if err != nil {
		var loadErr *chat.LoadError
		if errors.As(err, &loadErr) {
			log.Fatalf("could not load chat %d (retry later): %v", chatID, loadErr.Err)
		}
		log.Fatalf("open chat: %v", err)
	}

	state := cs.State()
	title := state.Title
	if title == "" {
		title = fmt.Sprintf("chat %d", chatID)
	}
	fmt.Printf("-- %s [%s] --\n", title, state.ExchangeStatus)
	printed := render(cs, session.UserID(), 0)

	go func() {
		p := printed
		for range cs.Updates() {
			p = render(cs, session.UserID(), p)
		}
	}()

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "/quit":
			return
		case line == "/complete":
			run(func(ctx context.Context) error { return cs.CompleteExchange(ctx) }, cfg.HTTPTimeout)
		case strings.HasPrefix(line, "/rate"):
			fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "/rate")), " ", 2)
			score, _ := strconv.Atoi(fields[0])
			comment := ""
			if len(fields) == 2 {
				comment = fields[1]
			}
			run(func(ctx context.Context) error { return cs.SubmitRating(ctx, score, comment) }, cfg.HTTPTimeout)
		case line != "":
			run(func(ctx context.Context) error { return cs.Send(ctx, line) }, cfg.HTTPTimeout)
		}
	}
}

func run(op func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := op(ctx); err != nil {
		fmt.Printf("! %v\n", err)
	}
}

// render prints messages beyond the first already-printed ones and returns
// the new count. Reconciled pending entries keep their line; the id shows up
// on the next full redraw only, which is fine for a line console.
func render(cs *chat.Session, viewerID int64, printed int) int {
	state := cs.State()
	for _, m := range state.Messages[min(printed, len(state.Messages)):] {
		who := m.AuthorAlias
		if who == "" {
			if m.AuthorID == viewerID {
				who = "me"
			} else {
				who = fmt.Sprintf("user %d", m.AuthorID)
			}
		}
		marker := ""
		if m.Pending {
			marker = " (sending...)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Text, marker)
	}
	return len(state.Messages)
}

type devTokenResp struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// devTokens asks a running stub backend for credentials, keyed by
// INTERU_DEV_USER. Only useful against interu-stubd.
func devTokens(baseURL string) (string, string, error) {
	uid, err := strconv.ParseInt(os.Getenv("INTERU_DEV_USER"), 10, 64)
	if err != nil || uid <= 0 {
		return "", "", errors.New("set INTERU_ACCESS_TOKEN, or INTERU_DEV_USER against the stub")
	}

	body, _ := json.Marshal(map[string]any{
		"user_id": uid,
		"alias":   os.Getenv("INTERU_DEV_ALIAS"),
	})
	resp, err := http.Post(strings.TrimRight(baseURL, "/")+"/auth/dev-token/", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("dev token: status %d", resp.StatusCode)
	}

	var decoded devTokenResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", err
	}
	return decoded.Access, decoded.Refresh, nil
}
