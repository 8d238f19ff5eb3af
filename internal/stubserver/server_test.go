package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/interu-dev/interu-go/internal/api"
	"github.com/interu-dev/interu-go/internal/auth"
	"github.com/interu-dev/interu-go/internal/chat"
	"github.com/interu-dev/interu-go/internal/live"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:stubtest%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func startStub(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := NewServer(openTestDB(t), "test-secret")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func devTokens(t *testing.T, baseURL string, userID int64, alias string) (string, string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"user_id": userID, "alias": alias})
	resp, err := http.Post(baseURL+"/auth/dev-token/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("dev token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev token: status %d", resp.StatusCode)
	}
	var decoded struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("dev token decode: %v", err)
	}
	return decoded.Access, decoded.Refresh
}

func clientFor(t *testing.T, baseURL string, userID int64, alias string) (*api.Client, string) {
	t.Helper()
	access, refresh := devTokens(t, baseURL, userID, alias)
	sess, err := auth.NewSession(baseURL, access, refresh)
	if err != nil {
		t.Fatalf("auth session: %v", err)
	}
	if sess.UserID() != userID {
		t.Fatalf("minted token claims user %d, want %d", sess.UserID(), userID)
	}
	return api.NewClient(baseURL, sess, 5*time.Second), access
}

// createChat uses the stub-only seed endpoint, which is deliberately not on
// the api.Client surface.
func createChat(t *testing.T, baseURL, access, title string, receiverID int64) int64 {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"titulo": title, "receptor": receiverID})
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/chats/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+access)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat: status %d", resp.StatusCode)
	}
	var out Chat
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("create chat decode: %v", err)
	}
	return out.ID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRoundTrip_SendBroadcastReconcile(t *testing.T) {
	srv, ts := startStub(t)
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")

	ana, anaAccess := clientFor(t, ts.URL, 1, "ana")
	leo, _ := clientFor(t, ts.URL, 2, "leo")
	chatID := createChat(t, ts.URL, anaAccess, "Clases de guitarra", 2)

	subscribe := func(id int64) chat.EventSource { return live.Subscribe(wsBase, id, "") }

	anaSession := chat.NewSession(ana, chatID, 1, chat.Options{Subscribe: subscribe})
	defer anaSession.Close()
	leoSession := chat.NewSession(leo, chatID, 2, chat.Options{Subscribe: subscribe, Optimistic: true})
	defer leoSession.Close()

	if err := anaSession.Open(context.Background()); err != nil {
		t.Fatalf("ana open: %v", err)
	}
	if err := leoSession.Open(context.Background()); err != nil {
		t.Fatalf("leo open: %v", err)
	}

	// The handshake is asynchronous; a send before both sockets are
	// registered would broadcast into the void.
	waitFor(t, func() bool { return srv.SubscriberCount(chatID) == 2 })

	if err := anaSession.Send(context.Background(), "hola, te interesa?"); err != nil {
		t.Fatalf("ana send: %v", err)
	}
	waitFor(t, func() bool { return len(anaSession.State().Messages) == 1 })
	waitFor(t, func() bool { return len(leoSession.State().Messages) == 1 })

	if err := leoSession.Send(context.Background(), "si! cuando puedes?"); err != nil {
		t.Fatalf("leo send: %v", err)
	}
	waitFor(t, func() bool { return len(anaSession.State().Messages) == 2 })
	waitFor(t, func() bool {
		msgs := leoSession.State().Messages
		return len(msgs) == 2 && !msgs[1].Pending
	})

	// Exactly one copy of each message on both sides, echo and snapshot paths
	// included.
	for _, msgs := range [][]chat.Message{anaSession.State().Messages, leoSession.State().Messages} {
		counts := map[int64]int{}
		for _, m := range msgs {
			counts[m.ID]++
		}
		for id, n := range counts {
			if n != 1 {
				t.Fatalf("message %d appears %d times", id, n)
			}
		}
	}

	// The broadcast resolves aliases from the profile store.
	if got := leoSession.State().Messages[0].AuthorAlias; got != "ana" {
		t.Fatalf("expected alias ana, got %q", got)
	}

	// A late joiner seeds from the snapshot and matches the live view.
	lateSession := chat.NewSession(ana, chatID, 1, chat.Options{})
	defer lateSession.Close()
	if err := lateSession.Open(context.Background()); err != nil {
		t.Fatalf("late open: %v", err)
	}
	if n := len(lateSession.State().Messages); n != 2 {
		t.Fatalf("late joiner sees %d messages, want 2", n)
	}
}

func TestRoundTrip_ExchangeLifecycle(t *testing.T) {
	_, ts := startStub(t)

	ana, anaAccess := clientFor(t, ts.URL, 1, "ana")
	leo, _ := clientFor(t, ts.URL, 2, "leo")
	chatID := createChat(t, ts.URL, anaAccess, "Intercambio ingles-guitarra", 2)

	anaSession := chat.NewSession(ana, chatID, 1, chat.Options{})
	defer anaSession.Close()
	leoSession := chat.NewSession(leo, chatID, 2, chat.Options{})
	defer leoSession.Close()
	if err := anaSession.Open(context.Background()); err != nil {
		t.Fatalf("ana open: %v", err)
	}
	if err := leoSession.Open(context.Background()); err != nil {
		t.Fatalf("leo open: %v", err)
	}

	// Only the author may complete.
	var permErr *chat.PermissionError
	if err := leoSession.CompleteExchange(context.Background()); !errors.As(err, &permErr) {
		t.Fatalf("receiver completion: expected PermissionError, got %v", err)
	}
	if got := leoSession.State().ExchangeStatus; got != chat.StatusInProgress {
		t.Fatalf("refused completion moved status to %s", got)
	}

	if err := anaSession.CompleteExchange(context.Background()); err != nil {
		t.Fatalf("author completion: %v", err)
	}
	if got := anaSession.State().ExchangeStatus; got != chat.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	// Both participants rate once; duplicates come back as RatingError.
	if err := anaSession.SubmitRating(context.Background(), 5, "excelente"); err != nil {
		t.Fatalf("ana rate: %v", err)
	}
	var ratingErr *chat.RatingError
	if err := anaSession.SubmitRating(context.Background(), 4, ""); !errors.As(err, &ratingErr) {
		t.Fatalf("expected RatingError on duplicate, got %v", err)
	}

	// A fresh session for the rater derives rated straight from the snapshot.
	again := chat.NewSession(ana, chatID, 1, chat.Options{})
	defer again.Close()
	if err := again.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := again.State().ExchangeStatus; got != chat.StatusRated {
		t.Fatalf("reopened session: expected rated, got %s", got)
	}

	// The counterpart still sees completed until they rate themselves.
	leoAgain := chat.NewSession(leo, chatID, 2, chat.Options{})
	defer leoAgain.Close()
	if err := leoAgain.Open(context.Background()); err != nil {
		t.Fatalf("leo reopen: %v", err)
	}
	if got := leoAgain.State().ExchangeStatus; got != chat.StatusCompleted {
		t.Fatalf("counterpart: expected completed, got %s", got)
	}
}

func TestGetChat_NonParticipantForbidden(t *testing.T) {
	_, ts := startStub(t)

	_, anaAccess := clientFor(t, ts.URL, 1, "ana")
	chatID := createChat(t, ts.URL, anaAccess, "Clases de excel", 2)

	intruder, _ := clientFor(t, ts.URL, 3, "max")
	session := chat.NewSession(intruder, chatID, 3, chat.Options{})
	defer session.Close()

	err := session.Open(context.Background())
	var loadErr *chat.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if api.StatusOf(loadErr.Err) != http.StatusForbidden {
		t.Fatalf("expected 403 behind the LoadError, got %v", loadErr.Err)
	}
}

func TestListMessages_LegacyEndpoint(t *testing.T) {
	_, ts := startStub(t)

	ana, anaAccess := clientFor(t, ts.URL, 1, "ana")
	chatID := createChat(t, ts.URL, anaAccess, "Clases de excel", 2)

	if _, err := ana.SendMessage(context.Background(), chatID, "hola"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := ana.ListMessages(context.Background(), chatID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hola" || msgs[0].AuthorAlias != "ana" {
		t.Fatalf("unexpected listing: %+v", msgs)
	}
}

func TestRating_Validation(t *testing.T) {
	_, ts := startStub(t)

	ana, anaAccess := clientFor(t, ts.URL, 1, "ana")
	chatID := createChat(t, ts.URL, anaAccess, "Clases de excel", 2)

	err := ana.SubmitRating(context.Background(), chatID, 7, "")
	if api.StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for score 7, got %v", err)
	}
}
