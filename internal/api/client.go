package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/interu-dev/interu-go/internal/auth"
)

// Message is a chat message as the backend serializes it.
type Message struct {
	ID          int64     `json:"id_mensaje"`
	ChatID      int64     `json:"chat"`
	AuthorID    int64     `json:"estudiante"`
	Text        string    `json:"texto"`
	CreatedAt   time.Time `json:"fecha"`
	AuthorAlias string    `json:"autor_alias"`
}

// Participant is one side of a chat, with the viewer-relevant flags.
type Participant struct {
	StudentID int64  `json:"estudiante"`
	Role      string `json:"rol"`
	Rated     bool   `json:"calificado"`
}

// ChatSnapshot is the GET /chats/{id}/ payload: messages plus exchange state,
// used to seed a session before live updates arrive.
type ChatSnapshot struct {
	ID               int64         `json:"id_chat"`
	Title            string        `json:"titulo"`
	ExchangeComplete bool          `json:"estado_intercambio"`
	Participants     []Participant `json:"participantes"`
	Messages         []Message     `json:"mensajes"`
}

var errDecode = errors.New("api: decode")

// Client talks to the Inter-U REST API on behalf of one authenticated
// session. A 401 triggers one token refresh and one retry; anything else is
// returned as *Error.
type Client struct {
	baseURL string
	session *auth.Session
	http    *http.Client
}

func NewClient(baseURL string, session *auth.Session, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, extra http.Header, out any) error {
	refreshed := false
	for {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.session.AccessToken())
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
			resp.Body.Close()
			if err := c.session.Refresh(ctx); err != nil {
				return &Error{Status: http.StatusUnauthorized, Detail: err.Error()}
			}
			refreshed = true
			continue
		}

		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			apiErr := &Error{Status: resp.StatusCode}
			var decoded struct {
				Detail string `json:"detail"`
			}
			if json.Unmarshal(raw, &decoded) == nil && decoded.Detail != "" {
				apiErr.Detail = decoded.Detail
			} else {
				apiErr.Detail = strings.TrimSpace(string(raw))
			}
			return apiErr
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%w: %s %s: %v", errDecode, method, path, err)
			}
		}
		return nil
	}
}

// GetChat fetches the snapshot used to open a session.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*ChatSnapshot, error) {
	var snap ChatSnapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/chats/%d/", chatID), nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListMessages hits the flat listing the older screens used. The snapshot
// already embeds messages; this exists for views that only need the thread.
func (c *Client) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/mensajes/?chat=%d", chatID), nil, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type sendMessageReq struct {
	Chat int64  `json:"chat"`
	Text string `json:"texto"`
}

// SendMessage persists a message. The canonical copy arrives over the live
// channel; callers must not render from the returned value (some deployments
// answer with an empty body, in which case it is nil).
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	b, err := json.Marshal(sendMessageReq{Chat: chatID, Text: text})
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("X-Idempotency-Key", ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())

	var msg Message
	if err := c.do(ctx, http.MethodPost, "/mensajes/", b, h, &msg); err != nil {
		// 2xx with an undecodable/empty body: the send stuck, only the echo
		// path is authoritative anyway.
		if errors.Is(err, errDecode) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// CompleteExchange marks the exchange done. The backend rejects callers that
// are not the chat's author with a 403.
func (c *Client) CompleteExchange(ctx context.Context, chatID int64) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/chats/%d/completar/", chatID), nil, nil, nil)
}

type ratingReq struct {
	Chat    int64  `json:"chat"`
	Score   int    `json:"puntaje"`
	Comment string `json:"comentario"`
}

// SubmitRating records the viewer's rating for the chat. One per viewer: a
// duplicate comes back as a 400.
func (c *Client) SubmitRating(ctx context.Context, chatID int64, score int, comment string) error {
	b, err := json.Marshal(ratingReq{Chat: chatID, Score: score, Comment: comment})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/calificaciones-chat/", b, nil, nil)
}
