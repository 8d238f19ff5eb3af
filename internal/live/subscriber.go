package live

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is the canonical live-channel payload. Only type "message" carries a
// chat message; other types ride the same channel and are passed through for
// the session to ignore.
type Event struct {
	Type        string    `json:"type"`
	MessageID   int64     `json:"id_mensaje"`
	AuthorID    int64     `json:"estudiante"`
	Text        string    `json:"texto"`
	CreatedAt   time.Time `json:"fecha"`
	AuthorAlias string    `json:"autor_alias"`
}

const EventMessage = "message"

// Subscriber keeps one chat's push channel open. A dropped socket is redialed
// with capped backoff until Close; subscribers never see the gap, only a
// possible replay that the session dedups by id.
type Subscriber struct {
	url    string
	header http.Header

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Subscribe opens the live channel for chatID. token may be empty; when set
// it is sent as a bearer header on the handshake.
func Subscribe(wsBaseURL string, chatID int64, token string) *Subscriber {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	s := &Subscriber{
		url:    fmt.Sprintf("%s/ws/chat/%d/", strings.TrimRight(wsBaseURL, "/"), chatID),
		header: h,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events delivers decoded events in arrival order. The channel is closed once
// the subscriber shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func (s *Subscriber) run() {
	defer close(s.events)

	backoff := time.Second
	for {
		conn, _, err := websocket.DefaultDialer.Dial(s.url, s.header)
		if err != nil {
			if s.closed() {
				return
			}
			log.Printf("live: dial %s: %v (retrying in %s)", s.url, err, backoff)
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.mu.Lock()
		if s.closed() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.readLoop(conn)
		if s.closed() {
			return
		}
	}
}

func (s *Subscriber) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !s.closed() {
				log.Printf("live: read: %v (resubscribing)", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("live: drop undecodable event: %v", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close tears the subscription down. Idempotent.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}
