package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/interu-dev/interu-go/internal/api"
	"github.com/interu-dev/interu-go/internal/live"
)

// Backend is the slice of the REST API a session needs. *api.Client
// satisfies it.
type Backend interface {
	GetChat(ctx context.Context, chatID int64) (*api.ChatSnapshot, error)
	SendMessage(ctx context.Context, chatID int64, text string) (*api.Message, error)
	CompleteExchange(ctx context.Context, chatID int64) error
	SubmitRating(ctx context.Context, chatID int64, score int, comment string) error
}

// EventSource is a live subscription feeding one session.
// *live.Subscriber satisfies it.
type EventSource interface {
	Events() <-chan live.Event
	Close()
}

// SubscribeFunc opens the live channel for a chat once its snapshot loaded.
type SubscribeFunc func(chatID int64) EventSource

// Options are the per-deployment policy decisions the original clients
// disagreed on, made explicit.
type Options struct {
	// AllowSendAfterComplete keeps Send working once the exchange is marked
	// completed. The stricter client hid the input; that is the default.
	AllowSendAfterComplete bool

	// Optimistic makes Send append a locally tagged pending message that is
	// reconciled in place when the server echo arrives. Off, the thread only
	// ever shows server-confirmed messages.
	Optimistic bool

	// Subscribe wires the live channel. Nil is allowed (snapshot-only
	// session, events can still be fed through HandleEvent directly).
	Subscribe SubscribeFunc
}

// Session owns the state of one open conversation: the deduplicated message
// feed reconciled from the snapshot and the live channel, and the exchange
// completion/rating workflow. One session per chat per process; it is safe to
// call from the view and the subscription concurrently.
type Session struct {
	backend  Backend
	chatID   int64
	viewerID int64
	opts     Options

	mu      sync.Mutex
	opened  bool
	closed  bool
	state   ChatState
	seen    map[int64]struct{}
	src     EventSource
	updates chan struct{}
}

func NewSession(backend Backend, chatID, viewerID int64, opts Options) *Session {
	return &Session{
		backend:  backend,
		chatID:   chatID,
		viewerID: viewerID,
		opts:     opts,
		seen:     make(map[int64]struct{}),
		updates:  make(chan struct{}, 1),
	}
}

// Open fetches the snapshot, seeds the state and starts the live
// subscription. On a LoadError nothing is seeded and Open may be retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	snap, err := s.backend.GetChat(ctx, s.chatID)
	if err != nil {
		return &LoadError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	s.state = ChatState{
		ChatID:         s.chatID,
		Title:          snap.Title,
		ExchangeStatus: statusFromSnapshot(snap, s.viewerID),
	}
	for _, m := range snap.Messages {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.state.Messages = append(s.state.Messages, fromAPI(m))
	}
	s.opened = true

	if s.opts.Subscribe != nil {
		src := s.opts.Subscribe(s.chatID)
		s.src = src
		go s.pump(src)
	}

	s.notifyLocked()
	return nil
}

func (s *Session) pump(src EventSource) {
	for ev := range src.Events() {
		s.HandleEvent(ev)
	}
}

// HandleEvent applies one pushed event. Non-message types are ignored, as is
// any message id already present: the same message legitimately arrives once
// via the snapshot and again via the push stream, and a sender's optimistic
// copy collides with its own echo.
func (s *Session) HandleEvent(ev live.Event) {
	if ev.Type != live.EventMessage {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.opened {
		return
	}
	if _, dup := s.seen[ev.MessageID]; dup {
		return
	}

	msg := Message{
		ID:          ev.MessageID,
		ChatID:      s.chatID,
		AuthorID:    ev.AuthorID,
		AuthorAlias: ev.AuthorAlias,
		Text:        ev.Text,
		CreatedAt:   ev.CreatedAt,
	}

	// Own echo: fold it into the oldest pending copy with the same text so
	// the message keeps its position instead of showing up twice.
	if s.opts.Optimistic && ev.AuthorID == s.viewerID {
		for i := range s.state.Messages {
			p := &s.state.Messages[i]
			if p.Pending && p.Text == ev.Text {
				msg.AuthorAlias = p.AuthorAlias
				*p = msg
				s.seen[ev.MessageID] = struct{}{}
				s.notifyLocked()
				return
			}
		}
	}

	s.seen[ev.MessageID] = struct{}{}
	s.state.Messages = append(s.state.Messages, msg)
	s.notifyLocked()
}

// Send submits a message. Empty or whitespace-only text is rejected locally
// with no network call. The persisted message is rendered when it comes back
// over the live channel; the write response is never appended as-is.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.state.ExchangeStatus != StatusInProgress && !s.opts.AllowSendAfterComplete {
		s.mu.Unlock()
		return ErrExchangeComplete
	}

	var tag string
	if s.opts.Optimistic {
		tag = uuid.NewString()
		s.state.Messages = append(s.state.Messages, Message{
			ChatID:   s.chatID,
			AuthorID: s.viewerID,
			Text:     text,
			Pending:  true,
			LocalTag: tag,
		})
		s.notifyLocked()
	}
	s.mu.Unlock()

	persisted, err := s.backend.SendMessage(ctx, s.chatID, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Session torn down while the write was in flight: whatever the
		// outcome, it no longer mutates anything.
		return nil
	}

	if err != nil {
		if tag != "" {
			s.dropPendingLocked(tag)
			s.notifyLocked()
		}
		return &SendError{Err: err}
	}

	// When the write endpoint does return the canonical message, use its id
	// to confirm the pending copy early; the later echo then dedups.
	if tag != "" && persisted != nil {
		if _, dup := s.seen[persisted.ID]; !dup {
			for i := range s.state.Messages {
				p := &s.state.Messages[i]
				if p.LocalTag == tag {
					confirmed := fromAPI(*persisted)
					if confirmed.AuthorAlias == "" {
						confirmed.AuthorAlias = p.AuthorAlias
					}
					*p = confirmed
					s.seen[persisted.ID] = struct{}{}
					s.notifyLocked()
					break
				}
			}
		} else {
			// Echo beat the response; the pending copy is already confirmed.
			s.dropPendingLocked(tag)
		}
	}
	return nil
}

func (s *Session) dropPendingLocked(tag string) {
	for i := range s.state.Messages {
		if s.state.Messages[i].LocalTag == tag && s.state.Messages[i].Pending {
			s.state.Messages = append(s.state.Messages[:i], s.state.Messages[i+1:]...)
			return
		}
	}
}

// CompleteExchange marks the exchange done. The backend owns eligibility
// (only the chat's author may complete); a refusal surfaces as a
// PermissionError and local state is untouched.
func (s *Session) CompleteExchange(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.state.ExchangeStatus != StatusInProgress {
		s.mu.Unlock()
		return &PermissionError{Err: ErrExchangeComplete}
	}
	s.mu.Unlock()

	if err := s.backend.CompleteExchange(ctx, s.chatID); err != nil {
		return &PermissionError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.state.ExchangeStatus == StatusInProgress {
		s.state.ExchangeStatus = StatusCompleted
		s.notifyLocked()
	}
	return nil
}

// SubmitRating records the viewer's rating. Scores outside 1..5 are rejected
// locally with no network call; a backend refusal leaves the status at
// completed.
func (s *Session) SubmitRating(ctx context.Context, score int, comment string) error {
	if score < 1 || score > 5 {
		return ErrInvalidScore
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	switch s.state.ExchangeStatus {
	case StatusRated:
		s.mu.Unlock()
		return &RatingError{Err: ErrAlreadyRated}
	case StatusInProgress:
		s.mu.Unlock()
		return &RatingError{Err: ErrNotCompleted}
	}
	s.mu.Unlock()

	if err := s.backend.SubmitRating(ctx, s.chatID, score, comment); err != nil {
		return &RatingError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.state.ExchangeStatus == StatusCompleted {
		s.state.ExchangeStatus = StatusRated
		s.state.Rating = &Rating{Score: score, Comment: comment}
		s.notifyLocked()
	}
	return nil
}

// Close tears down the live subscription and freezes the state. Idempotent;
// in-flight writes finish but their results are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.src != nil {
		s.src.Close()
	}
	close(s.updates)
}

// State returns a copy of the current state for rendering.
func (s *Session) State() ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Messages = append([]Message(nil), s.state.Messages...)
	if s.state.Rating != nil {
		r := *s.state.Rating
		out.Rating = &r
	}
	return out
}

// Updates signals that State changed. It is a lossy repaint hint: a slow
// consumer misses ticks, never state. Closed together with the session.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func statusFromSnapshot(snap *api.ChatSnapshot, viewerID int64) ExchangeStatus {
	if !snap.ExchangeComplete {
		return StatusInProgress
	}
	for _, p := range snap.Participants {
		if p.StudentID == viewerID && p.Rated {
			return StatusRated
		}
	}
	return StatusCompleted
}

func fromAPI(m api.Message) Message {
	return Message{
		ID:          m.ID,
		ChatID:      m.ChatID,
		AuthorID:    m.AuthorID,
		AuthorAlias: m.AuthorAlias,
		Text:        m.Text,
		CreatedAt:   m.CreatedAt,
	}
}
