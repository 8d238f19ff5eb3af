package chat

import "time"

// ExchangeStatus tracks the skill-trade lifecycle behind a chat, from the
// viewing participant's perspective. Transitions only move forward:
// in_progress -> completed -> rated.
type ExchangeStatus string

const (
	StatusInProgress ExchangeStatus = "in_progress"
	StatusCompleted  ExchangeStatus = "completed"
	StatusRated      ExchangeStatus = "rated"
)

type Rating struct {
	Score   int
	Comment string
}

// Message is one entry of the thread. Messages are append-only; the id is
// assigned by the backend, never here. Pending marks an optimistic local copy
// still waiting for its server echo, identified by LocalTag until then.
type Message struct {
	ID          int64
	ChatID      int64
	AuthorID    int64
	AuthorAlias string
	Text        string
	CreatedAt   time.Time

	Pending  bool
	LocalTag string
}

// ChatState is everything a view needs to render one conversation. Messages
// are in arrival order; timestamps are display-only and never used to sort.
type ChatState struct {
	ChatID         int64
	Title          string
	Messages       []Message
	ExchangeStatus ExchangeStatus
	Rating         *Rating
}
