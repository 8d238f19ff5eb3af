package chat

import "errors"

// Local rejections. None of these reach the network.
var (
	ErrSessionClosed    = errors.New("chat: session closed")
	ErrNotOpen          = errors.New("chat: session not opened")
	ErrEmptyMessage     = errors.New("chat: empty message")
	ErrInvalidScore     = errors.New("chat: score must be between 1 and 5")
	ErrExchangeComplete = errors.New("chat: exchange already completed")
	ErrNotCompleted     = errors.New("chat: exchange not completed yet")
	ErrAlreadyRated     = errors.New("chat: chat already rated")
)

// LoadError is a failed snapshot fetch. Retryable: the session stays
// unopened and Open may be called again.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "chat: load snapshot: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// SendError is a failed write: the message was not persisted and the caller
// should keep the input for a retry.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "chat: send message: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// PermissionError is a completion attempt the backend refused. Local state is
// left untouched.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string { return "chat: complete exchange: " + e.Err.Error() }
func (e *PermissionError) Unwrap() error { return e.Err }

// RatingError is a duplicate or ineligible rating attempt. The status stays
// at completed.
type RatingError struct {
	Err error
}

func (e *RatingError) Error() string { return "chat: submit rating: " + e.Err.Error() }
func (e *RatingError) Unwrap() error { return e.Err }
