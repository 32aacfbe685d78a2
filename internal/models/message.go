package models

import "time"

// Message represents an individual communication entry within a chat. Content holds the raw text: the
// user's input, or the assistant's reply exactly as streamed, reasoning delimiters included.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	// State is the generation state of an assistant message.
	State State
	// Error is the user-visible failure text of a failed generation.
	Error string
}

// Role represents the role of a message participant.
type Role string

// State is the lifecycle state of an assistant message.
type State string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	StateLoading   State = "loading"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Ended reports whether the message will not change anymore.
func (s State) Ended() bool {
	switch s {
	case StateCompleted, StateAborted, StateFailed:
		return true
	}
	return false
}
