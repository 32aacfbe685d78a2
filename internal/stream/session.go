package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateIdle is a session that has not started reading.
	StateIdle State = iota
	// StateActive is a session that is reading its stream.
	StateActive
	// StateCompleted is a session that saw the completion sentinel or the end of its stream.
	StateCompleted
	// StateAborted is a session that was cancelled. Its partial buffer is kept.
	StateAborted
	// StateFailed is a session whose transport failed.
	StateFailed
)

const errLoggerKey = "err"

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further text can be appended in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Snapshot is a point-in-time view of a Session handed to observers.
type Snapshot struct {
	SessionID string
	Raw       string
	State     State
	// Final is set on the single notification sent when the session reaches a terminal state.
	Final bool
	// Malformed counts the frames skipped so far.
	Malformed int
	Err       error
}

// Session is one in-flight generation request. It owns the append-only raw buffer of the reply; every
// other component only reads snapshots of it. The orchestrator that creates a Session holds the only
// reference needed to cancel it.
type Session struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	raw       strings.Builder
	malformed int
	err       error
	cancel    context.CancelFunc
	cancelled bool
}

// NewSession returns an idle session.
func NewSession(id string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		id:     id,
		logger: logger.With(slog.String("module", "stream"), slog.String("session", id)),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Raw returns the text accumulated so far.
func (s *Session) Raw() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw.String()
}

// Err returns the failure of a StateFailed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: s.id,
		Raw:       s.raw.String(),
		State:     s.state,
		Malformed: s.malformed,
		Err:       s.err,
	}
}

// Append adds a text fragment to the raw buffer. Only an active session accepts text.
func (s *Session) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrSessionClosed
	}
	s.raw.WriteString(text)
	return nil
}

// Cancel asks the session to stop reading. A running session ends as StateAborted with its partial buffer
// kept; a session that has not started yet aborts as soon as Run is called. Cancel is safe to call from any
// goroutine and more than once.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Fail ends a session whose transport never delivered a stream. A cancellation error ends it as
// StateAborted; anything else as StateFailed, wrapped in a *TransportError unless it already is one.
func (s *Session) Fail(err error) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.snapshotLocked()
	}

	if s.cancelled || errors.Is(err, context.Canceled) {
		s.state = StateAborted
	} else {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "open", Err: err}
		}
		s.state = StateFailed
		s.err = err
	}
	snap := s.snapshotLocked()
	snap.Final = true
	return snap
}

func (s *Session) start(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if s.state != StateIdle {
		return ErrSessionStarted
	}
	s.state = StateActive
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
	return nil
}

func (s *Session) finish(ctx context.Context, runErr error) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case runErr == nil:
		s.state = StateCompleted
	case s.cancelled || ctx.Err() != nil:
		s.state = StateAborted
	default:
		s.state = StateFailed
		s.err = &TransportError{Op: "read", Err: runErr}
	}
	s.cancel = nil

	snap := s.snapshotLocked()
	snap.Final = true
	return snap
}

func (s *Session) skipMalformed(f Frame) {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()

	s.logger.Warn("Skipping malformed frame",
		slog.String("line", f.Raw),
		slog.String(errLoggerKey, f.Err.Error()))
}

// Run consumes the stream r until completion, cancellation or failure. After every chunk that appended
// text, notify receives a snapshot; when the session ends, notify receives exactly one more snapshot with
// Final set, even if the last chunk appended nothing. Notifications are delivered sequentially from the
// calling goroutine, so observers see buffers of non-decreasing length.
//
// Run returns nil when the session completed or was aborted, and the *TransportError when it failed.
func (s *Session) Run(ctx context.Context, r io.Reader, dec *Decoder, notify func(Snapshot)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.start(cancel); err != nil {
		return err
	}
	if dec == nil {
		dec = NewDecoder()
	}
	if notify == nil {
		notify = func(Snapshot) {}
	}

	var runErr error
	for frames, err := range dec.Chunks(ctx, r) {
		if err != nil {
			runErr = err
			break
		}

		appended := false
		for _, f := range frames {
			switch f.Kind {
			case FrameMalformed:
				s.skipMalformed(f)
			case FrameDelta:
				if f.Text == "" {
					continue
				}
				if err := s.Append(f.Text); err != nil {
					return err
				}
				appended = true
			}
		}
		if appended {
			notify(s.Snapshot())
		}
	}

	snap := s.finish(ctx, runErr)
	s.logger.Debug("Stream finished",
		slog.String("state", snap.State.String()),
		slog.Int("length", len(snap.Raw)),
		slog.Int("malformed", snap.Malformed))
	notify(snap)

	if snap.State == StateFailed {
		return snap.Err
	}
	return nil
}
