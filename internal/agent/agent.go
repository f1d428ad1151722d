// Package agent defines the contracts between the relay and the agent
// runtime. The relay never runs agents itself; the binding router and
// message receiver talk to an external runtime through these
// interfaces.
package agent

import "context"

// StreamEventType tags one event in a session's response stream.
type StreamEventType string

const (
	// StreamText is incremental textual output.
	StreamText StreamEventType = "text"
	// StreamResult closes a response; Text holds the final output.
	StreamResult StreamEventType = "result"
	// StreamError reports a runtime failure; Text holds the message.
	StreamError StreamEventType = "error"
)

// StreamEvent is one event from an agent session.
type StreamEvent struct {
	Type StreamEventType
	Text string
}

// Session is one live agent conversation.
type Session interface {
	// ID returns the stable session identifier.
	ID() string

	// Send forwards a message and returns the response stream. The
	// channel closes when the response completes or ctx is cancelled.
	Send(ctx context.Context, text string) (<-chan StreamEvent, error)

	// Close ends the session. Idempotent.
	Close() error
}

// Manager owns sessions keyed by id. Implementations enforce their own
// concurrency caps; the relay surfaces cap errors as delivery failures.
type Manager interface {
	// Ensure returns the session with the given id, creating it with
	// the default permission mode if absent.
	Ensure(ctx context.Context, sessionID, cwd string) (Session, error)

	// Get returns a live session without creating one.
	Get(sessionID string) (Session, bool)

	// Shutdown closes every session.
	Shutdown(ctx context.Context) error
}

// Creator mints fresh sessions. The binding router uses it when a chat
// key has no mapped session yet.
type Creator interface {
	CreateSession(ctx context.Context, cwd string) (Session, error)
}
