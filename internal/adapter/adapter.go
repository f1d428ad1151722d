// Package adapter manages external platform integrations. Adapters
// translate platform events into relay publishes on relay.human.> and
// deliver agent replies back to the platform. The Manager owns their
// lifecycle: config persistence, hot reload, and runtime status.
package adapter

import (
	"context"

	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/registry"
)

// Bus is the slice of the relay an adapter needs. *relay.Core satisfies it.
type Bus interface {
	Publish(ctx context.Context, subj string, payload any, opts relay.PublishOptions) (relay.PublishResult, error)
	Subscribe(pattern string, handler registry.Handler) (func() error, error)
	// EnsureEndpoint creates the subject's mailbox when it does not
	// exist yet, so inbound chat traffic has somewhere to land.
	EnsureEndpoint(subj string) (registry.Endpoint, error)
}

// State describes an adapter's runtime condition.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Status is a point-in-time runtime snapshot.
type Status struct {
	State       State  `json:"state"`
	MessagesIn  int64  `json:"messagesIn"`
	MessagesOut int64  `json:"messagesOut"`
	Errors      int64  `json:"errors"`
	LastError   string `json:"lastError,omitempty"`
}

// Adapter is one running platform integration.
type Adapter interface {
	// ID returns the configured instance id.
	ID() string

	// Start connects to the platform and begins translating traffic.
	// It returns once the adapter is running; work continues in the
	// background until Stop.
	Start(ctx context.Context, bus Bus) error

	// Stop disconnects and releases resources. Idempotent.
	Stop() error

	// Status reports the current runtime snapshot.
	Status() Status
}

// ConnectionTester is implemented by adapters that can verify their
// config without a full start.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// Config is one entry in adapters.json.
type Config struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Enabled bool           `json:"enabled"`
	Builtin bool           `json:"builtin,omitempty"`
	Config  map[string]any `json:"config"`
	Plugin  string         `json:"plugin,omitempty"`
}

// Factory builds an adapter instance from its config entry.
type Factory func(cfg Config) (Adapter, error)
