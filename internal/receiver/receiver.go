// Package receiver bridges relay traffic to the agent runtime. It
// subscribes to the agent and pulse namespaces, forwards payload text
// into sessions, and streams responses back to each envelope's replyTo.
package receiver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/strand/internal/agent"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/registry"
)

const (
	agentPattern = "relay.agent.>"
	pulsePattern = "relay.system.pulse.>"
)

// Bus is the slice of the relay the receiver needs. *relay.Core
// satisfies it.
type Bus interface {
	Publish(ctx context.Context, subj string, payload any, opts relay.PublishOptions) (relay.PublishResult, error)
	Subscribe(pattern string, handler registry.Handler) (func() error, error)
}

// Options configures a Receiver.
type Options struct {
	// DefaultCwd is the working directory for sessions whose envelope
	// does not carry one.
	DefaultCwd string

	// Pulses records scheduler run outcomes. Nil disables recording.
	Pulses PulseStore

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Receiver forwards agent-addressed envelopes into sessions and pulse
// dispatches into one-shot runs. Handler errors dead-letter the
// envelope; the subscriptions survive them.
type Receiver struct {
	bus    Bus
	agents agent.Manager
	opts   Options
	clock  func() time.Time

	unsubAgent func() error
	unsubPulse func() error
}

// New wires a receiver. Call Start to subscribe.
func New(bus Bus, agents agent.Manager, opts Options) *Receiver {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Receiver{bus: bus, agents: agents, opts: opts, clock: clock}
}

// Start subscribes to the agent and pulse namespaces.
func (r *Receiver) Start() error {
	unsubAgent, err := r.bus.Subscribe(agentPattern, r.handleAgent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", agentPattern, err)
	}
	unsubPulse, err := r.bus.Subscribe(pulsePattern, r.handlePulse)
	if err != nil {
		_ = unsubAgent()
		return fmt.Errorf("subscribe %s: %w", pulsePattern, err)
	}
	r.unsubAgent = unsubAgent
	r.unsubPulse = unsubPulse
	return nil
}

// Stop releases both subscriptions.
func (r *Receiver) Stop() error {
	var first error
	for _, unsub := range []func() error{r.unsubAgent, r.unsubPulse} {
		if unsub == nil {
			continue
		}
		if err := unsub(); err != nil && first == nil {
			first = err
		}
	}
	r.unsubAgent, r.unsubPulse = nil, nil
	return first
}

// handleAgent forwards one envelope into its session and streams the
// response back to replyTo. Without a replyTo the stream is drained so
// the session does not block.
func (r *Receiver) handleAgent(env envelope.Envelope) error {
	sessionID, err := sessionFromSubject(env.Subject)
	if err != nil {
		return err
	}
	ctx := context.Background()
	sess, err := r.agents.Ensure(ctx, sessionID, r.opts.DefaultCwd)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", sessionID, err)
	}

	stream, err := sess.Send(ctx, envelope.PayloadText(env.Payload))
	if err != nil {
		return fmt.Errorf("send to session %s: %w", sessionID, err)
	}

	// The response leg carries the consumed hop count forward but
	// starts a fresh ancestor chain, otherwise replying to the chat
	// endpoint that originated the request would trip cycle detection.
	replyBudget := env.Budget.Clone()
	replyBudget.AncestorChain = nil

	var streamErr error
	for ev := range stream {
		if ev.Type == agent.StreamError {
			streamErr = fmt.Errorf("agent stream error: %s", ev.Text)
			continue
		}
		if env.ReplyTo == "" {
			continue
		}
		payload := map[string]any{"type": string(ev.Type), "content": ev.Text}
		if _, err := r.bus.Publish(ctx, env.ReplyTo, payload, relay.PublishOptions{
			From:   "relay.agent." + sessionID,
			Budget: &replyBudget,
		}); err != nil {
			log.ErrorErr(log.CatReceiver, "reply publish failed", err,
				"session", sessionID, "replyTo", env.ReplyTo)
		}
	}
	return streamErr
}

// sessionFromSubject extracts the session id from relay.agent.<id>.
func sessionFromSubject(subj string) (string, error) {
	tokens := strings.Split(subj, ".")
	if len(tokens) < 3 || tokens[2] == "" {
		return "", fmt.Errorf("subject %q carries no session id", subj)
	}
	return tokens[2], nil
}
