package binding

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/strand/internal/agent"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/registry"
)

// inboundPattern covers every adapter-originated chat message.
const inboundPattern = "relay.human.>"

// Bus is the slice of the relay the router needs. *relay.Core satisfies it.
type Bus interface {
	Publish(ctx context.Context, subj string, payload any, opts relay.PublishOptions) (relay.PublishResult, error)
	Subscribe(pattern string, handler registry.Handler) (func() error, error)
	// EnsureEndpoint creates the subject's mailbox when it does not
	// exist yet; the router uses it for fresh agent sessions.
	EnsureEndpoint(subj string) (registry.Endpoint, error)
}

// Router resolves inbound chat traffic to an agent session and
// republishes each message on the session's agent subject.
type Router struct {
	store    *Store
	sessions *SessionMap
	creator  agent.Creator
	bus      Bus

	unsubscribe func() error
}

// NewRouter wires a router. Call Start to begin routing.
func NewRouter(store *Store, sessions *SessionMap, creator agent.Creator, bus Bus) *Router {
	return &Router{store: store, sessions: sessions, creator: creator, bus: bus}
}

// Start subscribes to the inbound chat namespace.
func (r *Router) Start() error {
	unsub, err := r.bus.Subscribe(inboundPattern, r.route)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", inboundPattern, err)
	}
	r.unsubscribe = unsub
	return nil
}

// Stop releases the subscription.
func (r *Router) Stop() error {
	if r.unsubscribe == nil {
		return nil
	}
	err := r.unsubscribe()
	r.unsubscribe = nil
	return err
}

// inbound is the routing key extracted from a relay.human subject.
type inbound struct {
	AdapterID   string
	ChatID      string
	ChannelType string
}

// parseInbound splits relay.human.<adapterId>.<chatId> or
// relay.human.<adapterId>.<channelType>.<chatId>.
func parseInbound(subj string) (inbound, error) {
	tokens := strings.Split(subj, ".")
	switch {
	case len(tokens) == 4:
		return inbound{AdapterID: tokens[2], ChatID: tokens[3]}, nil
	case len(tokens) == 5:
		return inbound{AdapterID: tokens[2], ChannelType: tokens[3], ChatID: tokens[4]}, nil
	default:
		return inbound{}, fmt.Errorf("unroutable subject %q", subj)
	}
}

// sessionKey derives the persisted session-map key for a binding.
func sessionKey(b Binding, in inbound) string {
	switch b.SessionStrategy {
	case PerChannel:
		return b.ID + "|" + in.ChannelType
	case Shared:
		return b.ID
	default:
		return b.ID + "|" + in.ChatID
	}
}

// route handles one inbound envelope. Errors dead-letter the delivery.
func (r *Router) route(env envelope.Envelope) error {
	// Agent replies travel the same namespace on their way out to the
	// platform; only adapter-originated traffic routes inward.
	if !strings.HasPrefix(env.From, "relay.adapter.") {
		return nil
	}
	in, err := parseInbound(env.Subject)
	if err != nil {
		return err
	}
	b, ok := r.store.Resolve(in.AdapterID, in.ChatID, in.ChannelType)
	if !ok {
		return fmt.Errorf("no binding for adapter %s", in.AdapterID)
	}

	sessionID, err := r.ensureSession(b, in)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	target := "relay.agent." + sessionID
	if _, err := r.bus.EnsureEndpoint(target); err != nil {
		return fmt.Errorf("ensure endpoint %s: %w", target, err)
	}
	res, err := r.bus.Publish(context.Background(), target, env.Payload, relay.PublishOptions{
		From:    "relay.binding." + b.ID,
		ReplyTo: env.ReplyTo,
		Budget:  &env.Budget,
	})
	if err != nil {
		return fmt.Errorf("republish: %w", err)
	}
	log.Debug(log.CatBinding, "routed inbound message",
		"subject", env.Subject,
		"binding", b.ID,
		"session", sessionID,
		"deliveredTo", res.DeliveredTo)
	return nil
}

// ensureSession returns the mapped session id, creating and persisting
// one when the key is unmapped.
func (r *Router) ensureSession(b Binding, in inbound) (string, error) {
	key := sessionKey(b, in)
	if sid, ok := r.sessions.Get(key); ok {
		return sid, nil
	}
	sess, err := r.creator.CreateSession(context.Background(), b.ProjectPath)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := r.sessions.Put(key, sess.ID()); err != nil {
		return "", fmt.Errorf("persist session map: %w", err)
	}
	log.Info(log.CatBinding, "session created for binding",
		"binding", b.ID, "session", sess.ID(), "cwd", b.ProjectPath)
	return sess.ID(), nil
}
