package relay

import (
	"context"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/internal/relay/subject"
)

// Signal types.
const (
	SignalTyping       = "typing"
	SignalPresence     = "presence"
	SignalRead         = "read"
	SignalDelivery     = "delivery"
	SignalProgress     = "progress"
	SignalBackpressure = "backpressure"
)

// Signal is an ephemeral, non-persistent event. Signals share the
// subject grammar with messages but never touch a mailbox and carry
// no ordering guarantees relative to them.
type Signal struct {
	Type            string         `json:"type"`
	State           string         `json:"state"`
	EndpointSubject string         `json:"endpointSubject"`
	Timestamp       time.Time      `json:"timestamp"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// addressedSignal carries the publication subject alongside the signal
// through the broker so listeners can pattern-filter.
type addressedSignal struct {
	Subject string
	Signal  Signal
}

// EmitSignal broadcasts a signal on a subject. Fire and forget: slow
// listeners drop rather than block the emitter.
func (c *Core) EmitSignal(subj string, sig Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = c.clock()
	}
	c.metrics.signalsEmitted.Inc()
	log.Debug(log.CatSignal, "signal emitted", "subject", subj, "type", sig.Type)
	c.signals.Publish(pubsub.SignalEvent, addressedSignal{Subject: subj, Signal: sig})
}

// OnSignal delivers signals whose subject matches the pattern to the
// handler. The returned closure detaches the listener; calling it more
// than once is harmless.
func (c *Core) OnSignal(pattern string, handler func(subj string, sig Signal)) (func(), error) {
	if err := subject.Validate(pattern); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := c.signals.Subscribe(ctx)
	go func() {
		for ev := range events {
			if subject.Matches(ev.Payload.Subject, pattern) {
				handler(ev.Payload.Subject, ev.Payload.Signal)
			}
		}
	}()
	return cancel, nil
}
