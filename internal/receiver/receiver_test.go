package receiver

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/agent"
	"github.com/zjrosen/strand/internal/agent/mock"
	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/budget"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/registry"
)

type publishCall struct {
	Subject string
	Payload any
	Opts    relay.PublishOptions
}

type fakeBus struct {
	mu   sync.Mutex
	pubs []publishCall
}

func (b *fakeBus) Publish(_ context.Context, subj string, payload any, opts relay.PublishOptions) (relay.PublishResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, publishCall{Subject: subj, Payload: payload, Opts: opts})
	return relay.PublishResult{DeliveredTo: 1}, nil
}

func (b *fakeBus) Subscribe(string, registry.Handler) (func() error, error) {
	return func() error { return nil }, nil
}

func (b *fakeBus) published() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishCall, len(b.pubs))
	copy(out, b.pubs)
	return out
}

func agentEnvelope(subj, replyTo string, payload any) envelope.Envelope {
	return envelope.New(subj, "relay.binding.b1", replyTo, payload, budget.New(time.Now(), 5, time.Minute, 10))
}

func TestAgentForwardAndReply(t *testing.T) {
	bus := &fakeBus{}
	runtime := mock.NewManager(
		agent.StreamEvent{Type: agent.StreamText, Text: "thinking"},
		agent.StreamEvent{Type: agent.StreamResult, Text: "done"},
	)
	r := New(bus, runtime, Options{DefaultCwd: "/work"})

	env := agentEnvelope("relay.agent.s1", "relay.human.tg1.42", map[string]any{"content": "ship it"})
	require.NoError(t, r.handleAgent(env))

	sess, ok := runtime.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"ship it"}, sess.(*mock.Session).Sent())
	assert.Equal(t, "/work", sess.(*mock.Session).Cwd())

	pubs := bus.published()
	require.Len(t, pubs, 2)
	assert.Equal(t, "relay.human.tg1.42", pubs[0].Subject)
	assert.Equal(t, map[string]any{"type": "text", "content": "thinking"}, pubs[0].Payload)
	assert.Equal(t, map[string]any{"type": "result", "content": "done"}, pubs[1].Payload)
	assert.Equal(t, "relay.agent.s1", pubs[0].Opts.From)
	require.NotNil(t, pubs[0].Opts.Budget)
	assert.Empty(t, pubs[0].Opts.Budget.AncestorChain, "reply leg starts a fresh chain")
}

func TestAgentWithoutReplyToDrains(t *testing.T) {
	bus := &fakeBus{}
	runtime := mock.NewManager(agent.StreamEvent{Type: agent.StreamResult, Text: "ok"})
	r := New(bus, runtime, Options{})

	require.NoError(t, r.handleAgent(agentEnvelope("relay.agent.s2", "", "hello")))
	assert.Empty(t, bus.published())
	_, ok := runtime.Get("s2")
	assert.True(t, ok)
}

func TestAgentStreamErrorFailsDelivery(t *testing.T) {
	bus := &fakeBus{}
	runtime := mock.NewManager(
		agent.StreamEvent{Type: agent.StreamText, Text: "partial"},
		agent.StreamEvent{Type: agent.StreamError, Text: "model unavailable"},
	)
	r := New(bus, runtime, Options{})

	err := r.handleAgent(agentEnvelope("relay.agent.s3", "relay.human.tg1.42", "go"))
	require.ErrorContains(t, err, "model unavailable")
	// The partial output still went out before the failure.
	require.Len(t, bus.published(), 1)
}

func TestAgentEnsureFailure(t *testing.T) {
	runtime := mock.NewManager()
	runtime.CreateErr = assert.AnError
	r := New(&fakeBus{}, runtime, Options{})

	err := r.handleAgent(agentEnvelope("relay.agent.s4", "", "x"))
	assert.ErrorContains(t, err, "ensure session s4")
}

func TestSessionFromSubject(t *testing.T) {
	sid, err := sessionFromSubject("relay.agent.sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)

	_, err = sessionFromSubject("relay.agent")
	assert.Error(t, err)
}

func TestReceiverWithRelayCore(t *testing.T) {
	core, err := relay.New(relay.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	runtime := mock.NewManager(
		agent.StreamEvent{Type: agent.StreamText, Text: "working"},
		agent.StreamEvent{Type: agent.StreamResult, Text: "shipped"},
	)
	r := New(core, runtime, Options{DefaultCwd: "/work"})
	require.NoError(t, r.Start())
	defer func() { _ = r.Stop() }()

	_, err = core.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)
	_, err = core.RegisterEndpoint("relay.human.cli")
	require.NoError(t, err)

	var mu sync.Mutex
	var replies []envelope.Envelope
	unsub, err := core.Subscribe("relay.human.>", func(env envelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, env)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	_, err = core.Publish(context.Background(), "relay.agent.s1", "build it",
		relay.PublishOptions{From: "relay.human.cli", ReplyTo: "relay.human.cli"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "relay.agent.s1", replies[0].From)
	assert.Equal(t, "working", envelope.PayloadText(replies[0].Payload))
	assert.Equal(t, "shipped", envelope.PayloadText(replies[1].Payload))

	sess, ok := runtime.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"build it"}, sess.(*mock.Session).Sent())
}

func TestStopReleasesSubscriptions(t *testing.T) {
	core, err := relay.New(relay.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	r := New(core, mock.NewManager(), Options{})
	require.NoError(t, r.Start())
	assert.Len(t, core.Subscriptions(), 2)

	require.NoError(t, r.Stop())
	assert.Empty(t, core.Subscriptions())
	require.NoError(t, r.Stop(), "stop is idempotent")
}

func TestLongPayloadSummaryUsesPrefix(t *testing.T) {
	long := strings.Repeat("x", summaryLimit+500)
	bus := &fakeBus{}
	runtime := mock.NewManager(agent.StreamEvent{Type: agent.StreamText, Text: long})
	r := New(bus, runtime, Options{Pulses: &memoryPulseStore{}})

	rec := r.runPulse(context.Background(),
		agentEnvelope("relay.system.pulse.sch1", "", nil),
		PulseDispatchPayload{ScheduleID: "sch1", RunID: "run1", Prompt: "go"})
	assert.Equal(t, RunCompleted, rec.Status)
	assert.Len(t, rec.OutputSummary, summaryLimit)
}
