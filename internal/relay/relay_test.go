package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/relay/budget"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/index"
	"github.com/zjrosen/strand/internal/relay/maildir"
	"github.com/zjrosen/strand/internal/relay/reliability"
)

func newCore(t *testing.T, mutate ...func(*Options)) *Core {
	t.Helper()
	opts := Options{DataDir: t.TempDir()}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPublishDeliversToMailbox(t *testing.T) {
	c := newCore(t)
	ep, err := c.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.agent.s1", "hi", PublishOptions{From: "relay.human.cli"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, 1, res.DeliveredTo)

	names, err := c.store.List(ep.Hash, maildir.DirNew)
	require.NoError(t, err)
	require.Len(t, names, 1, "no subscriber, so the envelope waits in new/")

	rows, err := c.ListMessages(index.Filter{EndpointHash: ep.Hash})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, index.StatusNew, rows[0].Status)
	assert.Equal(t, "relay.human.cli", rows[0].Sender)

	span, err := c.index.GetSpan(names[0])
	require.NoError(t, err)
	assert.Equal(t, index.SpanPending, span.Status)
	assert.Equal(t, res.MessageID, span.TraceID)
}

func TestEnsureEndpointIdempotent(t *testing.T) {
	c := newCore(t)
	ep, err := c.EnsureEndpoint("relay.agent.s1")
	require.NoError(t, err)

	again, err := c.EnsureEndpoint("relay.agent.s1")
	require.NoError(t, err)
	assert.Equal(t, ep.Hash, again.Hash)
	assert.Len(t, c.Endpoints(), 1)

	_, err = c.RegisterEndpoint("relay.agent.s1")
	require.Error(t, err, "explicit registration still rejects duplicates")

	_, err = c.EnsureEndpoint("relay.agent.*")
	require.Error(t, err, "wildcards cannot own a mailbox")
}

func TestPublishInvalidSubject(t *testing.T) {
	c := newCore(t)
	_, err := c.Publish(context.Background(), "bad..subject", "x", PublishOptions{From: "a"})
	require.Error(t, err)
}

func TestPublishUnmatchedSubject(t *testing.T) {
	c := newCore(t)
	res, err := c.Publish(context.Background(), "relay.agent.ghost", "x", PublishOptions{From: "a"})
	require.NoError(t, err)
	assert.Zero(t, res.DeliveredTo)
}

func TestFanOutWithSubscriberAndBudget(t *testing.T) {
	c := newCore(t)
	epA, err := c.RegisterEndpoint("relay.agent.a")
	require.NoError(t, err)
	_, err = c.RegisterEndpoint("relay.agent.b")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []envelope.Envelope
	unsub, err := c.Subscribe("relay.agent.>", func(env envelope.Envelope) error {
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	res, err := c.Publish(context.Background(), "relay.agent.a", "go", PublishOptions{From: "relay.human.cli"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeliveredTo, "only the exact endpoint receives a mailbox write")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "handler invoked once")
	env := seen[0]
	assert.Equal(t, 1, env.Budget.HopCount)
	assert.Equal(t, 9, env.Budget.CallBudgetRemaining)
	assert.Equal(t, []string{"relay.agent.a"}, env.Budget.AncestorChain)

	// Handler success completes the delivery: cur/ is empty again.
	cur, err := c.store.List(epA.Hash, maildir.DirCur)
	require.NoError(t, err)
	assert.Empty(t, cur)

	rows, err := c.ListMessages(index.Filter{EndpointHash: epA.Hash})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, index.StatusProcessed, rows[0].Status)
}

func TestCyclePrevention(t *testing.T) {
	c := newCore(t)
	ep, err := c.RegisterEndpoint("relay.agent.x")
	require.NoError(t, err)

	b := budget.Default(time.Now())
	b.AncestorChain = []string{"relay.agent.x"}
	res, err := c.Publish(context.Background(), "relay.agent.x", "loop", PublishOptions{
		From:   "relay.agent.x",
		Budget: &b,
	})
	require.NoError(t, err, "per-endpoint rejection does not fail the publish")
	assert.Zero(t, res.DeliveredTo)

	for _, dir := range []maildir.Dir{maildir.DirNew, maildir.DirCur} {
		names, err := c.store.List(ep.Hash, dir)
		require.NoError(t, err)
		assert.Empty(t, names, "nothing lands in %s", dir)
	}

	failed, err := c.store.List(ep.Hash, maildir.DirFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	dl, err := c.store.ReadSidecar(ep.Hash, failed[0])
	require.NoError(t, err)
	assert.Equal(t, "cycle detected", dl.Reason)

	span, err := c.index.GetSpan(failed[0])
	require.NoError(t, err)
	assert.Equal(t, index.SpanDeadLettered, span.Status)
	assert.Equal(t, "cycle detected", span.Error)
}

func TestHandlerFailureDeadLetters(t *testing.T) {
	c := newCore(t)
	ep, err := c.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)

	unsub, err := c.Subscribe("relay.agent.s1", func(envelope.Envelope) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	res, err := c.Publish(context.Background(), "relay.agent.s1", "x", PublishOptions{From: "relay.human.cli"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeliveredTo, "delivery counted even when the handler fails")

	failed, err := c.store.List(ep.Hash, maildir.DirFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	dl, err := c.store.ReadSidecar(ep.Hash, failed[0])
	require.NoError(t, err)
	assert.Equal(t, "boom", dl.Reason)

	rows, err := c.ListMessages(index.Filter{EndpointHash: ep.Hash})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, index.StatusFailed, rows[0].Status)
	assert.Equal(t, reliability.StateClosed, c.breaker.State(ep.Hash), "one failure does not open the breaker")
}

func TestBackpressureRejection(t *testing.T) {
	c := newCore(t, func(o *Options) {
		o.Backpressure = reliability.BackpressureConfig{
			Enabled:           true,
			MaxMailboxSize:    3,
			PressureWarningAt: 0.8,
		}
	})
	ep, err := c.RegisterEndpoint("relay.agent.q")
	require.NoError(t, err)

	var mu sync.Mutex
	var warned []Signal
	off, err := c.OnSignal("relay.agent.q", func(_ string, sig Signal) {
		if sig.Type == SignalBackpressure {
			mu.Lock()
			warned = append(warned, sig)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer off()

	for i := 0; i < 3; i++ {
		res, err := c.Publish(context.Background(), "relay.agent.q", i, PublishOptions{From: "relay.human.cli"})
		require.NoError(t, err)
		assert.Equal(t, 1, res.DeliveredTo, "publish %d fits", i+1)
	}

	res, err := c.Publish(context.Background(), "relay.agent.q", 3, PublishOptions{From: "relay.human.cli"})
	require.NoError(t, err)
	assert.Zero(t, res.DeliveredTo, "fourth publish bounces")

	failed, err := c.store.List(ep.Hash, maildir.DirFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	dl, err := c.store.ReadSidecar(ep.Hash, failed[0])
	require.NoError(t, err)
	assert.Contains(t, dl.Reason, "mailbox full (3/3)")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warned) >= 1
	}, time.Second, 10*time.Millisecond, "warn band signal from the third publish")
}

func TestRateLimitRejection(t *testing.T) {
	c := newCore(t, func(o *Options) {
		o.RateLimit = reliability.RateLimitConfig{
			Enabled:      true,
			WindowSecs:   60,
			MaxPerWindow: 2,
		}
	})
	_, err := c.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Publish(context.Background(), "relay.agent.s1", i, PublishOptions{From: "relay.human.cli"})
		require.NoError(t, err)
	}

	_, err = c.Publish(context.Background(), "relay.agent.s1", 2, PublishOptions{From: "relay.human.cli"})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, CodeRateLimited, rej.Code)
	assert.Contains(t, rej.Reason, "rate limit exceeded")
}

func TestAccessControl(t *testing.T) {
	c := newCore(t, func(o *Options) {
		o.Access = AccessConfig{Rules: []AccessRule{
			{ID: "r1", From: "relay.human.>", To: "relay.agent.secret", Allow: false},
			{ID: "r2", From: "relay.human.>", To: "relay.agent.>", Allow: true},
		}}
	})
	_, err := c.RegisterEndpoint("relay.agent.secret")
	require.NoError(t, err)
	_, err = c.RegisterEndpoint("relay.agent.open")
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "relay.agent.secret", "x", PublishOptions{From: "relay.human.cli"})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, CodeAccessDenied, rej.Code)
	assert.Equal(t, "access denied: r1", rej.Reason)

	res, err := c.Publish(context.Background(), "relay.agent.open", "x", PublishOptions{From: "relay.human.cli"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeliveredTo, "first matching rule wins, r2 allows")
}

func TestAccessDeniedDeadLettersToRegisteredSender(t *testing.T) {
	c := newCore(t, func(o *Options) {
		o.Access = AccessConfig{Rules: []AccessRule{
			{ID: "deny-all", Allow: false},
		}}
	})
	sender, err := c.RegisterEndpoint("relay.agent.sender")
	require.NoError(t, err)
	_, err = c.RegisterEndpoint("relay.agent.target")
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "relay.agent.target", "x", PublishOptions{From: "relay.agent.sender"})
	require.Error(t, err)

	failed, err := c.store.List(sender.Hash, maildir.DirFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1, "refusal is attributed to the sender's mailbox")
	dl, err := c.store.ReadSidecar(sender.Hash, failed[0])
	require.NoError(t, err)
	assert.Equal(t, "access denied: deny-all", dl.Reason)
}

func TestDefaultDeny(t *testing.T) {
	c := newCore(t, func(o *Options) {
		o.Access = AccessConfig{DefaultDeny: true}
	})
	_, err := c.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "relay.agent.s1", "x", PublishOptions{From: "relay.human.cli"})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "access denied: default", rej.Reason)
}

func TestSignals(t *testing.T) {
	c := newCore(t)

	var mu sync.Mutex
	var got []Signal
	off, err := c.OnSignal("relay.agent.*", func(_ string, sig Signal) {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer off()

	c.EmitSignal("relay.agent.s1", Signal{Type: SignalTyping, State: "started", EndpointSubject: "relay.agent.s1"})
	c.EmitSignal("relay.other.s1", Signal{Type: SignalTyping, State: "started", EndpointSubject: "relay.other.s1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, SignalTyping, got[0].Type)
	assert.Equal(t, "relay.agent.s1", got[0].EndpointSubject)
	assert.False(t, got[0].Timestamp.IsZero(), "timestamp filled on emit")
}

func TestWatcherSecondChanceDispatch(t *testing.T) {
	c := newCore(t)
	ep, err := c.RegisterEndpoint("relay.agent.ext")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen int
	unsub, err := c.Subscribe("relay.agent.ext", func(envelope.Envelope) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	// Simulate an external writer dropping a file into new/ directly.
	env := envelope.New("relay.agent.ext", "relay.human.tool", "", "outside", budget.Default(time.Now()))
	_, err = c.store.Deliver(ep.Hash, env)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, 3*time.Second, 25*time.Millisecond, "watcher picks up the external write")

	names, err := c.store.List(ep.Hash, maildir.DirNew)
	require.NoError(t, err)
	assert.Empty(t, names, "dispatched and completed")
}

func TestDLQListAndPurge(t *testing.T) {
	c := newCore(t)
	ep, err := c.RegisterEndpoint("relay.agent.x")
	require.NoError(t, err)

	b := budget.Default(time.Now())
	b.AncestorChain = []string{"relay.agent.x"}
	_, err = c.Publish(context.Background(), "relay.agent.x", "loop", PublishOptions{From: "relay.agent.x", Budget: &b})
	require.NoError(t, err)

	entries, err := c.DeadLetters(DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ep.Hash, entries[0].EndpointHash)
	assert.Equal(t, "cycle detected", entries[0].DeadLetter.Reason)

	n, err := c.PurgeDeadLetters(DLQFilter{EndpointHash: ep.Hash})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = c.DeadLetters(DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnregisterEndpointRemovesMailbox(t *testing.T) {
	c := newCore(t)
	ep, err := c.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)

	ok, err := c.UnregisterEndpoint("relay.agent.s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, ep.MaildirPath)

	res, err := c.Publish(context.Background(), "relay.agent.s1", "x", PublishOptions{From: "a"})
	require.NoError(t, err)
	assert.Zero(t, res.DeliveredTo)
}

func TestRecentSetFIFO(t *testing.T) {
	r := newRecentSet(3)
	r.Add("a")
	r.Add("b")
	r.Add("c")
	require.True(t, r.Contains("a"))

	r.Add("d")
	assert.False(t, r.Contains("a"), "oldest entry evicted first")
	assert.True(t, r.Contains("b"))
	assert.True(t, r.Contains("d"))

	r.Add("b") // duplicate, no effect on order
	r.Add("e")
	assert.False(t, r.Contains("b"), "b was oldest after a's eviction")
	assert.True(t, r.Contains("c"))
	assert.True(t, r.Contains("d"))
	assert.True(t, r.Contains("e"))
}

func TestGetMetricsThroughCore(t *testing.T) {
	c := newCore(t)
	_, err := c.RegisterEndpoint("relay.agent.s1")
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), "relay.agent.s1", "x", PublishOptions{From: "relay.human.cli"})
	require.NoError(t, err)

	m, err := c.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalMessages)
	assert.Equal(t, 1, m.ActiveEndpoints)
}
