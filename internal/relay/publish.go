package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay/budget"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/index"
	"github.com/zjrosen/strand/internal/relay/maildir"
	"github.com/zjrosen/strand/internal/relay/registry"
	"github.com/zjrosen/strand/internal/relay/reliability"
	"github.com/zjrosen/strand/internal/relay/subject"
	"github.com/zjrosen/strand/internal/tracing"
)

// recentSetCap bounds the recently-dispatched set. FIFO eviction keeps
// memory flat; at this cap a watcher re-dispatch of an evicted name is
// harmless because the claim rename has already moved the file.
const recentSetCap = 10_000

// Rejection codes for refused publishes.
const (
	CodeRateLimited  = "RATE_LIMITED"
	CodeAccessDenied = "ACCESS_DENIED"
)

// RejectionError refuses a publish before fan-out.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// PublishOptions carries per-publish metadata. A nil Budget takes the
// core defaults.
type PublishOptions struct {
	From    string
	ReplyTo string
	Budget  *budget.Budget
}

// PublishResult reports the outcome of a publish. DeliveredTo counts
// endpoints whose mailbox received the envelope; per-endpoint
// rejections reduce it without failing the publish.
type PublishResult struct {
	MessageID   string
	DeliveredTo int
}

// Publish runs the delivery pipeline: validate, envelope, match, rate
// limit, access, then per matched endpoint the budget, breaker, and
// backpressure gates, mailbox persistence, index and trace rows, and
// synchronous dispatch to matching subscribers.
func (c *Core) Publish(ctx context.Context, subj string, payload any, opts PublishOptions) (PublishResult, error) {
	if err := subject.Validate(subj); err != nil {
		return PublishResult{}, err
	}
	now := c.clock()

	b := budget.New(now, c.opts.MaxHops, c.opts.DefaultTTL, c.opts.DefaultCallBudget)
	if opts.Budget != nil {
		b = opts.Budget.Clone()
	}
	env := envelope.New(subj, opts.From, opts.ReplyTo, payload, b)
	c.metrics.publishesTotal.Inc()

	ctx, span := c.tracer.Tracer().Start(ctx, tracing.SpanPublish)
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrMessageID, env.ID),
		attribute.String(tracing.AttrSubject, subj),
		attribute.String(tracing.AttrSender, opts.From),
	)

	targets := c.matchEndpoints(subj)

	if res := c.checkSenderRate(opts.From, now); !res.Allowed {
		c.refusePublish(env, res.Reason)
		c.EmitSignal(subj, Signal{Type: SignalDelivery, State: "rejected", EndpointSubject: subj})
		span.SetStatus(codes.Error, res.Reason)
		return PublishResult{MessageID: env.ID}, &RejectionError{Code: CodeRateLimited, Reason: res.Reason}
	}

	if allowed, reason := checkAccess(c.opts.Access, opts.From, subj); !allowed {
		c.refusePublish(env, reason)
		span.SetStatus(codes.Error, reason)
		return PublishResult{MessageID: env.ID}, &RejectionError{Code: CodeAccessDenied, Reason: reason}
	}

	delivered := 0
	for _, ep := range targets {
		if c.deliverTo(ctx, ep, env, now) {
			delivered++
		}
	}

	span.SetAttributes(attribute.Int(tracing.AttrDeliveredTo, delivered))
	log.Debug(log.CatRelay, "publish complete", "subject", subj, "id", env.ID, "delivered_to", delivered)
	return PublishResult{MessageID: env.ID, DeliveredTo: delivered}, nil
}

// matchEndpoints returns registered endpoints whose subject equals the
// publish subject exactly, ordered by hash for deterministic fan-out.
func (c *Core) matchEndpoints(subj string) []registry.Endpoint {
	var targets []registry.Endpoint
	for _, hash := range c.endpoints.Hashes() {
		ep, ok := c.endpoints.ByHash(hash)
		if ok && ep.Subject == subj {
			targets = append(targets, ep)
		}
	}
	return targets
}

// checkSenderRate runs the sliding-window limiter over the sender's
// recent index count. Counts are memoized briefly; every successful
// persist invalidates the sender's entry.
func (c *Core) checkSenderRate(sender string, now time.Time) reliability.RateLimitResult {
	if !c.opts.RateLimit.Enabled {
		return reliability.RateLimitResult{Allowed: true}
	}

	count := 0
	if cached, ok := c.senderCounts.Get(sender); ok {
		count = cached.(int)
	} else {
		since := now.Add(-time.Duration(c.opts.RateLimit.WindowSecs) * time.Second)
		n, err := c.index.CountBySender(sender, since)
		if err != nil {
			log.ErrorErr(log.CatIndex, "sender window count", err, "sender", sender)
			return reliability.RateLimitResult{Allowed: true}
		}
		count = n
		c.senderCounts.SetDefault(sender, n)
	}
	return reliability.CheckRateLimit(sender, count, c.opts.RateLimit)
}

// deliverTo runs the per-endpoint gates and, when they pass, persists
// and dispatches. Returns whether the mailbox received the envelope.
func (c *Core) deliverTo(ctx context.Context, ep registry.Endpoint, env envelope.Envelope, now time.Time) bool {
	shrunk, err := budget.Enforce(env.Budget, ep.Subject, now)
	if err != nil {
		c.deadLetter(ep.Hash, env, err.Error())
		return false
	}

	if !c.breaker.Check(ep.Hash) {
		c.deadLetter(ep.Hash, env, "circuit open")
		return false
	}

	depth, err := c.index.CountByEndpointStatus(ep.Hash, index.StatusNew)
	if err != nil {
		log.ErrorErr(log.CatIndex, "mailbox depth count", err, "endpoint", ep.Subject)
		depth = 0
	}
	bp := reliability.CheckBackpressure(depth, c.opts.Backpressure)
	if !bp.Allowed {
		c.deadLetter(ep.Hash, env, bp.Reason)
		return false
	}

	delivery := env
	delivery.Budget = shrunk
	name, err := c.store.Deliver(ep.Hash, delivery)
	if err != nil {
		log.ErrorErr(log.CatMaildir, "deliver envelope", err, "endpoint", ep.Subject)
		c.recordSpan(name, delivery, ep.Hash, index.SpanFailed, err.Error(), now)
		return false
	}
	c.metrics.deliveriesTotal.Inc()
	c.senderCounts.Delete(env.From)

	// Warn on the pressure the mailbox just reached, so listeners hear
	// about a filling queue before the next publish bounces.
	after := reliability.CheckBackpressure(depth+1, c.opts.Backpressure)
	if after.Warn || !after.Allowed {
		c.EmitSignal(ep.Subject, Signal{
			Type:            SignalBackpressure,
			State:           "warning",
			EndpointSubject: ep.Subject,
			Fields:          map[string]any{"pressure": after.Pressure},
		})
	}

	if err := c.indexDelivery(name, delivery, ep.Hash, index.StatusNew); err != nil {
		log.ErrorErr(log.CatIndex, "index delivery", err, "endpoint", ep.Subject)
	}
	c.recordSpan(name, delivery, ep.Hash, index.SpanPending, "", now)

	c.recent.Add(name)
	c.dispatch(ctx, ep.Hash, name)
	return true
}

// dispatch claims a new/ file and runs matching subscriber handlers.
// Success completes the delivery; any handler error fails it and feeds
// the breaker. Used by both the synchronous fast path and the watcher.
func (c *Core) dispatch(ctx context.Context, hash, name string) {
	handlers, env, ok := c.claimForDispatch(ctx, hash, name)
	if !ok {
		return
	}

	var handlerErr error
	for _, h := range handlers {
		if err := h(env); err != nil {
			// First failure wins; remaining handlers still run.
			if handlerErr == nil {
				handlerErr = err
			}
		}
	}

	now := c.clock()
	if handlerErr != nil {
		if err := c.store.Fail(hash, name, handlerErr.Error()); err != nil {
			log.ErrorErr(log.CatMaildir, "fail delivery", err, "name", name)
		}
		c.metrics.deadLettersTotal.Inc()
		c.updateStatus(name, index.StatusFailed)
		c.markSpanFailed(name, index.SpanFailed, handlerErr.Error(), now)
		c.breaker.RecordFailure(hash)
		return
	}

	if err := c.store.Complete(hash, name); err != nil {
		log.ErrorErr(log.CatMaildir, "complete delivery", err, "name", name)
	}
	c.updateStatus(name, index.StatusProcessed)
	if err := c.index.MarkProcessed(name, now); err != nil && !errors.Is(err, index.ErrNotFound) {
		log.ErrorErr(log.CatIndex, "mark span processed", err, "name", name)
	}
	c.breaker.RecordSuccess(hash)
}

// claimForDispatch atomically claims the file when handlers exist.
// With no matching subscribers the message stays in new/ for a later
// consumer.
func (c *Core) claimForDispatch(ctx context.Context, hash, name string) ([]registry.Handler, envelope.Envelope, bool) {
	peek, err := c.store.Read(hash, maildir.DirNew, name)
	if err != nil {
		return nil, envelope.Envelope{}, false
	}
	handlers := c.subs.Matching(peek.Subject)
	if len(handlers) == 0 {
		return nil, envelope.Envelope{}, false
	}

	_, span := c.tracer.Tracer().Start(ctx, tracing.SpanDispatch)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrEndpointHash, hash))

	env, err := c.store.Claim(hash, name)
	if err != nil {
		// Lost the race to another claimer; that claimer dispatches.
		return nil, envelope.Envelope{}, false
	}
	c.updateStatus(name, index.StatusCur)
	if err := c.index.MarkDelivered(name, c.clock()); err != nil && !errors.Is(err, index.ErrNotFound) {
		log.ErrorErr(log.CatIndex, "mark span delivered", err, "name", name)
	}
	return handlers, env, true
}

// refusePublish dead-letters a pre-fan-out rejection. The dead letter
// lands in the sender's mailbox when the sender is itself a registered
// endpoint; otherwise the refusal is in-memory only.
func (c *Core) refusePublish(env envelope.Envelope, reason string) {
	log.Warn(log.CatRelay, "publish refused", "subject", env.Subject, "from", env.From, "reason", reason)
	sender, ok := c.endpoints.Get(env.From)
	if !ok {
		return
	}
	c.deadLetter(sender.Hash, env, reason)
}

// deadLetter writes a direct-fail file with sidecar and records the
// failed index row and dead_lettered span.
func (c *Core) deadLetter(hash string, env envelope.Envelope, reason string) {
	c.metrics.deadLettersTotal.Inc()
	log.Warn(log.CatRelay, "dead letter", "subject", env.Subject, "hash", hash, "reason", reason)

	name, err := c.store.FailDirect(hash, env, reason)
	if err != nil {
		log.ErrorErr(log.CatMaildir, "direct fail", err, "hash", hash)
		return
	}
	if err := c.indexDelivery(name, env, hash, index.StatusFailed); err != nil {
		log.ErrorErr(log.CatIndex, "index dead letter", err, "hash", hash)
	}
	c.recordSpan(name, env, hash, index.SpanDeadLettered, reason, c.clock())
}

func (c *Core) indexDelivery(name string, env envelope.Envelope, hash, status string) error {
	return c.index.InsertMessage(index.Message{
		ID:           name,
		Subject:      env.Subject,
		Sender:       env.From,
		EndpointHash: hash,
		Status:       status,
		CreatedAt:    env.CreatedAt,
		TTL:          env.Budget.TTL,
	})
}

func (c *Core) recordSpan(name string, env envelope.Envelope, hash, status, errMsg string, now time.Time) {
	if name == "" {
		name = env.ID
	}
	span := index.Span{
		MessageID:            name,
		TraceID:              env.ID,
		SpanID:               uuid.NewString(),
		Subject:              env.Subject,
		FromEndpoint:         env.From,
		ToEndpoint:           hash,
		Status:               status,
		BudgetHopsUsed:       env.Budget.HopCount,
		BudgetTTLRemainingMs: env.Budget.TTL - now.UnixMilli(),
		SentAt:               now,
	}
	// Refused deliveries carry only the error; processed_at stays null
	// so the index separates processed messages from rejected ones.
	if errMsg != "" {
		span.Error = errMsg
	}
	if err := c.index.InsertSpan(span); err != nil {
		log.ErrorErr(log.CatIndex, "insert trace span", err, "name", name)
	}
}

func (c *Core) markSpanFailed(name, status, reason string, at time.Time) {
	if err := c.index.MarkFailed(name, status, reason, at); err != nil && !errors.Is(err, index.ErrNotFound) {
		log.ErrorErr(log.CatIndex, "mark span failed", err, "name", name)
	}
}

func (c *Core) updateStatus(name, status string) {
	if err := c.index.UpdateStatus(name, status); err != nil && !errors.Is(err, index.ErrNotFound) {
		log.ErrorErr(log.CatIndex, "update message status", err, "name", name)
	}
}

// recentSet is a bounded FIFO set of per-delivery filenames the
// synchronous path already dispatched, so the watcher path skips them.
type recentSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

func (r *recentSet) Add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[name]; ok {
		return
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.order = append(r.order, name)
	r.set[name] = struct{}{}
}

func (r *recentSet) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[name]
	return ok
}
