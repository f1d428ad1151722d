// Package relay implements the message bus core: subject-routed
// publishing into durable per-endpoint mailboxes, budget enforcement,
// reliability gates, ephemeral signals, and a filesystem second-chance
// dispatch path.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/internal/relay/budget"
	"github.com/zjrosen/strand/internal/relay/index"
	"github.com/zjrosen/strand/internal/relay/maildir"
	"github.com/zjrosen/strand/internal/relay/registry"
	"github.com/zjrosen/strand/internal/relay/reliability"
	"github.com/zjrosen/strand/internal/tracing"
	"github.com/zjrosen/strand/internal/watcher"
)

// senderCountTTL bounds how stale the memoized rate-window count may
// get between writes by the same sender.
const senderCountTTL = time.Second

// Options configures a Core. Zero values take defaults.
type Options struct {
	DataDir           string
	MaxHops           int
	DefaultTTL        time.Duration
	DefaultCallBudget int
	RateLimit         reliability.RateLimitConfig
	Breaker           reliability.BreakerConfig
	Backpressure      reliability.BackpressureConfig
	Access            AccessConfig
	Tracing           tracing.Config
	// Clock is injectable for tests. Nil means time.Now.
	Clock func() time.Time
}

func (o *Options) fillDefaults() {
	if o.MaxHops <= 0 {
		o.MaxHops = budget.DefaultMaxHops
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = budget.DefaultTTL
	}
	if o.DefaultCallBudget <= 0 {
		o.DefaultCallBudget = budget.DefaultCallBudget
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Core is one relay instance rooted at a data directory. Instances are
// independent; two cores may share a host on disjoint data dirs.
type Core struct {
	opts  Options
	clock func() time.Time

	store     *maildir.Store
	index     *index.Index
	endpoints *registry.Endpoints
	subs      *registry.Subscriptions
	breaker   *reliability.CircuitBreaker
	signals   *pubsub.Broker[addressedSignal]
	tracer    *tracing.Provider
	metrics   *pipelineMetrics

	senderCounts *gocache.Cache
	recent       *recentSet

	watch       *watcher.Watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New builds a Core, creating the data directory tree, opening the
// SQLite index, loading persisted subscription patterns, and starting
// the mailbox watcher loop.
func New(opts Options) (*Core, error) {
	opts.fillDefaults()
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := maildir.NewStore(filepath.Join(opts.DataDir, "mailboxes"))
	if err != nil {
		return nil, fmt.Errorf("open maildir store: %w", err)
	}

	db, err := index.Open(filepath.Join(opts.DataDir, "index.db"))
	if err != nil {
		return nil, err
	}

	subs := registry.NewSubscriptions(filepath.Join(opts.DataDir, "subscriptions.json"), opts.Clock)
	if err := subs.Load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	tracer, err := tracing.NewProvider(opts.Tracing)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	w, err := watcher.New(watcher.Config{
		Relevant: func(ev fsnotify.Event) bool {
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return false
			}
			name := filepath.Base(ev.Name)
			return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".reason.json")
		},
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Core{
		opts:         opts,
		clock:        opts.Clock,
		store:        store,
		index:        db,
		endpoints:    registry.NewEndpoints(store, opts.Clock),
		subs:         subs,
		breaker:      reliability.NewCircuitBreaker(opts.Breaker, opts.Clock),
		signals:      pubsub.NewBroker[addressedSignal](),
		tracer:       tracer,
		metrics:      newPipelineMetrics(),
		senderCounts: gocache.New(senderCountTTL, time.Minute),
		recent:       newRecentSet(recentSetCap),
		watch:        w,
		watchDone:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	go c.watchLoop(ctx, w.Start())
	return c, nil
}

// RegisterEndpoint creates a mailbox for a concrete subject and starts
// watching its new/ directory for externally written messages.
func (c *Core) RegisterEndpoint(subj string) (registry.Endpoint, error) {
	ep, err := c.endpoints.Register(subj)
	if err != nil {
		return registry.Endpoint{}, err
	}
	c.metrics.endpointsRegistered.Inc()
	if err := c.watch.Add(c.store.DirPath(ep.Hash, maildir.DirNew)); err != nil {
		log.ErrorErr(log.CatWatcher, "watch new mailbox", err, "endpoint", subj)
	}
	return ep, nil
}

// EnsureEndpoint returns the endpoint for subj, registering it first
// when absent. Traffic-driven callers use this so the first message to
// a chat or session creates its mailbox.
func (c *Core) EnsureEndpoint(subj string) (registry.Endpoint, error) {
	if ep, ok := c.endpoints.Get(subj); ok {
		return ep, nil
	}
	ep, err := c.RegisterEndpoint(subj)
	if err != nil {
		// Lost a registration race; the winner's record serves.
		var regErr *registry.Error
		if errors.As(err, &regErr) && regErr.Code == "ALREADY_REGISTERED" {
			if existing, ok := c.endpoints.Get(subj); ok {
				return existing, nil
			}
		}
		return registry.Endpoint{}, err
	}
	return ep, nil
}

// UnregisterEndpoint removes the endpoint record and its mailbox tree.
func (c *Core) UnregisterEndpoint(subj string) (bool, error) {
	ep, ok := c.endpoints.Get(subj)
	if !ok {
		return false, nil
	}
	// Best effort: the directory is about to disappear anyway.
	_ = c.watch.Remove(c.store.DirPath(ep.Hash, maildir.DirNew))
	removed, err := c.endpoints.Unregister(subj)
	if err != nil {
		return false, err
	}
	if removed {
		c.metrics.endpointsRegistered.Dec()
	}
	return removed, nil
}

// Endpoints lists registered endpoints ordered by subject.
func (c *Core) Endpoints() []registry.Endpoint {
	return c.endpoints.List()
}

// Subscribe attaches a handler to a pattern. The returned closure
// unsubscribes and rewrites subscriptions.json.
func (c *Core) Subscribe(pattern string, handler registry.Handler) (func() error, error) {
	_, unsubscribe, err := c.subs.Subscribe(pattern, handler)
	return unsubscribe, err
}

// Subscriptions lists persisted subscription patterns.
func (c *Core) Subscriptions() []registry.Subscription {
	return c.subs.List()
}

// ListMessages queries the SQLite index.
func (c *Core) ListMessages(f index.Filter) ([]index.Message, error) {
	return c.index.List(f)
}

// GetMetrics returns the aggregate index metrics.
func (c *Core) GetMetrics() (index.Metrics, error) {
	return c.index.Metrics()
}

// RebuildIndex drops all message rows and rescans every mailbox.
func (c *Core) RebuildIndex() error {
	hashes, err := c.store.Hashes()
	if err != nil {
		return err
	}
	return c.index.Rebuild(c.store, hashes)
}

// Close shuts the core down in order: watchers first, then signal
// listeners, tracing, and the index. Mailboxes stay on disk; only the
// in-memory endpoint records are dropped.
func (c *Core) Close() error {
	c.watchCancel()
	_ = c.watch.Stop()
	<-c.watchDone

	c.signals.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatRelay, "tracer shutdown", err)
	}

	if err := c.index.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}
