package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/subject"
)

// Handler consumes one delivered envelope. A non-nil error fails the
// delivery and routes the message to the dead letter directory.
type Handler func(env envelope.Envelope) error

// Subscription pairs a wildcard pattern with an in-process handler.
// Patterns survive restarts via subscriptions.json; handlers do not.
type Subscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"createdAt"`

	handler Handler
}

// Subscriptions is the pattern subscription registry. IDs are ULIDs,
// so iteration by id is also iteration by creation order.
type Subscriptions struct {
	mu    sync.RWMutex
	path  string
	clock func() time.Time
	subs  map[string]Subscription
}

// NewSubscriptions creates a registry persisting patterns to path.
// A nil clock defaults to time.Now.
func NewSubscriptions(path string, clock func() time.Time) *Subscriptions {
	if clock == nil {
		clock = time.Now
	}
	return &Subscriptions{
		path:  path,
		clock: clock,
		subs:  make(map[string]Subscription),
	}
}

// Load restores persisted patterns. Restored entries carry a no-op
// handler: tooling can list prior patterns, but consumers must
// re-subscribe to reattach live handlers. A missing file is not an
// error.
func (r *Subscriptions) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read subscriptions: %w", err)
	}

	var entries []Subscription
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		e.handler = func(envelope.Envelope) error { return nil }
		r.subs[e.ID] = e
	}
	return nil
}

// Subscribe validates the pattern, registers the handler, and persists
// the pattern set. The returned closure unsubscribes and rewrites the
// file; calling it more than once is harmless.
func (r *Subscriptions) Subscribe(pattern string, handler Handler) (string, func() error, error) {
	if err := subject.Validate(pattern); err != nil {
		return "", nil, err
	}

	r.mu.Lock()
	id := ulid.Make().String()
	r.subs[id] = Subscription{
		ID:        id,
		Pattern:   pattern,
		CreatedAt: r.clock(),
		handler:   handler,
	}
	err := r.saveLocked()
	r.mu.Unlock()
	if err != nil {
		return "", nil, err
	}

	unsubscribe := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[id]; !ok {
			return nil
		}
		delete(r.subs, id)
		return r.saveLocked()
	}
	return id, unsubscribe, nil
}

// Matching returns the handlers whose pattern matches the subject,
// in subscription creation order.
func (r *Subscriptions) Matching(subj string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.subs))
	for id, s := range r.subs {
		if subject.Matches(subj, s.Pattern) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.subs[id].handler)
	}
	return handlers
}

// List returns all subscriptions in creation order.
func (r *Subscriptions) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		entries = append(entries, s)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// saveLocked writes the pattern set as pretty JSON via tmp + rename.
// Callers hold r.mu.
func (r *Subscriptions) saveLocked() error {
	entries := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		entries = append(entries, s)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	// An encoder without HTML escaping keeps the > wildcard literal;
	// MarshalIndent would write the escaped code point instead.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}
	data := buf.Bytes()
	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write subscriptions: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace subscriptions: %w", err)
	}
	return nil
}
