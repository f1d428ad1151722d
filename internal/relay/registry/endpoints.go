// Package registry tracks concrete endpoints and pattern subscriptions.
//
// Endpoints are concrete subjects that own a mailbox; subscriptions are
// wildcard patterns with in-process handlers. The relay core owns both
// registries and serializes mutation; internal locks only guard the
// watcher goroutines' concurrent reads.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay/maildir"
	"github.com/zjrosen/strand/internal/relay/subject"
)

// hashLen is the truncated hex length of an endpoint hash. Twelve hex
// chars keep directory names short while staying collision-resistant
// for a single-host endpoint population.
const hashLen = 12

// tmpSweepAge is how old a scratch file in tmp/ must be before
// registration sweeps it away.
const tmpSweepAge = time.Hour

// Error is a registry failure with a stable code for API surfaces.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Endpoint is a registered concrete subject owning a Maildir.
type Endpoint struct {
	Subject      string    `json:"subject"`
	Hash         string    `json:"hash"`
	MaildirPath  string    `json:"maildirPath"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// HashSubject derives the filesystem-safe directory name for a subject:
// truncated hex SHA-256. Deterministic, so rebuilds and external tools
// can compute it independently.
func HashSubject(subj string) string {
	sum := sha256.Sum256([]byte(subj))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Endpoints is the in-memory endpoint registry backed by a maildir
// store. Unique by subject; uniqueness by hash is a secondary invariant.
type Endpoints struct {
	mu        sync.RWMutex
	store     *maildir.Store
	clock     func() time.Time
	bySubject map[string]Endpoint
	byHash    map[string]string // hash -> subject
}

// NewEndpoints creates an empty registry over the store. A nil clock
// defaults to time.Now.
func NewEndpoints(store *maildir.Store, clock func() time.Time) *Endpoints {
	if clock == nil {
		clock = time.Now
	}
	return &Endpoints{
		store:     store,
		clock:     clock,
		bySubject: make(map[string]Endpoint),
		byHash:    make(map[string]string),
	}
}

// Register validates the subject, creates the mailbox tree, and stores
// the record. Wildcard subjects are rejected: endpoints are concrete.
func (r *Endpoints) Register(subj string) (Endpoint, error) {
	if err := subject.Validate(subj); err != nil {
		return Endpoint{}, err
	}
	if subject.IsPattern(subj) {
		return Endpoint{}, &subject.ValidationError{Subject: subj, Message: "endpoint subjects must not contain wildcards"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySubject[subj]; ok {
		return Endpoint{}, &Error{Code: "ALREADY_REGISTERED", Message: fmt.Sprintf("endpoint %q is already registered", subj)}
	}
	hash := HashSubject(subj)
	if other, ok := r.byHash[hash]; ok {
		return Endpoint{}, &Error{Code: "ALREADY_REGISTERED", Message: fmt.Sprintf("endpoint hash collision: %q and %q", subj, other)}
	}

	if err := r.store.EnsureMailbox(hash); err != nil {
		return Endpoint{}, fmt.Errorf("create mailbox: %w", err)
	}
	if n, err := r.store.SweepTmp(hash, tmpSweepAge); err == nil && n > 0 {
		log.Debug(log.CatRelay, "swept stale tmp files", "endpoint", subj, "count", n)
	}

	ep := Endpoint{
		Subject:      subj,
		Hash:         hash,
		MaildirPath:  r.store.MailboxPath(hash),
		RegisteredAt: r.clock(),
	}
	r.bySubject[subj] = ep
	r.byHash[hash] = subj
	log.Info(log.CatRelay, "endpoint registered", "subject", subj, "hash", hash)
	return ep, nil
}

// Unregister removes the record and deletes the mailbox tree.
// Returns false when the subject was never registered.
func (r *Endpoints) Unregister(subj string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.bySubject[subj]
	if !ok {
		return false, nil
	}
	if err := r.store.RemoveMailbox(ep.Hash); err != nil {
		return false, fmt.Errorf("remove mailbox: %w", err)
	}
	delete(r.bySubject, subj)
	delete(r.byHash, ep.Hash)
	log.Info(log.CatRelay, "endpoint unregistered", "subject", subj)
	return true, nil
}

// Get looks up an endpoint by its exact subject.
func (r *Endpoints) Get(subj string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.bySubject[subj]
	return ep, ok
}

// ByHash looks up an endpoint via the secondary hash index.
func (r *Endpoints) ByHash(hash string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subj, ok := r.byHash[hash]
	if !ok {
		return Endpoint{}, false
	}
	return r.bySubject[subj], true
}

// List returns all endpoints ordered by subject.
func (r *Endpoints) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := make([]Endpoint, 0, len(r.bySubject))
	for _, ep := range r.bySubject {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Subject < eps[j].Subject })
	return eps
}

// Hashes returns all endpoint hashes in sorted order. Fan-out iterates
// this for deterministic delivery order.
func (r *Endpoints) Hashes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hashes := make([]string, 0, len(r.byHash))
	for h := range r.byHash {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}
