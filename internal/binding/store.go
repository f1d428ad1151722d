package binding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/watcher"
)

// Store is the file-backed binding registry. The file is the source of
// truth; the in-memory slice mirrors it in creation order.
//
// Self-write suppression: every own save bumps saveGen. When a file
// event arrives, a reloadGen behind saveGen means the event is an echo
// of our own write: absorb one event and catch reloadGen up by one.
// N rapid saves produce N skipped events; external edits still reload.
type Store struct {
	mu        sync.Mutex
	path      string
	clock     func() time.Time
	bindings  []Binding
	saveGen   int64
	reloadGen int64

	watch     *watcher.Watcher
	watchDone chan struct{}
}

// NewStore loads (or initializes) the binding file at path. A nil
// clock defaults to time.Now. The watcher is not started; call Start.
func NewStore(path string, clock func() time.Time) (*Store, error) {
	if clock == nil {
		clock = time.Now
	}
	s := &Store{path: path, clock: clock}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start watches the binding file's directory for external edits.
func (s *Store) Start() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create binding dir: %w", err)
	}
	base := filepath.Base(s.path)
	w, err := watcher.New(watcher.Config{
		Dirs: []string{dir},
		Relevant: func(ev fsnotify.Event) bool {
			return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 &&
				filepath.Base(ev.Name) == base
		},
	})
	if err != nil {
		return err
	}
	s.watch = w
	s.watchDone = make(chan struct{})
	changes := w.Start()
	go func() {
		defer close(s.watchDone)
		for range changes {
			s.OnFileEvent()
		}
	}()
	return nil
}

// Stop detaches the watcher.
func (s *Store) Stop() {
	if s.watch != nil {
		_ = s.watch.Stop()
		<-s.watchDone
		s.watch = nil
	}
}

// OnFileEvent applies the suppression contract to one change event.
// Returns whether the file was actually reloaded (exported for tests
// that drive events synchronously).
func (s *Store) OnFileEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadGen < s.saveGen {
		s.reloadGen++
		return false
	}
	if err := s.reloadLocked(); err != nil {
		log.ErrorErr(log.CatBinding, "reload bindings", err, "path", s.path)
		return false
	}
	log.Debug(log.CatBinding, "bindings reloaded", "count", len(s.bindings))
	return true
}

// CreateInput is the caller-supplied part of a new binding.
type CreateInput struct {
	AdapterID       string
	AgentID         string
	ProjectPath     string
	SessionStrategy SessionStrategy
	Label           string
	ChatID          string
	ChannelType     string
}

// Create generates an id and timestamps, applies defaults, persists,
// and returns the stored binding.
func (s *Store) Create(in CreateInput) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	b := Binding{
		ID:              uuid.NewString(),
		AdapterID:       in.AdapterID,
		AgentID:         in.AgentID,
		ProjectPath:     in.ProjectPath,
		SessionStrategy: in.SessionStrategy,
		Label:           in.Label,
		ChatID:          in.ChatID,
		ChannelType:     in.ChannelType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if b.SessionStrategy == "" {
		b.SessionStrategy = PerChat
	}
	s.bindings = append(s.bindings, b)
	if err := s.saveLocked(); err != nil {
		return Binding{}, err
	}
	log.Info(log.CatBinding, "binding created", "id", b.ID, "adapter", b.AdapterID)
	return b, nil
}

// Update mutates a binding in place and persists. The mutate callback
// must not touch ID or CreatedAt.
func (s *Store) Update(id string, mutate func(*Binding)) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bindings {
		if s.bindings[i].ID != id {
			continue
		}
		mutate(&s.bindings[i])
		s.bindings[i].UpdatedAt = s.clock().UTC()
		if err := s.saveLocked(); err != nil {
			return Binding{}, err
		}
		return s.bindings[i], nil
	}
	return Binding{}, fmt.Errorf("binding %s not found", id)
}

// Delete removes a binding, persisting only when something was removed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bindings {
		if s.bindings[i].ID == id {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			if err := s.saveLocked(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Get returns a binding by id.
func (s *Store) Get(id string) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.ID == id {
			return b, true
		}
	}
	return Binding{}, false
}

// List returns all bindings in creation order.
func (s *Store) List() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Binding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

// Resolve picks the highest-scoring binding for the adapter per the
// scoring table. Ties break by creation order. The second return is
// false when every candidate is disqualified.
func (s *Store) Resolve(adapterID, chatID, channelType string) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := Binding{}
	bestScore := 0
	for _, b := range s.bindings {
		if b.AdapterID != adapterID {
			continue
		}
		if sc := score(b, chatID, channelType); sc > bestScore {
			best = b
			bestScore = sc
		}
	}
	return best, bestScore > 0
}

// Orphaned returns bindings whose adapter no longer exists.
func (s *Store) Orphaned(knownAdapterIDs []string) []Binding {
	known := make(map[string]struct{}, len(knownAdapterIDs))
	for _, id := range knownAdapterIDs {
		known[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var orphans []Binding
	for _, b := range s.bindings {
		if _, ok := known[b.AdapterID]; !ok {
			orphans = append(orphans, b)
		}
	}
	return orphans
}

func (s *Store) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.bindings = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bindings: %w", err)
	}
	var bindings []Binding
	if err := json.Unmarshal(data, &bindings); err != nil {
		return fmt.Errorf("parse bindings: %w", err)
	}
	s.bindings = bindings
	return nil
}

// saveLocked writes the binding list as pretty JSON via tmp + rename
// and bumps the save generation. Callers hold s.mu.
func (s *Store) saveLocked() error {
	data, err := marshalPretty(s.bindings)
	if err != nil {
		return fmt.Errorf("marshal bindings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create binding dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bindings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace bindings: %w", err)
	}
	s.saveGen++
	return nil
}
