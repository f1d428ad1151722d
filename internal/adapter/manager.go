package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/strand/internal/binding"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/watcher"
)

// testConnectionTimeout bounds TestConnection end to end.
var testConnectionTimeout = 15 * time.Second

// Error codes surfaced by Manager operations.
const (
	CodeDuplicateID         = "DUPLICATE_ID"
	CodeUnknownType         = "UNKNOWN_TYPE"
	CodeMultiInstanceDenied = "MULTI_INSTANCE_DENIED"
	CodeNotFound            = "NOT_FOUND"
	CodeRemoveBuiltin       = "REMOVE_BUILTIN_DENIED"
)

// Error is a coded manager failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// OrphanScanner finds bindings whose adapter no longer exists.
// *binding.Store satisfies it.
type OrphanScanner interface {
	Orphaned(knownAdapterIDs []string) []binding.Binding
}

// PluginLoader builds adapters for type "plugin" entries. Paths in the
// config resolve relative to configDir. A non-nil manifest is
// registered in the catalog.
type PluginLoader func(cfg Config, configDir string) (Adapter, *Manifest, error)

// Info pairs a masked config entry with its runtime status.
type Info struct {
	Config Config `json:"config"`
	Status Status `json:"status"`
}

// Manager owns the adapter lifecycle: adapters.json persistence,
// hot reload, start/stop, and the type catalog.
//
// The manager's own saves also wake the config watcher. That reload is
// harmless because saveLocked keeps the in-memory set byte-equivalent
// to the file, so the diff sees every adapter as unchanged.
type Manager struct {
	// PluginLoader, when set before Initialize, handles "plugin"
	// config entries.
	PluginLoader PluginLoader

	mu        sync.Mutex
	path      string
	bus       Bus
	scanner   OrphanScanner
	manifests map[string]Manifest
	factories map[string]Factory
	configs   []Config
	running   map[string]Adapter

	ctx    context.Context
	cancel context.CancelFunc

	watch     *watcher.Watcher
	watchDone chan struct{}
}

// NewManager wires a manager over the adapters.json at path. A nil
// scanner disables the post-removal orphan warning.
func NewManager(path string, bus Bus, scanner OrphanScanner) *Manager {
	return &Manager{
		path:      path,
		bus:       bus,
		scanner:   scanner,
		manifests: make(map[string]Manifest),
		factories: make(map[string]Factory),
		running:   make(map[string]Adapter),
	}
}

// RegisterType adds an adapter type to the catalog.
func (m *Manager) RegisterType(manifest Manifest, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[manifest.Type] = manifest
	m.factories[manifest.Type] = factory
}

// Initialize registers builtin types, ensures a default config exists,
// loads it, starts enabled adapters best-effort, and attaches the
// config watcher.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)
	registerBuiltins(m)

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create adapter config dir: %w", err)
	}
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		m.configs = []Config{{
			ID:      "claudecode",
			Type:    "claudecode",
			Enabled: true,
			Builtin: true,
			Config:  map[string]any{},
		}}
		if err := m.saveLocked(); err != nil {
			return err
		}
		log.Info(log.CatAdapter, "wrote default adapter config", "path", m.path)
	} else {
		configs, err := m.loadConfigs()
		if err != nil {
			log.Warn(log.CatAdapter, "adapter config unreadable, starting empty", "error", err)
			configs = nil
		}
		m.configs = configs
	}

	for _, cfg := range m.configs {
		if cfg.Enabled {
			m.startLocked(cfg)
		}
	}
	return m.watchLocked()
}

// Shutdown stops the watcher and every running adapter. The watcher is
// detached outside the lock so an in-flight Reload can finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	w, done := m.watch, m.watchDone
	m.watch = nil
	m.mu.Unlock()
	if w != nil {
		_ = w.Stop()
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	for id := range m.running {
		m.stopLocked(id)
	}
}

// Add validates, persists, and (when enabled) starts a new adapter.
func (m *Manager) Add(typ, id string, config map[string]any, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.configs {
		if cfg.ID == id {
			return &Error{Code: CodeDuplicateID, Message: fmt.Sprintf("adapter %s already exists", id)}
		}
	}
	manifest, ok := m.manifests[typ]
	if !ok {
		return &Error{Code: CodeUnknownType, Message: fmt.Sprintf("unknown adapter type %s", typ)}
	}
	if !manifest.MultiInstance {
		for _, cfg := range m.configs {
			if cfg.Type == typ {
				return &Error{Code: CodeMultiInstanceDenied, Message: fmt.Sprintf("type %s allows a single instance", typ)}
			}
		}
	}
	if config == nil {
		config = map[string]any{}
	}
	m.configs = append(m.configs, Config{ID: id, Type: typ, Enabled: enabled, Config: config})
	if err := m.saveLocked(); err != nil {
		return err
	}
	if enabled {
		m.startLocked(m.configs[len(m.configs)-1])
	}
	return nil
}

// Remove stops and deletes an adapter, then warns about bindings left
// pointing at it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexLocked(id)
	if idx < 0 {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("adapter %s not found", id)}
	}
	cfg := m.configs[idx]
	if cfg.Builtin && cfg.Type == "claudecode" {
		return &Error{Code: CodeRemoveBuiltin, Message: "the builtin claudecode adapter cannot be removed"}
	}

	m.stopLocked(id)
	m.configs = append(m.configs[:idx], m.configs[idx+1:]...)
	if err := m.saveLocked(); err != nil {
		return err
	}

	if m.scanner != nil {
		if orphans := m.scanner.Orphaned(m.knownIDsLocked()); len(orphans) > 0 {
			for _, b := range orphans {
				log.Warn(log.CatAdapter, "binding references removed adapter, delete or repoint it",
					"binding", b.ID, "adapter", b.AdapterID)
			}
		}
	}
	return nil
}

// Enable turns an adapter on and starts it.
func (m *Manager) Enable(id string) error { return m.setEnabled(id, true) }

// Disable turns an adapter off and stops it.
func (m *Manager) Disable(id string) error { return m.setEnabled(id, false) }

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexLocked(id)
	if idx < 0 {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("adapter %s not found", id)}
	}
	m.configs[idx].Enabled = enabled
	if err := m.saveLocked(); err != nil {
		return err
	}
	if enabled {
		m.startLocked(m.configs[idx])
	} else {
		m.stopLocked(id)
	}
	return nil
}

// UpdateConfig merges the incoming config (password fields preserved
// on empty, masked, or absent values), persists, and restarts a running
// adapter.
func (m *Manager) UpdateConfig(id string, newConfig map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexLocked(id)
	if idx < 0 {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("adapter %s not found", id)}
	}
	cfg := m.configs[idx]
	m.configs[idx].Config = MergeConfig(cfg.Config, newConfig, m.manifests[cfg.Type])
	if err := m.saveLocked(); err != nil {
		return err
	}
	if _, isRunning := m.running[id]; isRunning {
		m.stopLocked(id)
		m.startLocked(m.configs[idx])
	}
	return nil
}

// TestConnection builds a throwaway instance and probes it, bounded by
// a 15 second timeout. The instance is always stopped.
func (m *Manager) TestConnection(ctx context.Context, typ string, config map[string]any) error {
	m.mu.Lock()
	factory, ok := m.factories[typ]
	m.mu.Unlock()
	if !ok {
		return &Error{Code: CodeUnknownType, Message: fmt.Sprintf("unknown adapter type %s", typ)}
	}

	a, err := factory(Config{ID: "test-" + typ, Type: typ, Config: config})
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop() }()

	ctx, cancel := context.WithTimeout(ctx, testConnectionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if tester, ok := a.(ConnectionTester); ok {
			done <- tester.TestConnection(ctx)
			return
		}
		if err := a.Start(ctx, m.bus); err != nil {
			done <- err
			return
		}
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.New("Connection test timed out")
	}
}

// List returns every configured adapter with masked config and status.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, m.infoLocked(cfg))
	}
	return out
}

// Get returns one adapter's masked config and status.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(id)
	if idx < 0 {
		return Info{}, false
	}
	return m.infoLocked(m.configs[idx]), true
}

// Catalog returns the registered type manifests.
func (m *Manager) Catalog() []Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Manifest, 0, len(m.manifests))
	for _, mf := range m.manifests {
		out = append(out, mf)
	}
	return out
}

// Reload re-reads adapters.json and applies the diff: stop removed or
// disabled adapters, start newly enabled ones, restart changed ones,
// leave the rest untouched. Exported for deterministic tests; the
// watcher calls it on file changes.
func (m *Manager) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	configs, err := m.loadConfigs()
	if err != nil {
		log.Warn(log.CatAdapter, "adapter config reload failed, keeping current set", "error", err)
		return
	}

	next := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
	}

	for _, old := range m.configs {
		cfg, kept := next[old.ID]
		switch {
		case !kept || !cfg.Enabled:
			m.stopLocked(old.ID)
		case old.Enabled && reflect.DeepEqual(old, cfg):
			// unchanged, leave running
		default:
			m.stopLocked(old.ID)
		}
	}
	prev := make(map[string]Config, len(m.configs))
	for _, cfg := range m.configs {
		prev[cfg.ID] = cfg
	}
	m.configs = configs
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if old, ok := prev[cfg.ID]; ok && old.Enabled && reflect.DeepEqual(old, cfg) {
			continue
		}
		m.startLocked(cfg)
	}
	log.Info(log.CatAdapter, "adapter config reloaded", "count", len(configs))
}

func (m *Manager) infoLocked(cfg Config) Info {
	masked := cfg
	masked.Config = MaskConfig(cfg.Config, m.manifests[cfg.Type])
	status := Status{State: StateDisconnected}
	if a, ok := m.running[cfg.ID]; ok {
		status = a.Status()
	}
	return Info{Config: masked, Status: status}
}

func (m *Manager) indexLocked(id string) int {
	for i, cfg := range m.configs {
		if cfg.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) knownIDsLocked() []string {
	ids := make([]string, 0, len(m.configs))
	for _, cfg := range m.configs {
		ids = append(ids, cfg.ID)
	}
	return ids
}

// startLocked builds and starts one adapter. Best-effort: failures are
// logged and the rest of the set proceeds.
func (m *Manager) startLocked(cfg Config) {
	if _, ok := m.running[cfg.ID]; ok {
		return
	}
	a, err := m.buildLocked(cfg)
	if err != nil {
		log.ErrorErr(log.CatAdapter, "adapter build failed", err, "id", cfg.ID, "type", cfg.Type)
		return
	}
	if err := a.Start(m.ctx, m.bus); err != nil {
		log.ErrorErr(log.CatAdapter, "adapter start failed", err, "id", cfg.ID, "type", cfg.Type)
		return
	}
	m.running[cfg.ID] = a
	log.Info(log.CatAdapter, "adapter started", "id", cfg.ID, "type", cfg.Type)
}

func (m *Manager) buildLocked(cfg Config) (Adapter, error) {
	if cfg.Type == "plugin" {
		if m.PluginLoader == nil {
			return nil, &Error{Code: CodeUnknownType, Message: "no plugin loader configured"}
		}
		a, manifest, err := m.PluginLoader(cfg, filepath.Dir(m.path))
		if err != nil {
			return nil, err
		}
		if manifest != nil {
			m.manifests[manifest.Type] = *manifest
		}
		return a, nil
	}
	factory, ok := m.factories[cfg.Type]
	if !ok {
		return nil, &Error{Code: CodeUnknownType, Message: fmt.Sprintf("unknown adapter type %s", cfg.Type)}
	}
	return factory(cfg)
}

func (m *Manager) stopLocked(id string) {
	a, ok := m.running[id]
	if !ok {
		return
	}
	if err := a.Stop(); err != nil {
		log.ErrorErr(log.CatAdapter, "adapter stop failed", err, "id", id)
	}
	delete(m.running, id)
	log.Info(log.CatAdapter, "adapter stopped", "id", id)
}

func (m *Manager) watchLocked() error {
	base := filepath.Base(m.path)
	w, err := watcher.New(watcher.Config{
		Dirs: []string{filepath.Dir(m.path)},
		Relevant: func(ev fsnotify.Event) bool {
			return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 &&
				filepath.Base(ev.Name) == base
		},
	})
	if err != nil {
		return err
	}
	m.watch = w
	m.watchDone = make(chan struct{})
	changes := w.Start()
	go func() {
		defer close(m.watchDone)
		for range changes {
			m.Reload()
		}
	}()
	return nil
}

type configFile struct {
	Adapters []Config `json:"adapters"`
}

func (m *Manager) loadConfigs() ([]Config, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read adapter config: %w", err)
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse adapter config: %w", err)
	}
	return file.Adapters, nil
}

// saveLocked writes adapters.json atomically via tmp + rename.
func (m *Manager) saveLocked() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(configFile{Adapters: m.configs}); err != nil {
		return fmt.Errorf("marshal adapter config: %w", err)
	}
	data := buf.Bytes()
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write adapter config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace adapter config: %w", err)
	}
	// Round-trip the in-memory set through the bytes just written.
	// Caller-supplied configs carry Go-typed values (int vs float64)
	// that would otherwise defeat the reload diff's DeepEqual and
	// restart adapters whose config did not change.
	var file configFile
	if err := json.Unmarshal(data, &file); err == nil {
		m.configs = file.Adapters
	}
	return nil
}
