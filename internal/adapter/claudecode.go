package adapter

import (
	"context"
	"sync"
)

// registerBuiltins installs the embedded adapter types.
func registerBuiltins(m *Manager) {
	m.manifests["claudecode"] = claudeCodeManifest
	m.factories["claudecode"] = newClaudeCode
	m.manifests["telegram"] = telegramManifest
	m.factories["telegram"] = newTelegram
	m.manifests["webhook"] = webhookManifest
	m.factories["webhook"] = newWebhook
}

var claudeCodeManifest = Manifest{
	Type:          "claudecode",
	DisplayName:   "Claude Code",
	Builtin:       true,
	MultiInstance: false,
	ConfigFields: []ConfigField{
		{Key: "defaultCwd", Type: FieldString, Label: "Default working directory"},
	},
}

// claudeCode is the local agent runtime endpoint. The message receiver
// does the actual session work; this adapter only marks the runtime as
// available so bindings can target it.
type claudeCode struct {
	id string

	mu     sync.Mutex
	status Status
}

func newClaudeCode(cfg Config) (Adapter, error) {
	return &claudeCode{id: cfg.ID, status: Status{State: StateDisconnected}}, nil
}

func (c *claudeCode) ID() string { return c.id }

func (c *claudeCode) Start(context.Context, Bus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateConnected
	return nil
}

func (c *claudeCode) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateDisconnected
	return nil
}

func (c *claudeCode) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
