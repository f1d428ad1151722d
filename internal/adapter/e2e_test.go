package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/agent"
	"github.com/zjrosen/strand/internal/agent/mock"
	"github.com/zjrosen/strand/internal/binding"
	"github.com/zjrosen/strand/internal/receiver"
	"github.com/zjrosen/strand/internal/relay"
)

// TestChatRoundTrip drives an inbound webhook message through the same
// wiring the serve command assembles: core, binding store, session map,
// router, receiver, and adapter manager. Nothing registers an endpoint
// by hand; the adapter and the router create mailboxes as traffic
// arrives, and the agent's reply comes back out through the adapter.
func TestChatRoundTrip(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var replies []webhookMessage
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg webhookMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		replies = append(replies, msg)
		mu.Unlock()
	}))
	defer target.Close()

	adaptersPath := filepath.Join(dir, "adapters.json")
	cfg := map[string]any{"adapters": []map[string]any{{
		"id":      "wh1",
		"type":    "webhook",
		"enabled": true,
		"config": map[string]any{
			"inbound":  map[string]any{"listenAddr": "127.0.0.1:0"},
			"outbound": map[string]any{"url": target.URL},
		},
	}}}
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(adaptersPath, data, 0o600))

	core, err := relay.New(relay.Options{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	bindings, err := binding.NewStore(filepath.Join(dir, "bindings.json"), nil)
	require.NoError(t, err)
	require.NoError(t, bindings.Start())
	t.Cleanup(bindings.Stop)

	b, err := bindings.Create(binding.CreateInput{
		AdapterID:       "wh1",
		AgentID:         "a1",
		ProjectPath:     "/p",
		SessionStrategy: binding.PerChat,
		ChatID:          "123",
	})
	require.NoError(t, err)

	sessions, err := binding.NewSessionMap(filepath.Join(dir, "session-map.json"))
	require.NoError(t, err)
	runtime := mock.NewManager(agent.StreamEvent{Type: agent.StreamResult, Text: "done"})

	router := binding.NewRouter(bindings, sessions, runtime, core)
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })

	recv := receiver.New(core, runtime, receiver.Options{DefaultCwd: dir})
	require.NoError(t, recv.Start())
	t.Cleanup(func() { _ = recv.Stop() })

	m := NewManager(adaptersPath, core, bindings)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(m.Shutdown)

	m.mu.Lock()
	wh := m.running["wh1"].(*webhook)
	m.mu.Unlock()

	resp := postMessage(t, wh.addr, "", webhookMessage{ChatID: "123", Content: "ship it"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The router resolved the binding, created a session, and persisted
	// the mapping; the receiver streamed the reply back to the platform.
	var sid string
	require.Eventually(t, func() bool {
		var ok bool
		sid, ok = sessions.Get(b.ID + "|123")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 1
	}, 3*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, webhookMessage{ChatID: "123", Content: "done"}, replies[0])
	mu.Unlock()

	sess, ok := runtime.Get(sid)
	require.True(t, ok)
	assert.Equal(t, []string{"ship it"}, sess.(*mock.Session).Sent())

	// Traffic created the chat and agent mailboxes.
	subjects := make([]string, 0, len(core.Endpoints()))
	for _, ep := range core.Endpoints() {
		subjects = append(subjects, ep.Subject)
	}
	assert.Contains(t, subjects, "relay.human.wh1.123")
	assert.Contains(t, subjects, "relay.agent."+sid)

	// A second message from the same chat reuses the session.
	resp = postMessage(t, wh.addr, "", webhookMessage{ChatID: "123", Content: "again"})
	resp.Body.Close()
	require.Eventually(t, func() bool {
		s, ok := runtime.Get(sid)
		return ok && len(s.(*mock.Session).Sent()) == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, runtime.SessionCount())
}
