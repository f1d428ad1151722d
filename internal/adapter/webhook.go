package adapter

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/registry"
	"github.com/zjrosen/strand/internal/relay/subject"
)

var webhookManifest = Manifest{
	Type:          "webhook",
	DisplayName:   "Webhook",
	Builtin:       true,
	MultiInstance: true,
	ConfigFields: []ConfigField{
		{Key: "inbound.listenAddr", Type: FieldString, Label: "Inbound listen address"},
		{Key: "inbound.secret", Type: FieldPassword, Label: "Inbound shared secret"},
		{Key: "outbound.url", Type: FieldString, Label: "Outbound POST URL"},
	},
}

// webhook accepts inbound chat messages over HTTP and forwards agent
// replies as outbound POSTs. Either side is optional: an empty listen
// address disables inbound, an empty outbound URL disables replies.
type webhook struct {
	id          string
	listenAddr  string
	secret      string
	outboundURL string
	client      *http.Client

	mu          sync.Mutex
	status      Status
	addr        string
	server      *http.Server
	unsubscribe func() error
	bus         Bus
	ctx         context.Context
}

func newWebhook(cfg Config) (Adapter, error) {
	w := &webhook{
		id:     cfg.ID,
		client: &http.Client{Timeout: 10 * time.Second},
		status: Status{State: StateDisconnected},
	}
	if inbound, ok := cfg.Config["inbound"].(map[string]any); ok {
		w.listenAddr, _ = inbound["listenAddr"].(string)
		w.secret, _ = inbound["secret"].(string)
	}
	if outbound, ok := cfg.Config["outbound"].(map[string]any); ok {
		w.outboundURL, _ = outbound["url"].(string)
	}
	if w.listenAddr == "" && w.outboundURL == "" {
		return nil, fmt.Errorf("webhook adapter %s: configure inbound.listenAddr or outbound.url", cfg.ID)
	}
	return w, nil
}

func (w *webhook) ID() string { return w.id }

func (w *webhook) Start(ctx context.Context, bus Bus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bus = bus
	w.ctx = ctx

	if w.outboundURL != "" {
		unsub, err := bus.Subscribe("relay.human."+w.id+".>", w.outbound())
		if err != nil {
			return err
		}
		w.unsubscribe = unsub
	}
	if w.listenAddr != "" {
		ln, err := net.Listen("tcp", w.listenAddr)
		if err != nil {
			if w.unsubscribe != nil {
				_ = w.unsubscribe()
				w.unsubscribe = nil
			}
			return fmt.Errorf("webhook listen %s: %w", w.listenAddr, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("POST /message", w.handleInbound)
		w.addr = ln.Addr().String()
		w.server = &http.Server{Handler: mux}
		go func() {
			if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				w.recordError(err)
			}
		}()
	}
	w.status.State = StateConnected
	return nil
}

func (w *webhook) Stop() error {
	w.mu.Lock()
	server, unsub := w.server, w.unsubscribe
	w.server, w.unsubscribe = nil, nil
	w.status.State = StateDisconnected
	w.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	if unsub != nil {
		return unsub()
	}
	return nil
}

func (w *webhook) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

type webhookMessage struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

func (w *webhook) handleInbound(rw http.ResponseWriter, r *http.Request) {
	if w.secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
	}
	var msg webhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	subj := "relay.human." + w.id + "." + msg.ChatID
	if err := subject.Validate(subj); err != nil {
		http.Error(rw, "invalid chatId", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	bus, ctx := w.bus, w.ctx
	w.mu.Unlock()
	// First message from a chat creates its endpoint.
	if _, err := bus.EnsureEndpoint(subj); err != nil {
		w.recordError(err)
		http.Error(rw, "publish failed", http.StatusBadGateway)
		return
	}
	res, err := bus.Publish(ctx, subj, map[string]any{"content": msg.Content}, relay.PublishOptions{
		From:    "relay.adapter." + w.id,
		ReplyTo: subj,
	})
	if err != nil {
		w.recordError(err)
		http.Error(rw, "publish failed", http.StatusBadGateway)
		return
	}
	w.mu.Lock()
	w.status.MessagesIn++
	w.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{"deliveredTo": res.DeliveredTo, "messageId": res.MessageID})
}

func (w *webhook) outbound() registry.Handler {
	self := "relay.adapter." + w.id
	return func(env envelope.Envelope) error {
		if env.From == self {
			return nil
		}
		tokens := strings.Split(env.Subject, ".")
		msg := webhookMessage{
			ChatID:  tokens[len(tokens)-1],
			Content: envelope.PayloadText(env.Payload),
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		resp, err := w.client.Post(w.outboundURL, "application/json", bytes.NewReader(body))
		if err != nil {
			w.recordError(err)
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			err := fmt.Errorf("webhook POST returned status %d", resp.StatusCode)
			w.recordError(err)
			return err
		}
		w.mu.Lock()
		w.status.MessagesOut++
		w.mu.Unlock()
		return nil
	}
}

func (w *webhook) recordError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Errors++
	w.status.LastError = err.Error()
	log.ErrorErr(log.CatAdapter, "webhook adapter error", err, "id", w.id)
}
