package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/envelope"
	"github.com/zjrosen/strand/internal/relay/registry"
)

var telegramManifest = Manifest{
	Type:          "telegram",
	DisplayName:   "Telegram",
	Builtin:       true,
	MultiInstance: true,
	ConfigFields: []ConfigField{
		{Key: "botToken", Type: FieldPassword, Label: "Bot token", Required: true},
		{Key: "pollTimeoutSecs", Type: FieldNumber, Label: "Long-poll timeout"},
		{Key: "apiBase", Type: FieldString, Label: "Bot API base URL"},
	},
}

const defaultTelegramAPI = "https://api.telegram.org"

// telegram bridges the Telegram Bot API via getUpdates long polling.
// Inbound messages publish on relay.human.<id>.<chatId>; envelopes
// arriving on that namespace from anyone else go back out through
// sendMessage.
type telegram struct {
	id          string
	token       string
	apiBase     string
	pollTimeout int
	client      *http.Client

	mu          sync.Mutex
	status      Status
	offset      int64
	cancel      context.CancelFunc
	unsubscribe func() error
	done        chan struct{}
}

func newTelegram(cfg Config) (Adapter, error) {
	token, _ := cfg.Config["botToken"].(string)
	if token == "" {
		return nil, fmt.Errorf("telegram adapter %s: botToken is required", cfg.ID)
	}
	apiBase, _ := cfg.Config["apiBase"].(string)
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	pollTimeout := 30
	if v, ok := cfg.Config["pollTimeoutSecs"].(float64); ok && v > 0 {
		pollTimeout = int(v)
	}
	return &telegram{
		id:          cfg.ID,
		token:       token,
		apiBase:     strings.TrimRight(apiBase, "/"),
		pollTimeout: pollTimeout,
		client:      &http.Client{Timeout: time.Duration(pollTimeout+10) * time.Second},
		status:      Status{State: StateDisconnected},
	}, nil
}

func (t *telegram) ID() string { return t.id }

func (t *telegram) Start(ctx context.Context, bus Bus) error {
	unsub, err := bus.Subscribe("relay.human."+t.id+".>", t.outbound())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.unsubscribe = unsub
	t.done = make(chan struct{})
	t.status.State = StateConnected
	t.mu.Unlock()

	go t.pollLoop(ctx, bus)
	return nil
}

func (t *telegram) Stop() error {
	t.mu.Lock()
	cancel, unsub, done := t.cancel, t.unsubscribe, t.done
	t.cancel, t.unsubscribe, t.done = nil, nil, nil
	t.status.State = StateDisconnected
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if unsub != nil {
		return unsub()
	}
	return nil
}

func (t *telegram) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TestConnection hits getMe to validate the token.
func (t *telegram) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.methodURL("getMe"), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if !body.OK {
		return fmt.Errorf("telegram getMe rejected token (status %d)", resp.StatusCode)
	}
	return nil
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (t *telegram) pollLoop(ctx context.Context, bus Bus) {
	defer close(t.done)
	for ctx.Err() == nil {
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.recordError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			t.mu.Lock()
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.mu.Unlock()
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			t.publishInbound(ctx, bus, u.Message.Chat.ID, u.Message.Text)
		}
	}
}

func (t *telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	q := url.Values{}
	q.Set("timeout", strconv.Itoa(t.pollTimeout))
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram getUpdates failed (status %d)", resp.StatusCode)
	}
	return body.Result, nil
}

func (t *telegram) publishInbound(ctx context.Context, bus Bus, chatID int64, text string) {
	subj := "relay.human." + t.id + "." + strconv.FormatInt(chatID, 10)
	// First message from a chat creates its endpoint.
	if _, err := bus.EnsureEndpoint(subj); err != nil {
		t.recordError(err)
		return
	}
	_, err := bus.Publish(ctx, subj, map[string]any{"content": text}, relay.PublishOptions{
		From:    "relay.adapter." + t.id,
		ReplyTo: subj,
	})
	if err != nil {
		t.recordError(err)
		return
	}
	t.mu.Lock()
	t.status.MessagesIn++
	t.mu.Unlock()
}

// outbound returns the handler that relays agent replies to Telegram.
// Inbound envelopes the adapter itself published are skipped.
func (t *telegram) outbound() registry.Handler {
	self := "relay.adapter." + t.id
	return func(env envelope.Envelope) error {
		if env.From == self {
			return nil
		}
		tokens := strings.Split(env.Subject, ".")
		chatID, err := strconv.ParseInt(tokens[len(tokens)-1], 10, 64)
		if err != nil {
			return fmt.Errorf("subject %s has no chat id: %w", env.Subject, err)
		}
		if err := t.sendMessage(chatID, envelope.PayloadText(env.Payload)); err != nil {
			t.recordError(err)
			return err
		}
		t.mu.Lock()
		t.status.MessagesOut++
		t.mu.Unlock()
		return nil
	}
}

func (t *telegram) sendMessage(chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	resp, err := t.client.Post(t.methodURL("sendMessage"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage failed (status %d)", resp.StatusCode)
	}
	return nil
}

func (t *telegram) methodURL(method string) string {
	return t.apiBase + "/bot" + t.token + "/" + method
}

func (t *telegram) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Errors++
	t.status.LastError = err.Error()
	log.ErrorErr(log.CatAdapter, "telegram adapter error", err, "id", t.id)
}
