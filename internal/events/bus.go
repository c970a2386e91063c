// Package events fans request lifecycle events out to in-process
// subscribers and, when a shared store is attached, to other gateway
// instances. Delivery is best effort: a slow subscriber drops events
// rather than stalling the request path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/statestore"
)

// Event types emitted by the request pipeline.
const (
	TypeRequestCompleted   = "request.completed"
	TypeRequestFailed      = "request.failed"
	TypeCacheHit           = "cache.hit"
	TypeBudgetAlert        = "budget.alert"
	TypeDeploymentCooldown = "deployment.cooldown"
)

// Channel is the shared pub/sub channel for cross-instance delivery.
const Channel = "relaymux:events"

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`

	KeyID        string `json:"key_id,omitempty"`
	Model        string `json:"model,omitempty"`
	ModelGroup   string `json:"model_group,omitempty"`
	Provider     string `json:"provider,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`

	GenerationName  string  `json:"generation_name,omitempty"`
	PromptTokens    int     `json:"prompt_tokens,omitempty"`
	OutputTokens    int     `json:"output_tokens,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	LatencyMs       int64   `json:"latency_ms,omitempty"`
	CooldownSeconds int64   `json:"cooldown_seconds,omitempty"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	Detail          string  `json:"detail,omitempty"`
}

const subscriberBuffer = 64

// Bus distributes events without blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int

	store  statestore.Store
	logger *observability.Logger
}

// NewBus creates a bus. A nil store disables cross-instance delivery.
func NewBus(store statestore.Store, logger *observability.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		store:  store,
		logger: logger,
	}
}

// Publish delivers the event to all subscribers, dropping it for any
// whose buffer is full, and mirrors it to the shared channel.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.RUnlock()

	if b.store != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := b.store.Publish(ctx, Channel, payload); err != nil {
			b.logger.Debug("event publish failed", "type", ev.Type, "error", err)
		}
	}
}

// Subscribe registers a subscriber. The cancel func must be called to
// release it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
