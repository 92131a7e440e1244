package progress

import (
	"context"
	"sync"
	"time"
)

// Snapshot is one progress observation for a job, published to the model's
// channel and the global channel. Delivery is fire-and-forget.
type Snapshot struct {
	ModelID      string    `json:"model_id"`
	JobID        string    `json:"job_id,omitempty"`
	Percentage   float64   `json:"percentage"`
	CurrentEpoch int       `json:"current_epoch"`
	TotalEpochs  int       `json:"total_epochs"`
	Loss         float64   `json:"loss"`
	Accuracy     float64   `json:"accuracy"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher receives progress snapshots. Publish must never block training;
// implementations drop on slow consumers instead.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

type subscriber chan Snapshot

// Hub fans snapshots out to in-process subscribers, scoped per model or
// globally.
type Hub struct {
	mu     sync.RWMutex
	model  map[string]map[int]subscriber
	global map[int]subscriber
	nextID int
}

var _ Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		model:  make(map[string]map[int]subscriber),
		global: make(map[int]subscriber),
	}
}

// Publish delivers the snapshot to the model's subscribers and the global
// subscribers. Slow subscribers miss snapshots rather than stall the sender.
func (h *Hub) Publish(_ context.Context, snap Snapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.model[snap.ModelID] {
		select {
		case sub <- snap:
		default:
		}
	}
	for _, sub := range h.global {
		select {
		case sub <- snap:
		default:
		}
	}
	return nil
}

// SubscribeModel registers a subscriber for one model's snapshots. The
// returned cancel func must be called to release the channel.
func (h *Hub) SubscribeModel(modelID string) (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(subscriber, 32)
	if h.model[modelID] == nil {
		h.model[modelID] = make(map[int]subscriber)
	}
	h.model[modelID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.model[modelID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.model, modelID)
			}
		}
	}
	return ch, cancel
}

// SubscribeGlobal registers a subscriber for every model's snapshots.
func (h *Hub) SubscribeGlobal() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(subscriber, 32)
	h.global[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.global, id)
	}
	return ch, cancel
}

// Fanout publishes each snapshot to every publisher in order, returning the
// last error after all have been attempted.
type Fanout []Publisher

var _ Publisher = (Fanout)(nil)

func (f Fanout) Publish(ctx context.Context, snap Snapshot) error {
	var last error
	for _, p := range f {
		if err := p.Publish(ctx, snap); err != nil {
			last = err
		}
	}
	return last
}
