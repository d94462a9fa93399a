package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"docsync/internal/crdt"
	"docsync/internal/events"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/utils"
)

const (
	publishTimeout = 2 * time.Second
	loadTimeout    = 10 * time.Second
)

// Hub is the room registry: at most one live room per document.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	store      store.DocumentStore
	loads      singleflight.Group
	events     events.Publisher
	instanceID string

	log     *utils.Logger
	metrics *metrics.Metrics
}

func NewHub(st store.DocumentStore, pub events.Publisher, instanceID string, log *utils.Logger, m *metrics.Metrics) *Hub {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		store:      st,
		events:     pub,
		instanceID: instanceID,
		log:        log,
		metrics:    m,
	}
}

// Get returns the live room for id, if any.
func (h *Hub) Get(id string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

// GetOrCreate returns the live room for id, hydrating a new one from the
// store when there is none. Concurrent callers for the same document share
// one load; no lock is held while the store is read. The shared load is not
// tied to the first caller's cancellation.
func (h *Hub) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	if r := h.Get(id); r != nil {
		return r, nil
	}

	v, err, _ := h.loads.Do(id, func() (interface{}, error) {
		if r := h.Get(id); r != nil {
			return r, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		doc, err := h.load(loadCtx, id)
		if err != nil {
			return nil, models.NewSyncError(models.CodeRoomUnavailable, id, err)
		}

		r := NewRoom(id, doc, h.log, h.metrics)
		h.mu.Lock()
		if existing := h.rooms[id]; existing != nil {
			h.mu.Unlock()
			return existing, nil
		}
		h.rooms[id] = r
		h.mu.Unlock()

		h.metrics.RoomsActive.Inc()
		h.log.Info("room created", "documentId", id, "chars", doc.Len())
		h.publish(events.RoomCreated, id)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (h *Hub) load(ctx context.Context, id string) (*crdt.Doc, error) {
	raw, err := h.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return crdt.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	doc, err := crdt.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot: %w", err)
	}
	return doc, nil
}

// Remove drops r from the registry if it is still the live room for its
// document and has no participants. A removed room rejects further joins.
func (h *Hub) Remove(r *Room) bool {
	h.mu.Lock()
	if h.rooms[r.ID] != r {
		h.mu.Unlock()
		return false
	}
	r.mu.Lock()
	if len(r.clients) > 0 {
		r.mu.Unlock()
		h.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()
	delete(h.rooms, r.ID)
	h.mu.Unlock()

	h.metrics.RoomsActive.Dec()
	h.log.Info("room removed", "documentId", r.ID)
	h.publish(events.RoomDestroyed, r.ID)
	return true
}

// Idle lists rooms that have been empty for at least grace.
func (h *Hub) Idle(grace time.Duration) []*Room {
	now := time.Now()
	var out []*Room
	for _, r := range h.Rooms() {
		if d := r.idleFor(now); d > 0 && d >= grace {
			out = append(out, r)
		}
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Rooms returns the live rooms ordered by document id.
func (h *Hub) Rooms() []*Room {
	h.mu.RLock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetDoc returns a read-only view of a live room.
func (h *Hub) GetDoc(id string) (models.DocumentView, bool) {
	r := h.Get(id)
	if r == nil {
		return models.DocumentView{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.DocumentView{
		DocumentID:   r.ID,
		Text:         r.doc.Text(),
		Version:      r.doc.Version(),
		Participants: r.participantsLocked(),
	}, true
}

// Summaries lists live rooms with their participant counts.
func (h *Hub) Summaries() []models.RoomSummary {
	rooms := h.Rooms()
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, models.RoomSummary{DocumentID: r.ID, Participants: r.GetClientCount()})
	}
	return out
}

func (h *Hub) publish(kind, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	ev := events.RoomEvent{Type: kind, DocumentID: id, InstanceID: h.instanceID, At: time.Now().UTC()}
	if err := h.events.Publish(ctx, ev); err != nil {
		h.log.Warn("failed to publish room event", "event", kind, "documentId", id, "error", err)
	}
}
