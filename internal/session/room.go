package session

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"docsync/internal/crdt"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/utils"
)

var (
	// ErrRoomClosed is returned by a room that the registry already removed.
	// Callers go back to the registry for a fresh one.
	ErrRoomClosed = errors.New("room closed")

	ErrNotParticipant = errors.New("session is not a participant of this room")
)

// Room holds the authoritative document and the participants of one document.
// Its mutex is the single writer: merges, joins, leaves and the fan-out they
// trigger happen one at a time and in one order for every recipient.
type Room struct {
	ID string

	mu         sync.Mutex
	clients    map[string]*Client // by user id
	doc        *crdt.Doc
	rev        uint64
	closed     bool
	emptySince time.Time

	log     *utils.Logger
	metrics *metrics.Metrics
}

func NewRoom(id string, doc *crdt.Doc, log *utils.Logger, m *metrics.Metrics) *Room {
	if doc == nil {
		doc = crdt.New()
	}
	return &Room{
		ID:         id,
		clients:    make(map[string]*Client),
		doc:        doc,
		emptySince: time.Now(),
		log:        log.With("documentId", id),
		metrics:    m,
	}
}

// JoinOutcome reports what Join did besides sending the joined reply.
type JoinOutcome struct {
	Result models.JoinResult
	// Rejoined is set when the session was already a participant.
	Rejoined bool
	// Replaced is the earlier session of the same user that was displaced.
	Replaced *Client
}

// Join adds c as a participant and replies with the full state and the other
// participants. A second session of the same user takes over the slot and the
// first one is told so.
func (r *Room) Join(c *Client) (JoinOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return JoinOutcome{}, ErrRoomClosed
	}

	userID := c.UserID()
	prev := r.clients[userID]
	out := JoinOutcome{Rejoined: prev == c}
	if !out.Rejoined {
		r.clients[userID] = c
		c.attach(r)
		if prev != nil {
			out.Replaced = prev
			prev.detach(r)
			r.deliver(prev, models.ErrorFrame(models.NewSyncError(models.CodeSessionClosed, r.ID,
				errors.New("replaced by a newer session of the same user"))))
		}
	}

	out.Result = models.JoinResult{
		DocumentID:   r.ID,
		FullState:    r.doc.Snapshot(),
		Participants: r.othersLocked(c.ID),
		Self:         c.Participant(),
	}
	r.deliver(c, models.WSFrame{Type: models.TypeJoined, Data: out.Result})
	if !out.Rejoined {
		r.broadcastLocked(models.WSFrame{
			Type: models.TypeParticipantJoined,
			Data: models.ParticipantEvent{DocumentID: r.ID, Participant: c.Participant()},
		}, c.ID)
	}
	return out, nil
}

// Leave removes c. It reports the remaining participant count and whether c
// was a participant at all.
func (r *Room) Leave(c *Client) (remaining int, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := c.UserID()
	if r.clients[userID] != c {
		return len(r.clients), false
	}
	delete(r.clients, userID)
	c.detach(r)
	if len(r.clients) == 0 {
		r.emptySince = time.Now()
	}
	r.broadcastLocked(models.WSFrame{
		Type: models.TypeParticipantLeft,
		Data: models.ParticipantEvent{DocumentID: r.ID, Participant: c.Participant()},
	}, c.ID)
	return len(r.clients), true
}

// Merge applies a delta sent by from and relays it verbatim to everyone else.
// Deltas that add nothing new are not relayed.
func (r *Room) Merge(from *Client, delta []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRoomClosed
	}
	if r.clients[from.UserID()] != from {
		return 0, ErrNotParticipant
	}

	applied, err := r.doc.Merge(delta)
	if err != nil {
		r.metrics.Merges.WithLabelValues(metrics.MergeRejected).Inc()
		return 0, err
	}
	if applied == 0 {
		r.metrics.Merges.WithLabelValues(metrics.MergeDuplicate).Inc()
		return 0, nil
	}
	r.metrics.Merges.WithLabelValues(metrics.MergeApplied).Inc()
	r.rev++
	r.broadcastLocked(models.WSFrame{
		Type: models.TypeSyncUpdate,
		Data: models.DeltaBroadcast{DocumentID: r.ID, Delta: delta, From: from.ID},
	}, from.ID)
	return applied, nil
}

// UpdateCursor records from's cursor and relays it. Cursors are never persisted.
func (r *Room) UpdateCursor(from *Client, cursor json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if r.clients[from.UserID()] != from {
		return ErrNotParticipant
	}
	from.setCursor(cursor)
	r.broadcastLocked(models.WSFrame{
		Type: models.TypeCursorUpdate,
		Data: models.CursorUpdate{
			DocumentID:   r.ID,
			UserID:       from.UserID(),
			ConnectionID: from.ID,
			Cursor:       cursor,
		},
	}, from.ID)
	return nil
}

// SendFullSync replies to c with the full state and, when since is given, the
// ops missing from it.
func (r *Room) SendFullSync(c *Client, since crdt.StateVector) (models.FullSync, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.UserID()] != c {
		return models.FullSync{}, ErrNotParticipant
	}
	out := models.FullSync{
		DocumentID: r.ID,
		FullState:  r.doc.Snapshot(),
		Version:    r.doc.Version(),
	}
	if since != nil {
		out.Delta = r.doc.DeltaSince(since)
	}
	r.deliver(c, models.WSFrame{Type: models.TypeFullSync, Data: out})
	return out, nil
}

// Broadcast sends frame to every participant except the connection excludeID.
func (r *Room) Broadcast(frame models.WSFrame, excludeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(frame, excludeID)
}

func (r *Room) broadcastLocked(frame models.WSFrame, excludeID string) {
	for _, c := range r.clients {
		if c.ID == excludeID {
			continue
		}
		r.deliver(c, frame)
	}
}

// deliver never blocks. A recipient that cannot take the frame has fallen
// behind the document, so its session is closed and the client must rejoin.
func (r *Room) deliver(c *Client, frame models.WSFrame) {
	err := c.Send(frame)
	if err == nil {
		return
	}
	r.metrics.BroadcastDropped.Inc()
	r.log.Warn("delivery failed",
		"code", models.CodeDeliveryFailed,
		"connectionId", c.ID,
		"frameType", frame.Type,
		"error", err)
	if errors.Is(err, ErrSendQueueFull) {
		c.Close()
	}
}

// DocumentID and Snapshot let the persistence scheduler save the room.
func (r *Room) DocumentID() string { return r.ID }

func (r *Room) Snapshot() (uint64, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rev, r.doc.Snapshot()
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

func (r *Room) Version() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Version()
}

// Participants lists the participants ordered by user id.
func (r *Room) Participants() []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

func (r *Room) participantsLocked() []models.Participant { return r.othersLocked("") }

// othersLocked lists every participant except the connection excludeID.
func (r *Room) othersLocked(excludeID string) []models.Participant {
	out := make([]models.Participant, 0, len(r.clients))
	for _, c := range r.clients {
		if c.ID == excludeID {
			continue
		}
		out = append(out, c.Participant())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) GetClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// idleFor reports how long the room has been empty, or zero if it is not.
func (r *Room) idleFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 || r.closed {
		return 0
	}
	return now.Sub(r.emptySince)
}
