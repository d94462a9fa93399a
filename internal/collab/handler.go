// Package collab implements the sync protocol: joining and leaving documents,
// relaying deltas and cursors, full syncs, and reclaiming empty rooms.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/crdt"
	"docsync/internal/models"
	"docsync/internal/persist"
	"docsync/internal/session"
	"docsync/internal/utils"
)

// joinAttempts bounds how often Join retries after racing a room removal.
const joinAttempts = 3

var (
	errNoDocument = errors.New("documentId is required")
	errNotJoined  = errors.New("session has not joined this document")
)

type Options struct {
	// RoomGracePeriod is how long a room must have been empty before the
	// reaper reclaims it.
	RoomGracePeriod time.Duration
}

type Handler struct {
	hub       *session.Hub
	scheduler *persist.Scheduler
	opts      Options
	log       *utils.Logger

	// beforeRoomJoin runs between the registry lookup and the room join. Tests
	// use it to remove the room in that window.
	beforeRoomJoin func(*session.Room)
}

func New(hub *session.Hub, scheduler *persist.Scheduler, opts Options, log *utils.Logger) *Handler {
	return &Handler{hub: hub, scheduler: scheduler, opts: opts, log: log}
}

// Join makes c a participant of the requested document. The joined reply with
// the full state is sent by the room before anyone else can observe the new
// participant. A session already in another document leaves it first.
func (h *Handler) Join(ctx context.Context, c *session.Client, req models.JoinDocument) (*models.JoinResult, error) {
	if req.DocumentID == "" {
		return nil, models.NewSyncError(models.CodeBadRequest, "", errNoDocument)
	}
	if cur := c.Room(); cur != nil {
		if cur.ID == req.DocumentID {
			out, err := cur.Join(c)
			if err == nil {
				return &out.Result, nil
			}
		}
		h.leaveRoom(ctx, c, cur)
	}
	// The identity is fixed while in a room, so it is applied after leaving.
	if req.Identity != nil {
		c.SetIdentity(*req.Identity)
	}

	if err := c.BeginJoin(); err != nil {
		return nil, models.NewSyncError(models.CodeSessionClosed, req.DocumentID, err)
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		room, err := h.hub.GetOrCreate(ctx, req.DocumentID)
		if err != nil {
			c.AbortJoin()
			h.log.Error("room unavailable", "documentId", req.DocumentID, "error", err)
			return nil, err
		}
		if h.beforeRoomJoin != nil {
			h.beforeRoomJoin(room)
		}
		out, err := room.Join(c)
		if errors.Is(err, session.ErrRoomClosed) {
			// Removed between lookup and join; the registry will hand out a new one.
			continue
		}
		if err != nil {
			c.AbortJoin()
			return nil, models.NewSyncError(models.CodeRoomUnavailable, req.DocumentID, err)
		}
		if out.Replaced != nil {
			h.log.Info("session replaced", "documentId", room.ID, "userId", c.UserID(),
				"old", out.Replaced.ID, "new", c.ID)
		}
		h.log.Info("joined document", "documentId", room.ID, "userId", c.UserID(), "connectionId", c.ID)
		return &out.Result, nil
	}
	c.AbortJoin()
	return nil, models.NewSyncError(models.CodeRoomUnavailable, req.DocumentID,
		fmt.Errorf("room kept closing after %d attempts", joinAttempts))
}

// Leave removes c from the document. Leaving a document the session is not
// in is a no-op.
func (h *Handler) Leave(ctx context.Context, c *session.Client, req models.LeaveDocument) *models.LeaveResult {
	if room := c.Room(); room != nil && (req.DocumentID == "" || room.ID == req.DocumentID) {
		h.leaveRoom(ctx, c, room)
	}
	return &models.LeaveResult{DocumentID: req.DocumentID}
}

func (h *Handler) leaveRoom(ctx context.Context, c *session.Client, room *session.Room) {
	remaining, left := room.Leave(c)
	if !left {
		return
	}
	h.log.Info("left document", "documentId", room.ID, "userId", c.UserID(), "remaining", remaining)
	if remaining == 0 {
		h.reclaim(ctx, room)
	}
}

// reclaim saves an empty room and drops it from the registry. When the save
// fails the room stays registered with a save re-armed, and the reaper tries
// again later.
func (h *Handler) reclaim(ctx context.Context, room *session.Room) bool {
	if err := h.scheduler.FlushNow(ctx, room); err != nil {
		h.log.Error("final save failed; keeping room", "documentId", room.ID, "error", err)
		h.scheduler.Schedule(room)
		return false
	}
	if !h.hub.Remove(room) {
		// Someone joined in the meantime.
		return false
	}
	h.scheduler.Forget(room)
	return true
}

// ApplyUpdate merges a delta from c into its room and relays it to the other
// participants. Rejected deltas leave the room untouched and are reported to
// c alone.
func (h *Handler) ApplyUpdate(_ context.Context, c *session.Client, req models.SyncUpdate) error {
	room, err := h.joinedRoom(c, req.DocumentID)
	if err != nil {
		return err
	}

	applied, err := room.Merge(c, req.Delta)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRoomClosed), errors.Is(err, session.ErrNotParticipant):
		return models.NewSyncError(models.CodeNotJoined, req.DocumentID, err)
	default:
		h.log.Warn("delta rejected", "documentId", room.ID, "connectionId", c.ID, "error", err)
		se := models.NewSyncError(models.CodeMergeRejected, req.DocumentID, err)
		se.Resync = errors.Is(err, crdt.ErrUnknownDependency)
		return se
	}
	if applied > 0 {
		h.scheduler.Schedule(room)
	}
	return nil
}

// UpdateCursor relays c's cursor. Events above the session's rate are dropped.
func (h *Handler) UpdateCursor(_ context.Context, c *session.Client, req models.CursorPosition) error {
	room, err := h.joinedRoom(c, req.DocumentID)
	if err != nil {
		return err
	}
	if !c.AllowCursor() {
		return nil
	}
	if err := room.UpdateCursor(c, req.Cursor); err != nil {
		return models.NewSyncError(models.CodeNotJoined, req.DocumentID, err)
	}
	return nil
}

// RequestFullSync replies with the room's full state, plus the ops missing
// from req.Since when the client sent its state vector.
func (h *Handler) RequestFullSync(_ context.Context, c *session.Client, req models.RequestFullSync) (*models.FullSync, error) {
	room, err := h.joinedRoom(c, req.DocumentID)
	if err != nil {
		return nil, err
	}
	var since crdt.StateVector
	if req.Since != nil {
		since = crdt.StateVector(req.Since)
	}
	out, err := room.SendFullSync(c, since)
	if err != nil {
		return nil, models.NewSyncError(models.CodeNotJoined, req.DocumentID, err)
	}
	return &out, nil
}

// Disconnect tears down a session whose transport has gone away, leaving its
// room implicitly.
func (h *Handler) Disconnect(ctx context.Context, c *session.Client) {
	if room := c.Room(); room != nil {
		h.leaveRoom(ctx, c, room)
	}
	c.Close()
}

// Reap reclaims rooms that have been empty for longer than the grace period,
// e.g. rooms nobody joined after creation or whose final save failed.
func (h *Handler) Reap(ctx context.Context) int {
	reclaimed := 0
	for _, room := range h.hub.Idle(h.opts.RoomGracePeriod) {
		if h.reclaim(ctx, room) {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		h.log.Info("reaped idle rooms", "count", reclaimed)
	}
	return reclaimed
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (h *Handler) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap(ctx)
		}
	}
}

func (h *Handler) joinedRoom(c *session.Client, documentID string) (*session.Room, error) {
	room := c.Room()
	if room == nil || (documentID != "" && room.ID != documentID) {
		return nil, models.NewSyncError(models.CodeNotJoined, documentID, errNotJoined)
	}
	return room, nil
}
