package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"docsync/internal/collab"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/session"
	"docsync/internal/utils"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
)

type Options struct {
	Client session.Options
	// JWTSecret verifies ?token= identities. Tokens are ignored when empty.
	JWTSecret string
}

type Handlers struct {
	log     *utils.Logger
	hub     *session.Hub
	sync    *collab.Handler
	metrics *metrics.Metrics
	opts    Options
}

func NewHandlers(log *utils.Logger, hub *session.Hub, sync *collab.Handler, m *metrics.Metrics, opts Options) *Handlers {
	return &Handlers{log: log, hub: hub, sync: sync, metrics: m, opts: opts}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// GetDocument shows the live state of a document held in memory.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := h.hub.GetDoc(id)
	if !ok {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "document is not open"})
		return
	}
	writeJSON(w, view)
}

func (h *Handlers) ListRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.hub.Summaries())
}

/*** Sync WebSocket ***/
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identify(r)
	if err != nil {
		h.log.Warn("rejected connection", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := session.NewClient(conn, h.opts.Client)
	if identity != nil {
		client.Verify(*identity)
	}
	log := h.log.With("connectionId", client.ID)
	log.Info("session connected", "userId", client.UserID())

	h.metrics.SessionsActive.Inc()
	go client.WritePump()
	defer func() {
		// The final save must not be cut short by the request going away.
		h.sync.Disconnect(context.Background(), client)
		h.metrics.SessionsActive.Dec()
		log.Info("session disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame models.InboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			_ = client.Send(models.ErrorFrame(models.NewSyncError(models.CodeBadRequest, "", err)))
			continue
		}
		if err := h.dispatch(ctx, client, frame); err != nil {
			log.Debug("request failed", "type", frame.Type, "error", err)
			_ = client.Send(models.ErrorFrame(err))
		}
	}
}

// dispatch routes one inbound frame. Replies that must be ordered with room
// broadcasts (joined, full-sync) are sent by the room itself.
func (h *Handlers) dispatch(ctx context.Context, c *session.Client, frame models.InboundFrame) error {
	switch frame.Type {
	case models.TypeJoinDocument:
		var req models.JoinDocument
		if err := frame.Decode(&req); err != nil {
			return err
		}
		_, err := h.sync.Join(ctx, c, req)
		return err

	case models.TypeLeaveDocument:
		var req models.LeaveDocument
		if len(frame.Data) > 0 {
			if err := frame.Decode(&req); err != nil {
				return err
			}
		}
		res := h.sync.Leave(ctx, c, req)
		_ = c.Send(models.WSFrame{Type: models.TypeLeft, Data: res})
		return nil

	case models.TypeSyncUpdate:
		var req models.SyncUpdate
		if err := frame.Decode(&req); err != nil {
			return err
		}
		return h.sync.ApplyUpdate(ctx, c, req)

	case models.TypeCursorPosition:
		var req models.CursorPosition
		if err := frame.Decode(&req); err != nil {
			return err
		}
		return h.sync.UpdateCursor(ctx, c, req)

	case models.TypeRequestFullSync:
		var req models.RequestFullSync
		if len(frame.Data) > 0 {
			if err := frame.Decode(&req); err != nil {
				return err
			}
		}
		_, err := h.sync.RequestFullSync(ctx, c, req)
		return err

	default:
		return models.NewSyncError(models.CodeUnknownType, "", fmt.Errorf("unknown frame type %q", frame.Type))
	}
}

// identify returns the verified identity carried by the request, or nil for
// an anonymous connection.
func (h *Handlers) identify(r *http.Request) (*models.Identity, error) {
	if h.opts.JWTSecret == "" {
		return nil, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		var err error
		if token, err = utils.ExtractTokenFromHeader(r.Header.Get("Authorization")); err != nil {
			return nil, nil
		}
	}
	claims, err := utils.ValidateIdentityToken(token, []byte(h.opts.JWTSecret))
	if err != nil {
		return nil, err
	}
	return &models.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
