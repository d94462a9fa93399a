package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"docsync/internal/collab"
	"docsync/internal/crdt"
	"docsync/internal/metrics"
	"docsync/internal/models"
	"docsync/internal/persist"
	"docsync/internal/session"
	"docsync/internal/store"
	"docsync/internal/utils"
)

const testSecret = "test-secret"

type testEnv struct {
	hub    *session.Hub
	store  *store.MemoryStore
	server *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	log := utils.NewNopLogger()
	m := metrics.NewUnregistered()
	mem := store.NewMemoryStore()
	hub := session.NewHub(mem, nil, "test", log, m)
	sched := persist.New(mem, persist.Config{QuietPeriod: time.Hour, SaveTimeout: time.Second}, log, m)
	h := NewHandlers(log, hub, collab.New(hub, sched, collab.Options{}, log), m, opts)

	router := chi.NewRouter()
	router.Get("/ws", h.CollabWS)
	router.Get("/api/v1/documents/{id}", h.GetDocument)
	router.Get("/api/v1/rooms", h.ListRooms)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testEnv{hub: hub, store: mem, server: server}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	if err := conn.WriteJSON(models.WSFrame{Type: typ, Data: data}); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

func read(t *testing.T, conn *websocket.Conn) models.InboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame models.InboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expect(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	frame := read(t, conn)
	if frame.Type != typ {
		t.Fatalf("expected %s frame, got %s: %s", typ, frame.Type, frame.Data)
	}
	if v != nil {
		if err := json.Unmarshal(frame.Data, v); err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
	}
}

func TestHealth(t *testing.T) {
	h := &Handlers{}
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestCollabWSFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, "")
	bob := env.dial(t, "")

	send(t, alice, models.TypeJoinDocument, models.JoinDocument{DocumentID: "doc", Identity: &models.Identity{UserID: "alice"}})
	var joinedA models.JoinResult
	expect(t, alice, models.TypeJoined, &joinedA)
	if joinedA.DocumentID != "doc" || joinedA.Self.UserID != "alice" {
		t.Fatalf("unexpected join result %#v", joinedA)
	}

	send(t, bob, models.TypeJoinDocument, models.JoinDocument{DocumentID: "doc", Identity: &models.Identity{UserID: "bob"}})
	var joinedB models.JoinResult
	expect(t, bob, models.TypeJoined, &joinedB)
	if len(joinedB.Participants) != 1 || joinedB.Participants[0].UserID != "alice" {
		t.Fatalf("expected alice as the only other participant, got %#v", joinedB.Participants)
	}
	var announced models.ParticipantEvent
	expect(t, alice, models.TypeParticipantJoined, &announced)
	if announced.Participant.UserID != "bob" {
		t.Fatalf("unexpected participant %#v", announced)
	}

	doc, err := crdt.Load(joinedA.FullState)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	replica, _ := crdt.NewReplica("alice", doc)
	delta, _ := replica.Insert(0, "hi")
	send(t, alice, models.TypeSyncUpdate, models.SyncUpdate{DocumentID: "doc", Delta: delta})

	var relayed models.DeltaBroadcast
	expect(t, bob, models.TypeSyncUpdate, &relayed)
	if string(relayed.Delta) != string(delta) || relayed.From != joinedA.Self.ConnectionID {
		t.Fatalf("unexpected relay %#v", relayed)
	}

	// Alice never sees her own delta: the next thing she gets is her full sync.
	send(t, alice, models.TypeRequestFullSync, models.RequestFullSync{DocumentID: "doc"})
	var full models.FullSync
	expect(t, alice, models.TypeFullSync, &full)
	synced, _ := crdt.Load(full.FullState)
	if synced.Text() != "hi" {
		t.Fatalf("unexpected full state %q", synced.Text())
	}

	send(t, bob, models.TypeCursorPosition, models.CursorPosition{DocumentID: "doc", Cursor: json.RawMessage(`{"pos":1}`)})
	var cursor models.CursorUpdate
	expect(t, alice, models.TypeCursorUpdate, &cursor)
	if cursor.UserID != "bob" || string(cursor.Cursor) != `{"pos":1}` {
		t.Fatalf("unexpected cursor %#v", cursor)
	}

	send(t, alice, models.TypeSyncUpdate, models.SyncUpdate{DocumentID: "doc", Delta: []byte("junk")})
	var rejected models.ErrorPayload
	expect(t, alice, models.TypeError, &rejected)
	if rejected.Code != models.CodeMergeRejected || rejected.DocumentID != "doc" {
		t.Fatalf("unexpected error %#v", rejected)
	}

	send(t, bob, models.TypeLeaveDocument, models.LeaveDocument{DocumentID: "doc"})
	var left models.LeaveResult
	expect(t, bob, models.TypeLeft, &left)
	if left.DocumentID != "doc" {
		t.Fatalf("unexpected leave result %#v", left)
	}
	expect(t, alice, models.TypeParticipantLeft, nil)

	resp, err := http.Get(env.server.URL + "/api/v1/documents/doc")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	defer resp.Body.Close()
	var view models.DocumentView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Text != "hi" || len(view.Participants) != 1 {
		t.Fatalf("unexpected view %#v", view)
	}

	// Dropping the last connection reclaims the room and saves it once.
	alice.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room was not reclaimed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.store.Saves("doc"); got != 1 {
		t.Fatalf("expected one save, got %d", got)
	}
}

func TestCollabWSProtocolErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var payload models.ErrorPayload
	expect(t, conn, models.TypeError, &payload)
	if payload.Code != models.CodeBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %s", payload.Code)
	}

	send(t, conn, "bogus", nil)
	expect(t, conn, models.TypeError, &payload)
	if payload.Code != models.CodeUnknownType {
		t.Fatalf("expected UNKNOWN_TYPE, got %s", payload.Code)
	}

	send(t, conn, models.TypeSyncUpdate, models.SyncUpdate{DocumentID: "doc", Delta: []byte("{}")})
	expect(t, conn, models.TypeError, &payload)
	if payload.Code != models.CodeNotJoined {
		t.Fatalf("expected NOT_JOINED, got %s", payload.Code)
	}

	send(t, conn, models.TypeJoinDocument, nil)
	expect(t, conn, models.TypeError, &payload)
	if payload.Code != models.CodeBadRequest {
		t.Fatalf("expected BAD_REQUEST for empty join, got %s", payload.Code)
	}

	// Leaving without being in a room still gets an acknowledgement.
	send(t, conn, models.TypeLeaveDocument, nil)
	expect(t, conn, models.TypeLeft, nil)
}

func signToken(t *testing.T, claims utils.IdentityClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestCollabWSTokenIdentity(t *testing.T) {
	env := newTestEnv(t, Options{JWTSecret: testSecret})
	token := signToken(t, utils.IdentityClaims{UserID: "alice", DisplayName: "Alice"})
	conn := env.dial(t, "?token="+token)

	send(t, conn, models.TypeJoinDocument, models.JoinDocument{DocumentID: "doc", Identity: &models.Identity{UserID: "mallory"}})
	var joined models.JoinResult
	expect(t, conn, models.TypeJoined, &joined)
	if joined.Self.UserID != "alice" || joined.Self.DisplayName != "Alice" {
		t.Fatalf("token identity must win, got %#v", joined.Self)
	}
}

func TestCollabWSRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, Options{JWTSecret: testSecret})
	h := NewHandlers(utils.NewNopLogger(), env.hub, nil, metrics.NewUnregistered(), Options{JWTSecret: testSecret})

	rec := httptest.NewRecorder()
	h.CollabWS(rec, httptest.NewRequest(http.MethodGet, "/ws?token=not-a-jwt", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetDocumentNotOpen(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Get(env.server.URL + "/api/v1/documents/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListRooms(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.hub.GetOrCreate(context.Background(), "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.hub.GetOrCreate(context.Background(), "a"); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/rooms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var rooms []models.RoomSummary
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 2 || rooms[0].DocumentID != "a" {
		t.Fatalf("unexpected rooms %#v", rooms)
	}
}
