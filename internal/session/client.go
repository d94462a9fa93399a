package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"docsync/internal/models"
)

// Session states.
const (
	StateDisconnected = "disconnected" // connected, no room
	StateJoining      = "joining"
	StateJoined       = "joined"
	StateClosed       = "closed"
)

const (
	eventJoin       = "join"
	eventJoined     = "joined"
	eventJoinFailed = "join_failed"
	eventLeave      = "leave"
	eventClose      = "close"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	defaultSendBuffer = 256
	defaultCursorRate = 30
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrClientClosed  = errors.New("session closed")
)

type Options struct {
	SendBuffer int
	// CursorRate caps cursor events per second; burst equals the rate.
	CursorRate float64
}

// Client is one connected session. Outbound frames go through a bounded queue
// drained by WritePump so a slow connection never blocks a room.
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu       sync.Mutex
	hook     func(models.WSFrame)
	identity models.Identity
	verified bool
	room     *Room
	cursor   json.RawMessage

	state   *fsm.FSM
	limiter *rate.Limiter

	send      chan models.WSFrame
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.CursorRate <= 0 {
		opts.CursorRate = defaultCursorRate
	}
	burst := int(opts.CursorRate)
	if burst < 1 {
		burst = 1
	}

	id := uuid.NewString()
	return &Client{
		ID:       id,
		Conn:     conn,
		identity: models.Identity{UserID: "anon-" + id, DisplayName: "anonymous"},
		state: fsm.NewFSM(
			StateDisconnected,
			fsm.Events{
				{Name: eventJoin, Src: []string{StateDisconnected}, Dst: StateJoining},
				{Name: eventJoined, Src: []string{StateJoining}, Dst: StateJoined},
				{Name: eventJoinFailed, Src: []string{StateJoining}, Dst: StateDisconnected},
				{Name: eventLeave, Src: []string{StateJoined}, Dst: StateDisconnected},
				{Name: eventClose, Src: []string{StateDisconnected, StateJoining, StateJoined}, Dst: StateClosed},
			},
			fsm.Callbacks{},
		),
		limiter: rate.NewLimiter(rate.Limit(opts.CursorRate), burst),
		send:    make(chan models.WSFrame, opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues frame for delivery without blocking.
func (c *Client) Send(frame models.WSFrame) error {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(frame)
		return nil
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// WritePump writes queued frames to the connection until the client is closed
// or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Drain what is already queued, e.g. a final error frame.
			for {
				select {
				case frame := <-c.send:
					if c.write(frame) != nil {
						return
					}
				default:
					_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case frame := <-c.send:
			if c.write(frame) != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frame models.WSFrame) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(frame)
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.state.Event(context.Background(), eventClose)
		close(c.done)
	})
}

// Done is closed once the session has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) State() string { return c.state.Current() }

func (c *Client) Identity() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) UserID() string { return c.Identity().UserID }

// Verify pins the identity to one proven by a token. Later SetIdentity calls
// are ignored.
func (c *Client) Verify(id models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
	c.verified = true
}

// SetIdentity adopts a self-declared identity unless a verified one is set
// or the session is already in a room.
func (c *Client) SetIdentity(id models.Identity) {
	if id.UserID == "" {
		return
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verified || c.room != nil {
		return
	}
	c.identity = id
}

// Room is the room the session is in, if any.
func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) Cursor() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Client) setCursor(cursor json.RawMessage) {
	c.mu.Lock()
	c.cursor = cursor
	c.mu.Unlock()
}

// AllowCursor reports whether another cursor event fits the rate limit.
func (c *Client) AllowCursor() bool { return c.limiter.Allow() }

// BeginJoin moves the session into joining.
func (c *Client) BeginJoin() error {
	if err := c.state.Event(context.Background(), eventJoin); err != nil {
		if c.Closed() {
			return ErrClientClosed
		}
		return err
	}
	return nil
}

// AbortJoin returns a joining session to disconnected.
func (c *Client) AbortJoin() {
	_ = c.state.Event(context.Background(), eventJoinFailed)
}

// attach is called by the room, under its lock, once the session is a participant.
func (c *Client) attach(r *Room) {
	c.mu.Lock()
	c.room = r
	c.cursor = nil
	c.mu.Unlock()
	if c.state.Can(eventJoin) {
		_ = c.state.Event(context.Background(), eventJoin)
	}
	_ = c.state.Event(context.Background(), eventJoined)
}

// detach clears the current room if it is r.
func (c *Client) detach(r *Room) bool {
	c.mu.Lock()
	if c.room != r {
		c.mu.Unlock()
		return false
	}
	c.room = nil
	c.cursor = nil
	c.mu.Unlock()
	_ = c.state.Event(context.Background(), eventLeave)
	return true
}

// Participant describes the session as a room member.
func (c *Client) Participant() models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.Participant{
		UserID:       c.identity.UserID,
		ConnectionID: c.ID,
		DisplayName:  c.identity.DisplayName,
		Cursor:       c.cursor,
	}
}
