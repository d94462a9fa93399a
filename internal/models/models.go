package models

import (
	"encoding/json"
)

// Client → server frame types.
const (
	TypeJoinDocument    = "join-document"
	TypeLeaveDocument   = "leave-document"
	TypeSyncUpdate      = "sync-update"
	TypeCursorPosition  = "cursor-position"
	TypeRequestFullSync = "request-full-sync"
)

// Server → client frame types. sync-update is reused for the broadcast delta.
const (
	TypeJoined            = "joined"
	TypeLeft              = "left"
	TypeFullSync          = "full-sync"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeCursorUpdate      = "cursor-update"
	TypeError             = "error"
)

// WSFrame is the envelope for every message on the wire. Type selects the
// payload carried in Data.
type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundFrame is a WSFrame whose payload has not been decoded yet.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into v.
func (f InboundFrame) Decode(v any) error {
	if len(f.Data) == 0 {
		return NewSyncError(CodeBadRequest, "", errEmptyPayload)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return NewSyncError(CodeBadRequest, "", err)
	}
	return nil
}

/*** Identity ***/
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Participant is one entry of a room's participants mapping as seen by clients.
type Participant struct {
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId"`
	DisplayName  string          `json:"displayName"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
}

/*** Client requests ***/
type JoinDocument struct {
	DocumentID string    `json:"documentId"`
	Identity   *Identity `json:"identity,omitempty"`
}

type LeaveDocument struct {
	DocumentID string `json:"documentId"`
}

type SyncUpdate struct {
	DocumentID string `json:"documentId"`
	Delta      []byte `json:"delta"`
}

type CursorPosition struct {
	DocumentID string          `json:"documentId"`
	Cursor     json.RawMessage `json:"cursor"`
}

type RequestFullSync struct {
	DocumentID string `json:"documentId"`
	// Since is an optional state vector; when set the reply also carries the
	// delta of ops missing from it.
	Since map[string]uint64 `json:"since,omitempty"`
}

/*** Server replies and events ***/
type JoinResult struct {
	DocumentID   string        `json:"documentId"`
	FullState    []byte        `json:"fullState"`
	Participants []Participant `json:"participants"`
	Self         Participant   `json:"self"`
}

type LeaveResult struct {
	DocumentID string `json:"documentId"`
}

type FullSync struct {
	DocumentID string            `json:"documentId"`
	FullState  []byte            `json:"fullState"`
	Delta      []byte            `json:"delta,omitempty"`
	Version    map[string]uint64 `json:"version"`
}

type ParticipantEvent struct {
	DocumentID  string      `json:"documentId"`
	Participant Participant `json:"participant"`
}

type DeltaBroadcast struct {
	DocumentID string `json:"documentId"`
	Delta      []byte `json:"delta"`
	From       string `json:"from"`
}

type CursorUpdate struct {
	DocumentID   string          `json:"documentId"`
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
}

/*** HTTP views ***/
type DocumentView struct {
	DocumentID   string            `json:"documentId"`
	Text         string            `json:"text"`
	Version      map[string]uint64 `json:"version"`
	Participants []Participant     `json:"participants"`
}

type RoomSummary struct {
	DocumentID   string `json:"documentId"`
	Participants int    `json:"participants"`
}
