// Package events announces room lifecycle changes to other services.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"docsync/internal/utils"
)

const (
	RoomCreated   = "room_created"
	RoomDestroyed = "room_destroyed"
)

// RoomEvent is published whenever the registry creates or removes a room.
type RoomEvent struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	InstanceID string    `json:"instanceId"`
	At         time.Time `json:"at"`
}

// Publisher delivers lifecycle events. Publishing is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev RoomEvent) error
}

// NewInstanceID identifies this process in published events.
func NewInstanceID() string { return uuid.NewString() }

// LogPublisher only logs events. Used when no broker is configured.
type LogPublisher struct {
	log *utils.Logger
}

func NewLogPublisher(log *utils.Logger) *LogPublisher { return &LogPublisher{log: log} }

func (p *LogPublisher) Publish(_ context.Context, ev RoomEvent) error {
	p.log.Info("room lifecycle", "event", ev.Type, "documentId", ev.DocumentID, "instanceId", ev.InstanceID)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, RoomEvent) error { return nil }
