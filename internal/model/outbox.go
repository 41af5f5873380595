package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEvent is a broadcast recorded in the same transaction as the
// notification write it describes. The worker drains these and publishes
// them to the room channels, giving the event path at-least-once
// delivery.
type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       string          `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// NewBroadcast builds an outbox event carrying data to the given rooms.
func NewBroadcast(eventType string, rooms []string, data any) (*OutboxEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(BroadcastEvent{Rooms: rooms, Data: raw})
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{EventType: eventType, Payload: payload}, nil
}
