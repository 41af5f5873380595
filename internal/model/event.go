package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names carried over the room channels.
const (
	EventNotificationNew          = "notification:new"
	EventNotificationUpdated      = "notification:updated"
	EventNotificationAdmin        = "notification:admin"
	EventNotificationsSync        = "notifications:sync"
	EventNotificationDeleted      = "notification:deleted"
	EventNotificationsBulkDeleted = "notifications:deleted"
)

// Envelope is the message published on a room channel: the event name
// plus its raw payload. The hub dispatches on Event without inspecting
// Data.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// BroadcastEvent is what the outbox stores for the worker to publish:
// one envelope fanned out to a set of rooms.
type BroadcastEvent struct {
	Rooms []string        `json:"rooms"`
	Data  json.RawMessage `json:"data"`
}

// NotificationPayload is the wire shape of a single-notification event
// and of API responses. Timestamps travel as epoch milliseconds.
type NotificationPayload struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Kind        string         `json:"kind,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Read        *bool          `json:"read,omitempty"`
	Timestamp   int64          `json:"timestamp,omitempty"`
	ReadAt      int64          `json:"read_at,omitempty"`
	ActionURL   string         `json:"action_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PayloadFrom flattens a notification into its wire shape.
func PayloadFrom(n *Notification) NotificationPayload {
	p := NotificationPayload{
		ID:          n.ID.String(),
		UserID:      n.UserID.String(),
		Kind:        string(n.Kind),
		Title:       n.Title,
		Description: n.Description,
		Read:        &n.Read,
		Timestamp:   n.CreatedAt.UnixMilli(),
		ActionURL:   n.ActionURL,
		Metadata:    n.Metadata,
	}
	if n.ReadAt != nil {
		p.ReadAt = n.ReadAt.UnixMilli()
	}
	return p
}

// Notification converts a wire payload into the local shape, applying
// the documented fallbacks: a missing or unknown kind becomes system, a
// missing timestamp becomes the receipt time, and the read/ReadAt
// coupling is restored if the payload omits read_at.
func (p NotificationPayload) Notification(receivedAt time.Time) (*Notification, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:          id,
		UserID:      userID,
		Kind:        NormalizeKind(p.Kind),
		Title:       p.Title,
		Description: p.Description,
		ActionURL:   p.ActionURL,
		Metadata:    p.Metadata,
		CreatedAt:   receivedAt,
	}
	if p.Timestamp > 0 {
		n.CreatedAt = time.UnixMilli(p.Timestamp)
	}
	if p.Read != nil && *p.Read {
		at := receivedAt
		if p.ReadAt > 0 {
			at = time.UnixMilli(p.ReadAt)
		}
		n.SetRead(true, at)
	}
	return n, nil
}

// DeletePayload is the wire shape of notification:deleted.
type DeletePayload struct {
	ID string `json:"id"`
}

// BulkDeletePayload accepts both wire forms of notifications:deleted, a
// bare array of IDs or an object with an ids field.
type BulkDeletePayload struct {
	IDs []string `json:"ids"`
}

func (p *BulkDeletePayload) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err == nil {
		p.IDs = ids
		return nil
	}
	type alias BulkDeletePayload
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	p.IDs = a.IDs
	return nil
}
