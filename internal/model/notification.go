package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of notification categories.
type Kind string

const (
	KindMessage      Kind = "message"
	KindSystem       Kind = "system"
	KindAnnouncement Kind = "announcement"
	KindAlert        Kind = "alert"
	KindWarning      Kind = "warning"
	KindSuccess      Kind = "success"
	KindInfo         Kind = "info"
)

// NormalizeKind maps a wire value onto the closed kind set. Matching is
// case-insensitive; anything unknown or empty becomes KindSystem.
func NormalizeKind(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindMessage, KindSystem, KindAnnouncement, KindAlert, KindWarning, KindSuccess, KindInfo:
		return k
	default:
		return KindSystem
	}
}

// Notification is an in-app notification owned by exactly one user.
// Read and ReadAt are coupled: read implies ReadAt is set, unread implies
// it is nil. Code that synthesizes or merges notifications must keep the
// coupling intact.
type Notification struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	UserID      uuid.UUID      `json:"user_id" db:"user_id"`
	Kind        Kind           `json:"kind" db:"kind"`
	Title       string         `json:"title" db:"title"`
	Description string         `json:"description,omitempty" db:"description"`
	Read        bool           `json:"read" db:"read"`
	ReadAt      *time.Time     `json:"read_at,omitempty" db:"read_at"`
	ActionURL   string         `json:"action_url,omitempty" db:"action_url"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty" db:"expires_at"`

	// RawMetadata carries the serialized metadata column; Metadata is the
	// decoded form used everywhere else.
	RawMetadata []byte `json:"-" db:"metadata"`
}

// SetRead flips the read flag while preserving the read/ReadAt coupling.
func (n *Notification) SetRead(read bool, at time.Time) {
	n.Read = read
	if read {
		n.ReadAt = &at
	} else {
		n.ReadAt = nil
	}
}

// DecodeMetadata populates Metadata from the raw column value.
func (n *Notification) DecodeMetadata() error {
	if len(n.RawMetadata) == 0 {
		return nil
	}
	return json.Unmarshal(n.RawMetadata, &n.Metadata)
}

// ListOptions scopes a paginated notification fetch. The server always
// restricts results to the authenticated owner; UserID is only honored
// when the caller is the root identity.
type ListOptions struct {
	UserID     uuid.UUID
	Limit      int
	Offset     int
	UnreadOnly bool
}

// NotificationPage is one query's worth of results plus the counts a
// client needs to keep its local window honest.
type NotificationPage struct {
	Items   []*Notification `json:"data"`
	Total   int             `json:"total"`
	Unread  int             `json:"unread"`
	HasMore bool            `json:"has_more"`
}

type CreateNotificationRequest struct {
	UserID      string         `json:"user_id" binding:"omitempty,uuid" validate:"required,uuid"`
	Role        string         `json:"role" binding:"omitempty,max=64" validate:"omitempty,max=64"`
	Kind        string         `json:"kind" binding:"omitempty,max=32" validate:"omitempty,max=32"`
	Title       string         `json:"title" binding:"required,max=255" validate:"required,max=255"`
	Description string         `json:"description" binding:"omitempty,max=2000" validate:"omitempty,max=2000"`
	ActionURL   string         `json:"action_url" binding:"omitempty,max=2048" validate:"omitempty,max=2048"`
	Metadata    map[string]any `json:"metadata"`
	ExpiresAt   *time.Time     `json:"expires_at"`
}
