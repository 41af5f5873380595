package model

import "github.com/google/uuid"

// RoleRoot is the single designated administrative identity allowed to
// view and act on every user's notifications. Other roles, including
// lesser admins, only ever see their own.
const RoleRoot = "root"

// Viewer identifies the actor a cache or session belongs to.
type Viewer struct {
	ID      uuid.UUID `json:"id"`
	Role    string    `json:"role"`
	ViewAll bool      `json:"view_all"`
}

// NewViewer derives the view-all capability from the role.
func NewViewer(id uuid.UUID, role string) Viewer {
	return Viewer{ID: id, Role: role, ViewAll: role == RoleRoot}
}

// CanSee reports whether a notification owned by userID is visible to
// the viewer. This is the same rule the server enforces on fetch; the
// client applies it again on every inbound event.
func (v Viewer) CanSee(userID uuid.UUID) bool {
	return v.ViewAll || v.ID == userID
}

// UserRoom and RoleRoom name the broadcast rooms a connection joins.
func UserRoom(id uuid.UUID) string { return "user:" + id.String() }
func RoleRoom(role string) string  { return "role:" + role }
