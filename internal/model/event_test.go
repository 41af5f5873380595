package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	readAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := &Notification{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Kind:      KindAlert,
		Title:     "disk almost full",
		CreatedAt: readAt.Add(-time.Hour),
	}
	n.SetRead(true, readAt)

	decoded, err := PayloadFrom(n).Notification(time.Now())
	require.NoError(t, err)

	assert.Equal(t, n.ID, decoded.ID)
	assert.Equal(t, n.UserID, decoded.UserID)
	assert.Equal(t, KindAlert, decoded.Kind)
	assert.True(t, decoded.Read)
	require.NotNil(t, decoded.ReadAt)
	assert.Equal(t, readAt.UnixMilli(), decoded.ReadAt.UnixMilli())
	assert.Equal(t, n.CreatedAt.UnixMilli(), decoded.CreatedAt.UnixMilli())
}

func TestPayloadUnknownKindBecomesSystem(t *testing.T) {
	p := NotificationPayload{
		ID:     uuid.NewString(),
		UserID: uuid.NewString(),
		Kind:   "telemetry",
	}
	n, err := p.Notification(time.Now())
	require.NoError(t, err)
	assert.Equal(t, KindSystem, n.Kind)

	p.Kind = ""
	n, err = p.Notification(time.Now())
	require.NoError(t, err)
	assert.Equal(t, KindSystem, n.Kind)

	p.Kind = "ALERT"
	n, err = p.Notification(time.Now())
	require.NoError(t, err)
	assert.Equal(t, KindAlert, n.Kind)
}

func TestPayloadMissingTimestampUsesReceiptTime(t *testing.T) {
	received := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	p := NotificationPayload{ID: uuid.NewString(), UserID: uuid.NewString()}

	n, err := p.Notification(received)
	require.NoError(t, err)
	assert.Equal(t, received, n.CreatedAt)
}

func TestPayloadReadWithoutReadAtRestoresCoupling(t *testing.T) {
	received := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	read := true
	p := NotificationPayload{
		ID:     uuid.NewString(),
		UserID: uuid.NewString(),
		Read:   &read,
	}

	n, err := p.Notification(received)
	require.NoError(t, err)
	assert.True(t, n.Read)
	require.NotNil(t, n.ReadAt)
	assert.Equal(t, received, *n.ReadAt)
}

func TestPayloadUnreadHasNoReadAt(t *testing.T) {
	p := NotificationPayload{ID: uuid.NewString(), UserID: uuid.NewString()}
	n, err := p.Notification(time.Now())
	require.NoError(t, err)
	assert.False(t, n.Read)
	assert.Nil(t, n.ReadAt)
}

func TestPayloadRejectsBadIdentifiers(t *testing.T) {
	_, err := NotificationPayload{ID: "nope", UserID: uuid.NewString()}.Notification(time.Now())
	assert.Error(t, err)

	_, err = NotificationPayload{ID: uuid.NewString(), UserID: "nope"}.Notification(time.Now())
	assert.Error(t, err)
}

func TestBulkDeletePayloadForms(t *testing.T) {
	var p BulkDeletePayload
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &p))
	assert.Equal(t, []string{"a", "b"}, p.IDs)

	p = BulkDeletePayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"ids":["c"]}`), &p))
	assert.Equal(t, []string{"c"}, p.IDs)

	p = BulkDeletePayload{}
	assert.Error(t, json.Unmarshal([]byte(`42`), &p))
}

func TestNewBroadcastWrapsPayload(t *testing.T) {
	n := &Notification{ID: uuid.New(), UserID: uuid.New(), Kind: KindMessage, CreatedAt: time.Now()}
	rooms := []string{UserRoom(n.UserID)}

	event, err := NewBroadcast(EventNotificationNew, rooms, PayloadFrom(n))
	require.NoError(t, err)
	assert.Equal(t, EventNotificationNew, event.EventType)

	var broadcast BroadcastEvent
	require.NoError(t, json.Unmarshal(event.Payload, &broadcast))
	assert.Equal(t, rooms, broadcast.Rooms)

	var payload NotificationPayload
	require.NoError(t, json.Unmarshal(broadcast.Data, &payload))
	assert.Equal(t, n.ID.String(), payload.ID)
}

func TestViewerVisibility(t *testing.T) {
	id := uuid.New()
	member := NewViewer(id, "member")
	assert.True(t, member.CanSee(id))
	assert.False(t, member.CanSee(uuid.New()))
	assert.False(t, member.ViewAll)

	root := NewViewer(uuid.New(), RoleRoot)
	assert.True(t, root.ViewAll)
	assert.True(t, root.CanSee(uuid.New()))
}

func TestRoomNames(t *testing.T) {
	id := uuid.MustParse("6f1d2f3a-0000-4000-8000-000000000001")
	assert.Equal(t, "user:6f1d2f3a-0000-4000-8000-000000000001", UserRoom(id))
	assert.Equal(t, "role:root", RoleRoom("root"))
}
