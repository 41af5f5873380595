package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-api/internal/model"
	"github.com/jwalitptl/notify-api/pkg/logger"
)

// fakeBroker is an in-process broker: one channel per room, delivery in
// publish order.
type fakeBroker struct {
	mu    sync.Mutex
	rooms map[string][]chan []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{rooms: make(map[string][]chan []byte)}
}

func (b *fakeBroker) Publish(ctx context.Context, room string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	b.mu.Lock()
	subs := append([]chan []byte{}, b.rooms[room]...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- payload
	}
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, room string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.rooms[room] = append(b.rooms[room], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.rooms[room] {
			if sub == ch {
				b.rooms[room] = append(b.rooms[room][:i], b.rooms[room][i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) subscriberCount(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[room])
}

type fakeReplay struct {
	items []*model.Notification
}

func (r *fakeReplay) ReplayUnread(ctx context.Context, userID uuid.UUID) ([]*model.Notification, error) {
	return r.items, nil
}

func newTestHub(t *testing.T, replay ReplayProvider) (*Hub, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	h := NewHub(broker, replay, logger.NewLogger(nil), nil)
	t.Cleanup(h.Shutdown)
	return h, broker
}

func publishEnvelope(t *testing.T, broker *fakeBroker, room, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), room, model.Envelope{
		Event: event,
		Data:  data,
	}))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

func TestJoinDeliversRoomEvents(t *testing.T) {
	h, broker := newTestHub(t, nil)
	viewer := model.NewViewer(uuid.New(), "member")

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	var mu sync.Mutex
	var got []json.RawMessage
	session.Subscribe(model.EventNotificationNew, func(data json.RawMessage) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})

	publishEnvelope(t, broker, model.UserRoom(viewer.ID), model.EventNotificationNew,
		model.NotificationPayload{ID: uuid.NewString(), UserID: viewer.ID.String()})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "event did not reach the session")
}

func TestRoleRoomDelivery(t *testing.T) {
	h, broker := newTestHub(t, nil)
	viewer := model.NewViewer(uuid.New(), model.RoleRoot)

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	var count int
	var mu sync.Mutex
	session.Subscribe(model.EventNotificationAdmin, func(json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	publishEnvelope(t, broker, model.RoleRoom(model.RoleRoot), model.EventNotificationAdmin,
		model.NotificationPayload{ID: uuid.NewString(), UserID: uuid.NewString()})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "role room event not delivered")
}

func TestEventsBufferedUntilSubscribe(t *testing.T) {
	h, broker := newTestHub(t, nil)
	viewer := model.NewViewer(uuid.New(), "member")

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	publishEnvelope(t, broker, model.UserRoom(viewer.ID), model.EventNotificationNew,
		model.NotificationPayload{ID: uuid.NewString(), UserID: viewer.ID.String()})

	// The event lands before any handler exists; Subscribe must flush it.
	waitFor(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.pending[model.EventNotificationNew]) == 1
	}, "event was not buffered")

	var got int
	session.Subscribe(model.EventNotificationNew, func(json.RawMessage) { got++ })
	assert.Equal(t, 1, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h, broker := newTestHub(t, nil)
	viewer := model.NewViewer(uuid.New(), "member")

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	var mu sync.Mutex
	var count int
	unsub := session.Subscribe(model.EventNotificationNew, func(json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()
	unsub() // second call is harmless

	publishEnvelope(t, broker, model.UserRoom(viewer.ID), model.EventNotificationNew,
		model.NotificationPayload{ID: uuid.NewString(), UserID: viewer.ID.String()})

	// Without a handler the event is buffered, not delivered.
	waitFor(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.pending[model.EventNotificationNew]) == 1
	}, "event should have been buffered after unsubscribe")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestRoomSubscriptionRefcounted(t *testing.T) {
	h, broker := newTestHub(t, nil)
	userID := uuid.New()
	viewer := model.NewViewer(userID, "member")
	room := model.UserRoom(userID)

	first, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	second, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)

	assert.Equal(t, 1, broker.subscriberCount(room), "one broker subscription per room")

	first.Close()
	assert.Equal(t, 1, broker.subscriberCount(room), "subscription survives while a session remains")

	second.Close()
	waitFor(t, func() bool {
		return broker.subscriberCount(room) == 0
	}, "last leave must drop the broker subscription")
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	h, broker := newTestHub(t, nil)
	viewer := model.NewViewer(uuid.New(), "member")

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)

	session.Close()
	session.Close()

	var count int
	unsub := session.Subscribe(model.EventNotificationNew, func(json.RawMessage) { count++ })
	unsub()

	publishEnvelope(t, broker, model.UserRoom(viewer.ID), model.EventNotificationNew,
		model.NotificationPayload{ID: uuid.NewString(), UserID: viewer.ID.String()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, count)
}

func TestJoinReplaysUnreadAsSync(t *testing.T) {
	viewer := model.NewViewer(uuid.New(), "member")
	unread := &model.Notification{
		ID:        uuid.New(),
		UserID:    viewer.ID,
		Kind:      model.KindMessage,
		Title:     "missed this",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	h, _ := newTestHub(t, &fakeReplay{items: []*model.Notification{unread}})

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	// The replay was dispatched before any Subscribe; the buffer hands
	// it to the first sync handler.
	var payloads []model.NotificationPayload
	session.Subscribe(model.EventNotificationsSync, func(data json.RawMessage) {
		require.NoError(t, json.Unmarshal(data, &payloads))
	})

	require.Len(t, payloads, 1)
	assert.Equal(t, unread.ID.String(), payloads[0].ID)
}

func TestEmptyReplaySendsNothing(t *testing.T) {
	viewer := model.NewViewer(uuid.New(), "member")
	h, _ := newTestHub(t, &fakeReplay{})

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	called := false
	session.Subscribe(model.EventNotificationsSync, func(json.RawMessage) { called = true })
	assert.False(t, called, "no sync may be fabricated for an empty replay")
}

func TestMalformedRoomMessagesDropped(t *testing.T) {
	h, broker := newTestHub(t, nil)
	viewer := model.NewViewer(uuid.New(), "member")

	session, err := h.Join(context.Background(), viewer)
	require.NoError(t, err)
	defer session.Close()

	var mu sync.Mutex
	var count int
	session.Subscribe(model.EventNotificationNew, func(json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	room := model.UserRoom(viewer.ID)
	require.NoError(t, broker.Publish(context.Background(), room, "not an envelope"))
	require.NoError(t, broker.Publish(context.Background(), room, model.Envelope{Event: ""}))
	publishEnvelope(t, broker, room, model.EventNotificationNew,
		model.NotificationPayload{ID: uuid.NewString(), UserID: viewer.ID.String()})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "well-formed event must still arrive")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
