package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-api/internal/model"
)

func TestSSESourceDeliversEvents(t *testing.T) {
	viewer := newTestViewer()
	payload := model.PayloadFrom(makeNotification(viewer.ID, false, 0))
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var mu sync.Mutex
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", model.EventNotificationNew, data)
		flusher.Flush()

		<-r.Context().Done()
	}))
	defer srv.Close()

	source := NewSSESource(srv.URL, "tok", nil)

	var received []json.RawMessage
	source.Subscribe(model.EventNotificationNew, func(d json.RawMessage) {
		mu.Lock()
		received = append(received, d)
		mu.Unlock()
	})

	source.Start(context.Background())
	defer source.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "Bearer tok", gotAuth)
	mu.Unlock()
	assert.True(t, source.Connected())

	var decoded model.NotificationPayload
	mu.Lock()
	require.NoError(t, json.Unmarshal(received[0], &decoded))
	mu.Unlock()
	assert.Equal(t, payload.ID, decoded.ID)
}

func TestSSESourceDisconnectFlipsConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Close immediately; the source must report disconnected and retry.
	}))
	defer srv.Close()

	source := NewSSESource(srv.URL, "", nil)
	source.Start(context.Background())
	defer source.Close()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, source.Connected())
}

func TestAPIClientFetch(t *testing.T) {
	viewer := newTestViewer()
	page := &model.NotificationPage{
		Items:  []*model.Notification{makeNotification(viewer.ID, false, time.Minute)},
		Total:  7,
		Unread: 3,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/notifications", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "true", r.URL.Query().Get("unread_only"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "tok")
	got, err := client.Fetch(context.Background(), model.ListOptions{Limit: 5, UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 7, got.Total)
	assert.Equal(t, 3, got.Unread)
	require.Len(t, got.Items, 1)
}

func TestAPIClientMutations(t *testing.T) {
	id := uuid.New()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.Path)
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "")
	require.NoError(t, client.MarkRead(context.Background(), id))
	require.NoError(t, client.MarkAllRead(context.Background()))

	assert.Equal(t, []string{
		"/api/v1/notifications/" + id.String() + "/read",
		"/api/v1/notifications/read-all",
	}, paths)
}

func TestAPIClientFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "")
	_, err := client.Fetch(context.Background(), model.ListOptions{})
	assert.Error(t, err)
}
