package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-api/internal/model"
	"github.com/jwalitptl/notify-api/pkg/logger"
	"github.com/jwalitptl/notify-api/pkg/messaging"
	"github.com/jwalitptl/notify-api/pkg/metrics"
)

// ReplayProvider supplies the unread notifications replayed to a viewer
// immediately after join.
type ReplayProvider interface {
	ReplayUnread(ctx context.Context, userID uuid.UUID) ([]*model.Notification, error)
}

// Hub fans room traffic from the broker out to local viewer sessions.
// It holds one broker subscription per room with at least one session
// and drops it when the last session leaves.
type Hub struct {
	broker  messaging.Broker
	replay  ReplayProvider
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*roomSub

	ctx    context.Context
	cancel context.CancelFunc
}

type roomSub struct {
	cancel   context.CancelFunc
	sessions map[*Session]struct{}
}

func NewHub(broker messaging.Broker, replay ReplayProvider, logger *logger.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		broker:  broker,
		replay:  replay,
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]*roomSub),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Join subscribes the viewer's connection to its user room and role
// room, then queues a notifications:sync replay of any cached unread
// notifications. The returned session lives until Close is called on
// it; it is never torn down implicitly.
func (h *Hub) Join(ctx context.Context, viewer model.Viewer) (*Session, error) {
	rooms := []string{model.UserRoom(viewer.ID), model.RoleRoom(viewer.Role)}

	s := &Session{
		hub:      h,
		viewer:   viewer,
		rooms:    rooms,
		handlers: make(map[string]map[int]func(json.RawMessage)),
		pending:  make(map[string][]json.RawMessage),
	}

	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}

	for _, room := range rooms {
		if err := h.attach(room, s); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to join room %s: %w", room, err)
		}
	}

	h.queueReplay(ctx, s)
	return s, nil
}

// Shutdown cancels every room subscription. Sessions become inert but
// remain valid to Close.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	for room, sub := range h.rooms {
		sub.cancel()
		delete(h.rooms, room)
	}
}

func (h *Hub) attach(room string, s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.rooms[room]
	if !ok {
		ctx, cancel := context.WithCancel(h.ctx)
		ch, err := h.broker.Subscribe(ctx, room)
		if err != nil {
			cancel()
			return err
		}
		sub = &roomSub{cancel: cancel, sessions: make(map[*Session]struct{})}
		h.rooms[room] = sub
		if h.metrics != nil {
			h.metrics.RoomsActive.Inc()
		}
		go h.pump(room, ch)
	}

	sub.sessions[s] = struct{}{}
	return nil
}

func (h *Hub) detach(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(sub.sessions, s)
	if len(sub.sessions) == 0 {
		sub.cancel()
		delete(h.rooms, room)
		if h.metrics != nil {
			h.metrics.RoomsActive.Dec()
		}
	}
}

// pump reads one room's broker channel and fans envelopes out to the
// sessions currently in that room.
func (h *Hub) pump(room string, ch <-chan []byte) {
	for msg := range ch {
		var env model.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("dropping malformed room message", "room", room)
			continue
		}
		if env.Event == "" {
			h.logger.Warn("dropping room message without event name", "room", room)
			continue
		}

		h.mu.Lock()
		sub, ok := h.rooms[room]
		var targets []*Session
		if ok {
			targets = make([]*Session, 0, len(sub.sessions))
			for s := range sub.sessions {
				targets = append(targets, s)
			}
		}
		h.mu.Unlock()

		for _, s := range targets {
			s.dispatch(env.Event, env.Data)
		}
	}
}

func (h *Hub) queueReplay(ctx context.Context, s *Session) {
	if h.replay == nil {
		return
	}
	items, err := h.replay.ReplayUnread(ctx, s.viewer.ID)
	if err != nil {
		h.logger.Error(err, "failed to replay unread notifications", "user_id", s.viewer.ID.String())
		return
	}
	if len(items) == 0 {
		return
	}

	payloads := make([]model.NotificationPayload, 0, len(items))
	for _, n := range items {
		payloads = append(payloads, model.PayloadFrom(n))
	}
	data, err := json.Marshal(payloads)
	if err != nil {
		h.logger.Error(err, "failed to marshal replay payload")
		return
	}
	s.dispatch(model.EventNotificationsSync, data)
}
