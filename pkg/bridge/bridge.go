package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-api/internal/model"
	apperrors "github.com/jwalitptl/notify-api/pkg/errors"
	"github.com/jwalitptl/notify-api/pkg/logger"
)

// EventSource delivers named events from the viewer's rooms. Delivery
// is at-least-once and may be reordered; the cache's merge rules are
// what make that safe.
type EventSource interface {
	Subscribe(event string, handler func(data json.RawMessage)) (unsubscribe func())
	Connected() bool
}

// Fetcher performs the authoritative paginated fetch.
type Fetcher interface {
	Fetch(ctx context.Context, opts model.ListOptions) (*model.NotificationPage, error)
}

// Mutator emits read-state mutations. Both calls are fire-and-forget
// from the bridge's point of view: the resulting state change comes
// back through the event channel, not through the response.
type Mutator interface {
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context) error
}

type Config struct {
	// PollInterval is how often the fallback poll fires while the live
	// channel is down. Large on purpose so it cannot fight the live
	// path.
	PollInterval time.Duration
	// StaleAfter gates the poll: no refetch while the cache is fresher
	// than this. Must be strictly larger than PollInterval.
	StaleAfter time.Duration
}

const defaultPollInterval = 45 * time.Second

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StaleAfter <= c.PollInterval {
		c.StaleAfter = 2 * c.PollInterval
	}
}

// Bridge keeps a viewer's cached notification pages consistent with
// server state: live events are the primary path, a slow poll the
// fallback, and every application goes through the cache's idempotent
// by-ID merge.
type Bridge struct {
	viewer  model.Viewer
	cache   *Cache
	source  EventSource
	fetcher Fetcher
	mutator Mutator
	config  Config
	logger  *logger.Logger

	mu        sync.Mutex
	unsubs    []func()
	lastFetch time.Time
	started   bool
	cancel    context.CancelFunc
}

func New(viewer model.Viewer, source EventSource, fetcher Fetcher, mutator Mutator, config Config, log *logger.Logger) *Bridge {
	config.normalize()
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &Bridge{
		viewer:  viewer,
		cache:   NewCache(viewer),
		source:  source,
		fetcher: fetcher,
		mutator: mutator,
		config:  config,
		logger:  log,
	}
}

// Cache exposes the reconciled state for rendering.
func (b *Bridge) Cache() *Cache {
	return b.cache
}

// Start registers the event handlers and launches the fallback poll
// loop. Safe to call once; Close undoes everything.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	pollCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.unsubs = append(b.unsubs,
		b.source.Subscribe(model.EventNotificationNew, b.onNotification),
		b.source.Subscribe(model.EventNotificationUpdated, b.onNotification),
		b.source.Subscribe(model.EventNotificationAdmin, b.onNotification),
		b.source.Subscribe(model.EventNotificationsSync, b.onSync),
		b.source.Subscribe(model.EventNotificationDeleted, b.onDeleted),
		b.source.Subscribe(model.EventNotificationsBulkDeleted, b.onBulkDeleted),
	)

	go b.pollLoop(pollCtx)
}

// Close deregisters every event handler and stops the poll timer. A
// fetch already in flight may still resolve afterwards; applying its
// result is harmless under the merge rules, so nothing cancels it.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.started = false
}

// Refresh performs the authoritative fetch for one page key and
// installs the result.
func (b *Bridge) Refresh(ctx context.Context, key PageKey) error {
	page, err := b.fetcher.Fetch(ctx, model.ListOptions{
		Limit:      key.Limit,
		Offset:     key.Offset,
		UnreadOnly: key.UnreadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch notifications: %w", err)
	}

	b.cache.InstallPage(key, page)

	b.mu.Lock()
	b.lastFetch = time.Now()
	b.mu.Unlock()
	return nil
}

// MarkRead emits a mark-read mutation. Acting on another user's
// notification is rejected locally before any request is sent unless
// the viewer holds the view-all capability.
func (b *Bridge) MarkRead(ctx context.Context, id uuid.UUID) error {
	if owner, ok := b.cache.Owner(id); ok && !b.viewer.CanSee(owner) {
		return apperrors.Forbidden("notification belongs to another user", nil)
	}
	return b.mutator.MarkRead(ctx, id)
}

// MarkAllRead emits the bulk mutation for the viewer's own set.
func (b *Bridge) MarkAllRead(ctx context.Context) error {
	return b.mutator.MarkAllRead(ctx)
}

func (b *Bridge) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.source.Connected() {
				continue
			}
			b.mu.Lock()
			stale := time.Since(b.lastFetch) >= b.config.StaleAfter
			b.mu.Unlock()
			if !stale {
				continue
			}
			for _, key := range b.cache.Keys() {
				if err := b.Refresh(ctx, key); err != nil {
					b.logger.Error(err, "fallback poll failed",
						"limit", key.Limit, "offset", key.Offset)
				}
			}
		}
	}
}

// onNotification handles the single-notification events; new, updated
// and the admin room-broadcast variant all go through the same merge.
func (b *Bridge) onNotification(data json.RawMessage) {
	var payload model.NotificationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Warn("dropping malformed notification event")
		return
	}
	n, err := payload.Notification(time.Now())
	if err != nil {
		b.logger.Warn("dropping notification event with bad identifiers")
		return
	}
	b.cache.ApplyNotification(n)
}

func (b *Bridge) onSync(data json.RawMessage) {
	var payloads []model.NotificationPayload
	if err := json.Unmarshal(data, &payloads); err != nil {
		b.logger.Warn("dropping malformed sync payload")
		return
	}

	now := time.Now()
	items := make([]*model.Notification, 0, len(payloads))
	for _, p := range payloads {
		n, err := p.Notification(now)
		if err != nil {
			// One bad entry never poisons the batch.
			b.logger.Warn("skipping sync entry with bad identifiers")
			continue
		}
		items = append(items, n)
	}
	b.cache.ApplySync(items)
}

func (b *Bridge) onDeleted(data json.RawMessage) {
	var payload model.DeletePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Warn("dropping malformed delete event")
		return
	}
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		b.logger.Warn("dropping delete event with bad ID")
		return
	}
	b.cache.ApplyDelete([]uuid.UUID{id})
}

func (b *Bridge) onBulkDeleted(data json.RawMessage) {
	var payload model.BulkDeletePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Warn("dropping malformed bulk delete event")
		return
	}

	ids := make([]uuid.UUID, 0, len(payload.IDs))
	for _, s := range payload.IDs {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	b.cache.ApplyDelete(ids)
}
