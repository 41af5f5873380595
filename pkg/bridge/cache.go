package bridge

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-api/internal/model"
)

// PageKey identifies one cached query window.
type PageKey struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// Page is a bounded, newest-first local copy of one query's results.
// The window is capped at the capacity it was created with; it is a
// recent-items view, never a full mirror of the store.
type Page struct {
	Items    []*model.Notification
	Total    int
	Unread   int
	HasMore  bool
	capacity int
}

func (p *Page) indexOf(id uuid.UUID) int {
	for i, n := range p.Items {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Cache reconciles pages of notifications against inbound events on
// behalf of a single viewer. All mutation is serialized under one
// mutex; two events are never applied concurrently, so application
// order is simply arrival order.
type Cache struct {
	mu     sync.Mutex
	viewer model.Viewer
	pages  map[PageKey]*Page
	badge  int
}

func NewCache(viewer model.Viewer) *Cache {
	return &Cache{
		viewer: viewer,
		pages:  make(map[PageKey]*Page),
	}
}

// InstallPage replaces the cached page for key with an authoritative
// fetch result. A fetch resolving after interleaved events simply wins,
// the same last-applied rule the by-ID merge uses.
func (c *Cache) InstallPage(key PageKey, page *model.NotificationPage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	capacity := key.Limit
	if capacity <= 0 {
		capacity = len(page.Items)
	}

	items := make([]*model.Notification, len(page.Items))
	copy(items, page.Items)

	c.pages[key] = &Page{
		Items:    items,
		Total:    page.Total,
		Unread:   page.Unread,
		HasMore:  page.HasMore,
		capacity: capacity,
	}

	// The fetch's unread count is authoritative for the viewer, so it
	// resets the badge too.
	c.badge = clamp(page.Unread)
}

// ApplyNotification merges a single-notification event (new, updated,
// or the role-broadcast variant) into every cached page. Returns false
// when the event was discarded by the visibility rule. Applying the
// same payload twice is a no-op the second time.
func (c *Cache) ApplyNotification(n *model.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(n)
}

func (c *Cache) applyLocked(n *model.Notification) bool {
	if !c.viewer.CanSee(n.UserID) {
		return false
	}

	// Previous read state is looked up across all cached pages: the
	// unread counters move by signed delta, never by recomputing from a
	// window that is only a partial view.
	prev, known := c.lookupLocked(n.ID)

	delta := 0
	switch {
	case known && prev.Read != n.Read:
		if n.Read {
			delta = -1
		} else {
			delta = 1
		}
	case !known && !n.Read:
		delta = 1
	}

	for key, p := range c.pages {
		if idx := p.indexOf(n.ID); idx >= 0 {
			// Replace in place; position is preserved on update.
			p.Items[idx] = n
		} else if !known && c.admits(key, n) {
			if key.Offset == 0 {
				// Only page one receives new items, newest first.
				p.Items = append([]*model.Notification{n}, p.Items...)
				p.Total++
				if len(p.Items) > p.capacity {
					p.Items = p.Items[:p.capacity]
				}
				p.HasMore = p.Total > key.Offset+len(p.Items)
			}
			// Deeper pages skip insertion but still get the delta
			// bookkeeping below.
		}
		p.Unread = clamp(p.Unread + delta)
	}

	c.badge = clamp(c.badge + delta)
	return true
}

// admits reports whether a notification belongs in the page's filter
// scope at all. An already-read item never enters an unread-only page.
func (c *Cache) admits(key PageKey, n *model.Notification) bool {
	return !key.UnreadOnly || !n.Read
}

// ApplySync merges a bulk snapshot. The payload is deduplicated by ID
// keeping the first occurrence, ordered newest first, then merged item
// by item so the counters move by the deltas actually observed. When no
// page has been fetched yet the snapshot is dropped entirely: a
// possibly-partial replay must not masquerade as a first page.
func (c *Cache) ApplySync(items []*model.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages) == 0 {
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(items))
	deduped := make([]*model.Notification, 0, len(items))
	for _, n := range items {
		if n == nil {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		deduped = append(deduped, n)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].CreatedAt.After(deduped[j].CreatedAt)
	})

	// Apply oldest first so successive prepends leave page one newest
	// first.
	for i := len(deduped) - 1; i >= 0; i-- {
		c.applyLocked(deduped[i])
	}
}

// ApplyDelete removes the given IDs from every cached page. Totals drop
// by the entries actually removed and unread counters only for removed
// entries that were unread; a repeat delivery finds nothing to remove
// and changes nothing.
func (c *Cache) ApplyDelete(ids []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if n, known := c.lookupLocked(id); known && !n.Read {
			c.badge = clamp(c.badge - 1)
		}

		for _, p := range c.pages {
			idx := p.indexOf(id)
			if idx < 0 {
				continue
			}
			wasUnread := !p.Items[idx].Read
			p.Items = append(p.Items[:idx], p.Items[idx+1:]...)
			p.Total = clamp(p.Total - 1)
			if wasUnread {
				p.Unread = clamp(p.Unread - 1)
			}
		}
	}
}

// Snapshot returns a copy of one cached page for rendering.
func (c *Cache) Snapshot(key PageKey) (*model.NotificationPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pages[key]
	if !ok {
		return nil, false
	}

	items := make([]*model.Notification, len(p.Items))
	copy(items, p.Items)
	return &model.NotificationPage{
		Items:   items,
		Total:   p.Total,
		Unread:  p.Unread,
		HasMore: p.HasMore,
	}, true
}

// Keys lists the cached page keys, used by the fallback poller to know
// what to refresh.
func (c *Cache) Keys() []PageKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]PageKey, 0, len(c.pages))
	for k := range c.pages {
		keys = append(keys, k)
	}
	return keys
}

// Badge returns the independent global unread counter.
func (c *Cache) Badge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badge
}

// Owner looks up the owning user of a cached notification, used for the
// client-side pre-flight authorization check on mutations.
func (c *Cache) Owner(id uuid.UUID) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.lookupLocked(id); ok {
		return n.UserID, true
	}
	return uuid.Nil, false
}

func (c *Cache) lookupLocked(id uuid.UUID) (*model.Notification, bool) {
	for _, p := range c.pages {
		if idx := p.indexOf(id); idx >= 0 {
			return p.Items[idx], true
		}
	}
	return nil, false
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
