// Package contextdelta computes the difference between consecutive context
// snapshots of a workspace and keeps the most recent deltas in memory.
package contextdelta

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// DefaultCapacity is the number of deltas kept per workspace.
const DefaultCapacity = 1000

// Compute returns curr minus prev, prev minus curr and their intersection,
// each sorted. Duplicate paths are collapsed.
func Compute(prev, curr []string) (added, removed, unchanged []string) {
	p := toSet(prev)
	c := toSet(curr)
	added, removed, unchanged = []string{}, []string{}, []string{}
	for path := range c {
		if _, ok := p[path]; ok {
			unchanged = append(unchanged, path)
		} else {
			added = append(added, path)
		}
	}
	for path := range p {
		if _, ok := c[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(unchanged)
	return added, removed, unchanged
}

// Apply reconstructs the current file set from prev and a delta.
func Apply(prev []string, d store.ContextDelta) []string {
	set := toSet(prev)
	for _, p := range d.Added {
		set[p] = struct{}{}
	}
	for _, p := range d.Removed {
		delete(set, p)
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func toSet(paths []string) map[string]struct{} {
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m[p] = struct{}{}
	}
	return m
}

// Tracker remembers the latest snapshot per workspace and an LRU of recent
// deltas. Everything it holds can be rebuilt from the store.
type Tracker struct {
	store    *store.Store
	capacity int

	mu     sync.Mutex
	latest map[string]store.ContextSnapshot
	caches map[string]*lru
}

// NewTracker creates a tracker backed by s. capacity <= 0 uses the default.
func NewTracker(s *store.Store, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		store:    s,
		capacity: capacity,
		latest:   make(map[string]store.ContextSnapshot),
		caches:   make(map[string]*lru),
	}
}

// Previous returns the newest known snapshot of workspace, or nil when the
// workspace has none yet.
func (t *Tracker) Previous(ctx context.Context, workspace string) (*store.ContextSnapshot, error) {
	t.mu.Lock()
	cs, ok := t.latest[workspace]
	t.mu.Unlock()
	if ok {
		return &cs, nil
	}

	prev, err := t.store.LatestContextSnapshot(ctx, workspace, 0)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// Diff builds the delta for curr against the workspace's previous
// snapshot. curr must carry its ID. The delta is not persisted.
func (t *Tracker) Diff(ctx context.Context, curr *store.ContextSnapshot) (*store.ContextDelta, error) {
	if curr.ID == "" {
		return nil, apperr.Validationf("context snapshot has no id")
	}
	prev, err := t.Previous(ctx, curr.Workspace)
	if err != nil {
		return nil, err
	}

	d := &store.ContextDelta{
		Workspace:      curr.Workspace,
		CurrSnapshotID: curr.ID,
		PromptID:       curr.PromptID,
	}
	var prevPaths []string
	if prev != nil && prev.ID != curr.ID {
		d.PrevSnapshotID = prev.ID
		prevPaths = prev.Paths()
	}
	d.Added, d.Removed, d.Unchanged = Compute(prevPaths, curr.Paths())
	return d, nil
}

// Observe records a committed snapshot and its delta (which may be nil).
func (t *Tracker) Observe(cs store.ContextSnapshot, d *store.ContextDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.latest[cs.Workspace]; !ok || cs.Seq >= cur.Seq {
		t.latest[cs.Workspace] = cs
	}
	if d == nil {
		return
	}
	c, ok := t.caches[d.Workspace]
	if !ok {
		c = newLRU(t.capacity)
		t.caches[d.Workspace] = c
	}
	c.put(*d)
}

// Recent returns up to n cached deltas of workspace, newest first.
func (t *Tracker) Recent(workspace string, n int) []store.ContextDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caches[workspace]
	if !ok {
		return nil
	}
	return c.newest(n)
}

// ForSnapshot returns the delta keyed by snapshotID, from memory when
// cached and from the store otherwise.
func (t *Tracker) ForSnapshot(ctx context.Context, snapshotID string) (*store.ContextDelta, error) {
	t.mu.Lock()
	for _, c := range t.caches {
		if d, ok := c.get(snapshotID); ok {
			t.mu.Unlock()
			return &d, nil
		}
	}
	t.mu.Unlock()
	return t.store.DeltaForSnapshot(ctx, snapshotID)
}

// ForPrompt returns the deltas linked to a prompt.
func (t *Tracker) ForPrompt(ctx context.Context, promptID string) ([]store.ContextDelta, error) {
	return t.store.ContextDeltasForPrompt(ctx, promptID)
}

// Reset drops all in-memory state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = make(map[string]store.ContextSnapshot)
	t.caches = make(map[string]*lru)
}

// lru holds deltas keyed by current snapshot id. Not safe for concurrent use.
type lru struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newLRU(capacity int) *lru {
	return &lru{cap: capacity, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) put(d store.ContextDelta) {
	if el, ok := c.items[d.CurrSnapshotID]; ok {
		el.Value = d
		c.order.MoveToFront(el)
		return
	}
	c.items[d.CurrSnapshotID] = c.order.PushFront(d)
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(store.ContextDelta).CurrSnapshotID)
	}
}

func (c *lru) get(id string) (store.ContextDelta, bool) {
	el, ok := c.items[id]
	if !ok {
		return store.ContextDelta{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(store.ContextDelta), true
}

// newest returns deltas by descending seq regardless of access order.
func (c *lru) newest(n int) []store.ContextDelta {
	out := make([]store.ContextDelta, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(store.ContextDelta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
