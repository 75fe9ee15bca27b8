package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory outbox for tests and single-instance local runs.
// It does not survive restarts.
type MemoryRepo struct {
	mu     sync.Mutex
	heads  map[string]int64
	events map[string][]Event
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		heads:  make(map[string]int64),
		events: make(map[string][]Event),
	}
}

func (r *MemoryRepo) Append(ctx context.Context, e Event) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heads[e.RecipientID]++
	e.Cursor = r.heads[e.RecipientID]
	r.events[e.RecipientID] = append(r.events[e.RecipientID], e)
	return e, nil
}

func (r *MemoryRepo) ListSince(ctx context.Context, recipientID string, cursor int64, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.events[recipientID]
	i := sort.Search(len(all), func(i int) bool { return all[i].Cursor > cursor })
	all = all[i:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Event, len(all))
	copy(out, all)
	return out, nil
}

func (r *MemoryRepo) Head(ctx context.Context, recipientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heads[recipientID], nil
}

func (r *MemoryRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for rid, evs := range r.events {
		i := 0
		for i < len(evs) && evs[i].CreatedAt.Before(before) {
			i++
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(evs) {
			delete(r.events, rid)
			continue
		}
		r.events[rid] = append([]Event(nil), evs[i:]...)
	}
	return removed, nil
}
