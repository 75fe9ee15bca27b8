package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry keeps sessions in process memory.
// It is correct for a single instance only and does not survive restarts.
type MemoryRegistry struct {
	mu        sync.Mutex
	byID      map[string]*Session
	byChannel map[string]string
	draw      uidSource
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:      make(map[string]*Session),
		byChannel: make(map[string]string),
		draw:      randomUID,
	}
}

func (r *MemoryRegistry) Create(ctx context.Context, p CreateParams) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := ChannelName(p.AppointmentID)
	if id, ok := r.byChannel[ch]; ok {
		if s, ok := r.byID[id]; ok && !s.IsEnded() {
			return s.clone(), false, nil
		}
	}
	s := newSession(uuid.NewString(), p)
	r.byID[s.ID] = &s
	r.byChannel[ch] = s.ID
	return s.clone(), true, nil
}

func (r *MemoryRegistry) FindByChannel(ctx context.Context, channel string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byChannel[channel]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s, ok := r.byID[id]
	if !ok || s.IsEnded() {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (r *MemoryRegistry) FindByID(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (r *MemoryRegistry) SessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.byID {
		if s.IsParticipant(userID) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *MemoryRegistry) Seat(ctx context.Context, id, userID, displayName string, at time.Time) (Session, Seating, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, Seating{}, ErrSessionNotFound
	}
	st, err := seat(s, userID, displayName, r.draw, at)
	if err != nil {
		return Session{}, Seating{}, err
	}
	return s.clone(), st, nil
}

func (r *MemoryRegistry) Unseat(ctx context.Context, id, userID string, vacate bool) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	unseat(s, userID, vacate)
	return s.clone(), nil
}

func (r *MemoryRegistry) Transition(ctx context.Context, id string, to Status, at time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if _, err := transition(s, to, at); err != nil {
		return Session{}, err
	}
	if s.IsEnded() {
		r.releaseChannel(s)
	}
	return s.clone(), nil
}

func (r *MemoryRegistry) Advance(ctx context.Context, id string, to Status, at time.Time) (Session, Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, "", ErrSessionNotFound
	}
	from := s.Status
	changed, err := advance(s, to, at)
	if err != nil {
		return Session{}, "", err
	}
	if changed && s.IsEnded() {
		r.releaseChannel(s)
	}
	return s.clone(), from, nil
}

func (r *MemoryRegistry) End(ctx context.Context, id string, reason EndReason, at time.Time) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	changed := end(s, reason, at)
	if changed {
		r.releaseChannel(s)
	}
	return s.clone(), changed, nil
}

func (r *MemoryRegistry) Discard(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	if s.Status != StatusInitiating {
		return &TransitionError{From: s.Status, To: StatusEnded}
	}
	r.releaseChannel(s)
	delete(r.byID, id)
	return nil
}

func (r *MemoryRegistry) Stale(ctx context.Context, before time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.byID {
		if isStale(*s, before) {
			out = append(out, s.clone())
		}
	}
	return out, nil
}

func (r *MemoryRegistry) Evict(ctx context.Context, endedBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.byID {
		if isEvictable(*s, endedBefore) {
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

// releaseChannel frees the channel index only if it still points at s.
func (r *MemoryRegistry) releaseChannel(s *Session) {
	if r.byChannel[s.ChannelName] == s.ID {
		delete(r.byChannel, s.ChannelName)
	}
}
