package outbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"call-signaling/internal/metrics"
	"call-signaling/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for notification events.
//
// Append must assign the next per-recipient cursor atomically.
// No Update methods are provided; Prune is the only removal path.
type Repository interface {
	Append(ctx context.Context, e Event) (Event, error)
	ListSince(ctx context.Context, recipientID string, cursor int64, limit int) ([]Event, error)
	Head(ctx context.Context, recipientID string) (int64, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

var (
	ErrInvalidEvent  = errors.New("outbox: invalid event")
	ErrInvalidCursor = errors.New("outbox: invalid cursor")
	// ErrDelivery wraps append and push failures. Callers log it; calls never fail on it.
	ErrDelivery = errors.New("outbox: notification delivery failed")
)

const (
	defaultPollLimit = 100
	// waitRecheck bounds how long a waiter can miss an append made by another instance.
	waitRecheck = time.Second
	// appendStripes is the number of locks recipients are hashed onto.
	appendStripes = 64
)

// Service is the sole writer of the per-recipient event log.
type Service struct {
	repo   Repository
	pusher Pusher
	limit  int
	clock  func() time.Time

	// stripes hold append and push together per recipient so this instance
	// pushes a recipient's events in cursor order.
	stripes [appendStripes]sync.Mutex

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func NewService(repo Repository, pusher Pusher, pollLimit int) *Service {
	if pollLimit <= 0 {
		pollLimit = defaultPollLimit
	}
	return &Service{
		repo:    repo,
		pusher:  pusher,
		limit:   pollLimit,
		clock:   time.Now,
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// Append stores the event durably, then attempts realtime push.
// Push failures are logged and never returned. Appends for one recipient
// through one Service are pushed in cursor order.
func (s *Service) Append(ctx context.Context, recipientID string, typ EventType, payload Payload) (Event, error) {
	if s.repo == nil {
		return Event{}, errors.New("outbox: repository not configured")
	}
	if recipientID == "" || typ == "" {
		return Event{}, ErrInvalidEvent
	}

	e := Event{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        typ,
		Payload:     payload,
		CreatedAt:   s.clock().UTC(),
	}

	lock := s.stripe(recipientID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.repo.Append(ctx, e)
	if err != nil {
		metrics.OutboxAppendsTotal.WithLabelValues(string(typ), "error").Inc()
		return Event{}, fmt.Errorf("%w: append %s for %s: %w", ErrDelivery, typ, recipientID, err)
	}
	metrics.OutboxAppendsTotal.WithLabelValues(string(typ), "ok").Inc()

	s.wake(recipientID)

	if s.pusher != nil {
		if err := s.pusher.Push(ctx, stored); err != nil {
			logger.From(ctx).Warn("realtime push failed",
				"recipient_id", recipientID,
				"event_type", string(typ),
				"cursor", stored.Cursor,
				"error", err.Error(),
			)
		}
	}
	return stored, nil
}

// PollSince returns events with cursor strictly greater than cursor, ascending.
// next is the last returned cursor, or cursor itself when nothing is new.
func (s *Service) PollSince(ctx context.Context, recipientID string, cursor int64) ([]Event, int64, error) {
	if recipientID == "" {
		return nil, cursor, ErrInvalidEvent
	}
	if cursor < 0 {
		return nil, cursor, ErrInvalidCursor
	}
	events, err := s.repo.ListSince(ctx, recipientID, cursor, s.limit)
	if err != nil {
		return nil, cursor, err
	}
	if events == nil {
		events = []Event{}
	}
	next := cursor
	if n := len(events); n > 0 {
		next = events[n-1].Cursor
	}
	return events, next, nil
}

// Wait behaves like PollSince but blocks up to maxWait for the first new event.
func (s *Service) Wait(ctx context.Context, recipientID string, cursor int64, maxWait time.Duration) ([]Event, int64, error) {
	events, next, err := s.PollSince(ctx, recipientID, cursor)
	if err != nil || len(events) > 0 || maxWait <= 0 {
		return events, next, err
	}

	ch := s.subscribe(recipientID)
	defer s.unsubscribe(recipientID, ch)

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(waitRecheck)
	defer tick.Stop()

	for {
		// Re-check after subscribing so an append between the first poll and subscribe is not lost.
		events, next, err = s.PollSince(ctx, recipientID, cursor)
		if err != nil || len(events) > 0 {
			return events, next, err
		}
		select {
		case <-ctx.Done():
			return events, next, nil
		case <-deadline.C:
			return events, next, nil
		case <-ch:
		case <-tick.C:
		}
	}
}

// Cursor returns the recipient's current head. Polling from it yields only future events.
func (s *Service) Cursor(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, ErrInvalidEvent
	}
	return s.repo.Head(ctx, recipientID)
}

func (s *Service) Prune(ctx context.Context, before time.Time) (int, error) {
	return s.repo.Prune(ctx, before)
}

// RunPruner removes events older than retention every interval until ctx is done.
func (s *Service) RunPruner(ctx context.Context, retention, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Prune(ctx, s.clock().Add(-retention))
			if err != nil {
				logger.From(ctx).Error("outbox prune failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logger.From(ctx).Debug("outbox pruned", "events", n)
			}
		}
	}
}

func (s *Service) stripe(recipientID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipientID))
	return &s.stripes[h.Sum32()%appendStripes]
}

func (s *Service) subscribe(recipientID string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.waiters[recipientID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		s.waiters[recipientID] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (s *Service) unsubscribe(recipientID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.waiters[recipientID]
	delete(set, ch)
	if len(set) == 0 {
		delete(s.waiters, recipientID)
	}
}

func (s *Service) wake(recipientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.waiters[recipientID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
