package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type registryFactory func(t *testing.T, draw uidSource) Registry

func registries() map[string]registryFactory {
	return map[string]registryFactory{
		"memory": func(t *testing.T, draw uidSource) Registry {
			r := NewMemoryRegistry()
			if draw != nil {
				r.draw = draw
			}
			return r
		},
		"redis": func(t *testing.T, draw uidSource) Registry {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			r := NewRedisRegistry(rdb, "test")
			if draw != nil {
				r.draw = draw
			}
			return r
		},
	}
}

func forEachRegistry(t *testing.T, fn func(t *testing.T, newReg registryFactory)) {
	for name, f := range registries() {
		t.Run(name, func(t *testing.T) { fn(t, f) })
	}
}

func createParams(apt string) CreateParams {
	return CreateParams{
		AppointmentID: apt,
		InitiatorID:   "pat_1",
		InitiatorName: "Pat",
		CalleeID:      "doc_1",
		CalleeName:    "Dr. A",
		At:            t0,
	}
}

func TestRegistry_CreateIsIdempotentPerChannel(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()

		first, created, err := reg.Create(ctx, createParams("apt_1"))
		if err != nil || !created {
			t.Fatalf("expected create, got created=%v err=%v", created, err)
		}
		if first.ChannelName != "appointment_apt_1" || first.Status != StatusInitiating {
			t.Fatalf("unexpected session: %+v", first)
		}

		second, created, err := reg.Create(ctx, createParams("apt_1"))
		if err != nil || created {
			t.Fatalf("expected existing session, got created=%v err=%v", created, err)
		}
		if second.ID != first.ID {
			t.Fatalf("expected same session id")
		}
	})
}

func TestRegistry_ConcurrentCreateYieldsOneLiveSession(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()

		const n = 20
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, _, err := reg.Create(ctx, createParams("apt_race"))
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				ids[i] = s.ID
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			if id != ids[0] {
				t.Fatalf("expected a single session, got %v and %v", ids[0], id)
			}
		}
	})
}

func TestRegistry_EndReleasesChannel(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()

		s, _, _ := reg.Create(ctx, createParams("apt_1"))
		ended, changed, err := reg.End(ctx, s.ID, EndReasonHangup, t0.Add(time.Minute))
		if err != nil || !changed {
			t.Fatalf("expected end, got changed=%v err=%v", changed, err)
		}
		if ended.EndedAt == nil || !ended.EndedAt.Equal(t0.Add(time.Minute)) {
			t.Fatalf("expected ended_at set, got %v", ended.EndedAt)
		}

		again, changed, err := reg.End(ctx, s.ID, EndReasonNoAnswer, t0.Add(time.Hour))
		if err != nil || changed {
			t.Fatalf("expected no-op end, got changed=%v err=%v", changed, err)
		}
		if !again.EndedAt.Equal(*ended.EndedAt) || again.EndReason != EndReasonHangup {
			t.Fatalf("expected ended_at and reason unchanged, got %v %s", again.EndedAt, again.EndReason)
		}

		if _, err := reg.FindByChannel(ctx, s.ChannelName); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected channel released, got %v", err)
		}

		fresh, created, _ := reg.Create(ctx, createParams("apt_1"))
		if !created || fresh.ID == s.ID {
			t.Fatalf("expected a new session after end")
		}
		if old, err := reg.FindByID(ctx, s.ID); err != nil || !old.IsEnded() {
			t.Fatalf("expected ended session still retrievable by id, got %+v err=%v", old, err)
		}
	})
}

func TestRegistry_TransitionsAreMonotonic(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, createParams("apt_1"))

		if _, err := reg.Transition(ctx, s.ID, StatusRinging, t0); err != nil {
			t.Fatalf("ringing: %v", err)
		}
		got, err := reg.Transition(ctx, s.ID, StatusConnected, t0.Add(time.Second))
		if err != nil {
			t.Fatalf("connected: %v", err)
		}
		if got.ConnectedAt == nil {
			t.Fatalf("expected connected_at set")
		}
		if _, err := reg.Transition(ctx, s.ID, StatusConnected, t0.Add(time.Minute)); err != nil {
			t.Fatalf("expected same-status no-op, got %v", err)
		}

		_, err = reg.Transition(ctx, s.ID, StatusRinging, t0)
		var te *TransitionError
		if !errors.As(err, &te) || !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected TransitionError, got %v", err)
		}
		if te.From != StatusConnected || te.To != StatusRinging {
			t.Fatalf("unexpected transition error: %+v", te)
		}

		_, _, _ = reg.End(ctx, s.ID, EndReasonHangup, t0)
		if _, err := reg.Transition(ctx, s.ID, StatusConnected, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ended to be terminal, got %v", err)
		}
	})
}

func TestRegistry_SeatAllocatesUniqueUIDs(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		// Always proposes 7 first, then 8: the second participant must skip the collision.
		var mu sync.Mutex
		seq := []uint32{7, 7, 8}
		draw := func() uint32 {
			mu.Lock()
			defer mu.Unlock()
			v := seq[0]
			if len(seq) > 1 {
				seq = seq[1:]
			}
			return v
		}
		reg := newReg(t, draw)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, createParams("apt_1"))

		_, a, err := reg.Seat(ctx, s.ID, "pat_1", "Pat", t0)
		if err != nil {
			t.Fatalf("seat initiator: %v", err)
		}
		_, b, err := reg.Seat(ctx, s.ID, "doc_1", "Dr. A", t0)
		if err != nil {
			t.Fatalf("seat callee: %v", err)
		}
		if a.UID != 7 || b.UID != 8 || !a.Added || !b.Added {
			t.Fatalf("expected fresh uids 7 and 8, got %+v and %+v", a, b)
		}
		if a.Claimed || b.Claimed {
			t.Fatalf("expected named parties not to claim seats, got %+v and %+v", a, b)
		}

		_, again, _ := reg.Seat(ctx, s.ID, "pat_1", "Pat", t0)
		if again.UID != a.UID || again.Added {
			t.Fatalf("expected repeat seat to keep uid %d without adding, got %+v", a.UID, again)
		}
	})
}

func TestRegistry_SeatRejectsThirdParty(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, createParams("apt_1"))

		if _, _, err := reg.Seat(ctx, s.ID, "stranger", "X", t0); !errors.Is(err, ErrNotParticipant) {
			t.Fatalf("expected ErrNotParticipant, got %v", err)
		}
	})
}

func TestRegistry_SeatFillsEmptyInitiator(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, CreateParams{AppointmentID: "apt_1", InitiatorName: UnknownCaller, CalleeID: "doc_1", At: t0})

		got, st, err := reg.Seat(ctx, s.ID, "pat_9", "Pat Nine", t0)
		if err != nil {
			t.Fatalf("seat: %v", err)
		}
		if got.InitiatorID != "pat_9" || got.InitiatorName != "Pat Nine" || !st.Claimed {
			t.Fatalf("expected initiator seat filled, got %+v %+v", got, st)
		}

		mine, _ := reg.SessionsForUser(ctx, "pat_9")
		if len(mine) != 1 || mine[0].ID != s.ID {
			t.Fatalf("expected user index updated, got %+v", mine)
		}
	})
}

func TestRegistry_UnseatVacatesClaimedSeat(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, CreateParams{AppointmentID: "apt_1", InitiatorName: UnknownCaller, CalleeID: "doc_1", At: t0})
		_, _, _ = reg.Seat(ctx, s.ID, "doc_1", "Dr. A", t0)
		_, st, err := reg.Seat(ctx, s.ID, "pat_9", "Pat Nine", t0)
		if err != nil {
			t.Fatalf("seat: %v", err)
		}

		got, err := reg.Unseat(ctx, s.ID, "pat_9", st.Claimed)
		if err != nil {
			t.Fatalf("unseat: %v", err)
		}
		if got.InitiatorID != "" || got.InitiatorName != UnknownCaller || got.IsParticipant("pat_9") {
			t.Fatalf("expected initiator seat emptied, got %+v", got)
		}
		if _, ok := got.UIDFor("doc_1"); !ok {
			t.Fatalf("expected other participant kept, got %+v", got.Participants)
		}
		if mine, _ := reg.SessionsForUser(ctx, "pat_9"); len(mine) != 0 {
			t.Fatalf("expected user index cleared, got %+v", mine)
		}

		// The seat can be taken again.
		if again, _, err := reg.Seat(ctx, s.ID, "pat_9", "Pat Nine", t0); err != nil || again.InitiatorID != "pat_9" {
			t.Fatalf("expected seat to be reusable, got %+v err=%v", again, err)
		}
	})
}

func TestRegistry_UnseatKeepsNamedSeat(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, createParams("apt_1"))
		_, _, _ = reg.Seat(ctx, s.ID, "doc_1", "Dr. A", t0)

		got, err := reg.Unseat(ctx, s.ID, "doc_1", false)
		if err != nil {
			t.Fatalf("unseat: %v", err)
		}
		if _, ok := got.UIDFor("doc_1"); ok {
			t.Fatalf("expected uid released, got %+v", got.Participants)
		}
		if got.CalleeID != "doc_1" {
			t.Fatalf("expected callee seat kept, got %+v", got)
		}
	})
}

func TestRegistry_AdvanceNeverMovesBackward(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()
		s, _, _ := reg.Create(ctx, createParams("apt_1"))

		got, from, err := reg.Advance(ctx, s.ID, StatusRinging, t0)
		if err != nil || from != StatusInitiating || got.Status != StatusRinging {
			t.Fatalf("expected initiating to ringing, got %s from %s err=%v", got.Status, from, err)
		}
		if _, err := reg.Transition(ctx, s.ID, StatusConnected, t0.Add(time.Second)); err != nil {
			t.Fatalf("connected: %v", err)
		}

		got, from, err = reg.Advance(ctx, s.ID, StatusRinging, t0.Add(2*time.Second))
		if err != nil {
			t.Fatalf("expected late ringing to be a no-op, got %v", err)
		}
		if from != StatusConnected || got.Status != StatusConnected {
			t.Fatalf("expected connected kept, got %s from %s", got.Status, from)
		}
		if got.ConnectedAt == nil || !got.ConnectedAt.Equal(t0.Add(time.Second)) {
			t.Fatalf("expected connected_at untouched, got %v", got.ConnectedAt)
		}

		_, _, _ = reg.End(ctx, s.ID, EndReasonHangup, t0.Add(time.Minute))
		got, _, err = reg.Advance(ctx, s.ID, StatusConnected, t0.Add(2*time.Minute))
		if err != nil || !got.IsEnded() {
			t.Fatalf("expected ended session returned as is, got %s err=%v", got.Status, err)
		}
		if _, _, err := reg.Advance(ctx, "missing", StatusRinging, t0); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestRegistry_DiscardOnlyInitiating(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()

		s, _, _ := reg.Create(ctx, createParams("apt_1"))
		if err := reg.Discard(ctx, s.ID); err != nil {
			t.Fatalf("discard: %v", err)
		}
		if _, err := reg.FindByID(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected session gone, got %v", err)
		}
		if _, err := reg.FindByChannel(ctx, s.ChannelName); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected channel free, got %v", err)
		}

		r, _, _ := reg.Create(ctx, createParams("apt_2"))
		_, _ = reg.Transition(ctx, r.ID, StatusRinging, t0)
		if err := reg.Discard(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ringing session to be kept, got %v", err)
		}
	})
}

func TestRegistry_StaleAndEvict(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()

		ringing, _, _ := reg.Create(ctx, createParams("apt_1"))
		_, _ = reg.Transition(ctx, ringing.ID, StatusRinging, t0)

		connected, _, _ := reg.Create(ctx, createParams("apt_2"))
		_, _ = reg.Transition(ctx, connected.ID, StatusConnected, t0)

		ended, _, _ := reg.Create(ctx, createParams("apt_3"))
		_, _, _ = reg.End(ctx, ended.ID, EndReasonHangup, t0)

		stale, err := reg.Stale(ctx, t0.Add(time.Minute))
		if err != nil {
			t.Fatalf("stale: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != ringing.ID {
			t.Fatalf("expected only the ringing session, got %+v", stale)
		}

		n, err := reg.Evict(ctx, t0.Add(time.Second))
		if err != nil || n != 1 {
			t.Fatalf("expected 1 evicted, got %d err=%v", n, err)
		}
		if _, err := reg.FindByID(ctx, ended.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected evicted session gone, got %v", err)
		}
		if _, err := reg.FindByID(ctx, connected.ID); err != nil {
			t.Fatalf("expected live session kept, got %v", err)
		}
	})
}

func TestRegistry_SessionsForUser(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, newReg registryFactory) {
		reg := newReg(t, nil)
		ctx := context.Background()

		_, _, _ = reg.Create(ctx, createParams("apt_1"))
		p := createParams("apt_2")
		p.At = t0.Add(time.Minute)
		_, _, _ = reg.Create(ctx, p)

		got, err := reg.SessionsForUser(ctx, "doc_1")
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(got) != 2 || got[0].AppointmentID != "apt_1" {
			t.Fatalf("expected 2 sessions ordered by start, got %+v", got)
		}
		if none, _ := reg.SessionsForUser(ctx, "nobody"); len(none) != 0 {
			t.Fatalf("expected no sessions for unknown user")
		}
	})
}
