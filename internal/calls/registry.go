package calls

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Registry is the authoritative table of call sessions.
//
// Every mutation is atomic per session, and Create is atomic per channel:
// two concurrent Creates for one appointment yield one live session.
type Registry interface {
	// Create returns the live session for the appointment's channel, creating it
	// if none exists. created reports whether this call inserted it.
	Create(ctx context.Context, p CreateParams) (s Session, created bool, err error)
	FindByChannel(ctx context.Context, channel string) (Session, error)
	FindByID(ctx context.Context, id string) (Session, error)
	SessionsForUser(ctx context.Context, userID string) ([]Session, error)

	// Seat registers userID in the session and returns its media uid.
	// A user seated twice keeps its first uid.
	Seat(ctx context.Context, id, userID, displayName string, at time.Time) (Session, Seating, error)
	// Unseat reverts a Seat that reported Added. With vacate set the user's
	// initiator or callee seat is emptied as well.
	Unseat(ctx context.Context, id, userID string, vacate bool) (Session, error)
	Transition(ctx context.Context, id string, to Status, at time.Time) (Session, error)
	// Advance moves the session forward to to unless it is already there or
	// past it, in which case the session is returned untouched. from is the
	// status observed before the call.
	Advance(ctx context.Context, id string, to Status, at time.Time) (s Session, from Status, err error)
	// End moves the session to ended once. changed is false if it already was.
	End(ctx context.Context, id string, reason EndReason, at time.Time) (s Session, changed bool, err error)
	// Discard deletes a session that never left initiating.
	Discard(ctx context.Context, id string) error

	// Stale lists initiating or ringing sessions started before the cutoff.
	Stale(ctx context.Context, before time.Time) ([]Session, error)
	// Evict removes ended sessions whose EndedAt is before the cutoff.
	Evict(ctx context.Context, endedBefore time.Time) (int, error)
}

// Seating is the outcome of one Seat call.
type Seating struct {
	UID uint32
	// Added is set when this call issued the uid.
	Added bool
	// Claimed is set when this call filled an empty initiator or callee seat.
	Claimed bool
}

type CreateParams struct {
	AppointmentID string
	InitiatorID   string
	InitiatorName string
	CalleeID      string
	CalleeName    string
	At            time.Time
}

func newSession(id string, p CreateParams) Session {
	return Session{
		ID:            id,
		ChannelName:   ChannelName(p.AppointmentID),
		AppointmentID: p.AppointmentID,
		InitiatorID:   p.InitiatorID,
		InitiatorName: p.InitiatorName,
		CalleeID:      p.CalleeID,
		CalleeName:    p.CalleeName,
		Status:        StatusInitiating,
		Participants:  []Participant{},
		StartedAt:     p.At,
		UpdatedAt:     p.At,
	}
}

// uidSource yields candidate media uids. Zero is never valid.
type uidSource func() uint32

func randomUID() uint32 {
	return uint32(rand.Int31n(math.MaxInt32)) + 1
}

const maxUIDDraws = 64

// seat mutates s in place. Seating.Added reports whether s changed.
func seat(s *Session, userID, displayName string, draw uidSource, at time.Time) (Seating, error) {
	if s.IsEnded() {
		return Seating{}, &TransitionError{From: s.Status, To: StatusConnected}
	}
	if uid, ok := s.UIDFor(userID); ok {
		return Seating{UID: uid}, nil
	}

	var claimed bool
	switch userID {
	case s.InitiatorID, s.CalleeID:
	default:
		switch {
		case s.InitiatorID == "":
			s.InitiatorID = userID
			if displayName != "" {
				s.InitiatorName = displayName
			}
		case s.CalleeID == "":
			s.CalleeID = userID
			s.CalleeName = displayName
		default:
			return Seating{}, ErrNotParticipant
		}
		claimed = true
	}

	used := make(map[uint32]struct{}, len(s.Participants))
	for _, p := range s.Participants {
		used[p.UID] = struct{}{}
	}
	var uid uint32
	for i := 0; i < maxUIDDraws; i++ {
		c := draw()
		if c == 0 {
			continue
		}
		if _, taken := used[c]; !taken {
			uid = c
			break
		}
	}
	if uid == 0 {
		return Seating{}, ErrRegistryContention
	}

	s.Participants = append(s.Participants, Participant{UserID: userID, DisplayName: displayName, UID: uid})
	s.UpdatedAt = at
	return Seating{UID: uid, Added: true, Claimed: claimed}, nil
}

// unseat drops userID's media uid and, with vacate, the seat it filled.
// An emptied initiator seat reads as an unknown caller again.
func unseat(s *Session, userID string, vacate bool) bool {
	if userID == "" {
		return false
	}
	changed := false
	kept := s.Participants[:0]
	for _, p := range s.Participants {
		if p.UserID == userID {
			changed = true
			continue
		}
		kept = append(kept, p)
	}
	s.Participants = kept
	if vacate {
		switch userID {
		case s.InitiatorID:
			s.InitiatorID, s.InitiatorName = "", UnknownCaller
			changed = true
		case s.CalleeID:
			s.CalleeID, s.CalleeName = "", ""
			changed = true
		}
	}
	return changed
}

// transition mutates s in place. Same-status is a no-op, backward is an error.
func transition(s *Session, to Status, at time.Time) (bool, error) {
	if !to.Valid() {
		return false, &TransitionError{From: s.Status, To: to}
	}
	if to == s.Status {
		return false, nil
	}
	if to.rank() < s.Status.rank() {
		return false, &TransitionError{From: s.Status, To: to}
	}
	if to == StatusEnded {
		end(s, EndReasonHangup, at)
		return true, nil
	}
	s.Status = to
	if to == StatusConnected && s.ConnectedAt == nil {
		t := at
		s.ConnectedAt = &t
	}
	s.UpdatedAt = at
	return true, nil
}

// advance is transition without the backward error: a session at or past to
// is left alone.
func advance(s *Session, to Status, at time.Time) (bool, error) {
	if to.Valid() && s.Status.rank() >= to.rank() {
		return false, nil
	}
	return transition(s, to, at)
}

func end(s *Session, reason EndReason, at time.Time) bool {
	if s.IsEnded() {
		return false
	}
	if reason == "" {
		reason = EndReasonHangup
	}
	t := at
	s.Status = StatusEnded
	s.EndReason = reason
	s.EndedAt = &t
	s.UpdatedAt = at
	return true
}

func isStale(s Session, before time.Time) bool {
	return (s.Status == StatusInitiating || s.Status == StatusRinging) && s.StartedAt.Before(before)
}

func isEvictable(s Session, endedBefore time.Time) bool {
	return s.IsEnded() && s.EndedAt != nil && s.EndedAt.Before(endedBefore)
}
