package calls

import (
	"strings"
	"time"
)

// Session is this service's record of one call's lifecycle.
//
// Invariants:
// - At most one non-ended session exists per ChannelName.
// - ChannelName is a pure function of AppointmentID.
// - Status only moves forward; ended is terminal and EndedAt is set exactly once.
// - Participant UIDs are unique within a session.
type Session struct {
	ID            string `json:"session_id"`
	ChannelName   string `json:"channel_name"`
	AppointmentID string `json:"appointment_id"`

	InitiatorID   string `json:"initiator_id"`
	InitiatorName string `json:"initiator_display_name"`
	CalleeID      string `json:"callee_id"`
	CalleeName    string `json:"callee_display_name"`

	Status    Status    `json:"status"`
	EndReason EndReason `json:"end_reason,omitempty"`

	// Participants holds everyone who has been issued a media uid for this session.
	Participants []Participant `json:"participants"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	UID         uint32 `json:"uid"`
}

type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

func (s Status) rank() int {
	switch s {
	case StatusInitiating:
		return 0
	case StatusRinging:
		return 1
	case StatusConnected:
		return 2
	case StatusEnded:
		return 3
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.rank() >= 0 }

type EndReason string

const (
	EndReasonHangup   EndReason = "hangup"
	EndReasonNoAnswer EndReason = "no-answer"
)

// UnknownCaller is the initiator display name of sessions opened by a direct join.
const UnknownCaller = "Unknown caller"

const channelPrefix = "appointment_"

// ChannelName derives the media channel for an appointment. Both parties
// compute it independently, so the format must never change.
func ChannelName(appointmentID string) string {
	return channelPrefix + appointmentID
}

// AppointmentFromChannel reverses ChannelName.
func AppointmentFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (s Session) IsEnded() bool { return s.Status == StatusEnded }

// IsParticipant reports whether userID holds a seat or a media uid in the session.
func (s Session) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if s.InitiatorID == userID || s.CalleeID == userID {
		return true
	}
	_, ok := s.participant(userID)
	return ok
}

// UIDFor returns the media uid issued to userID, if any.
func (s Session) UIDFor(userID string) (uint32, bool) {
	p, ok := s.participant(userID)
	if !ok {
		return 0, false
	}
	return p.UID, true
}

func (s Session) participant(userID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Others returns every known party except userID, deduplicated.
func (s Session) Others(userID string) []string {
	seen := map[string]struct{}{userID: {}, "": {}}
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(s.InitiatorID)
	add(s.CalleeID)
	for _, p := range s.Participants {
		add(p.UserID)
	}
	return out
}

func (s Session) clone() Session {
	out := s
	if s.Participants != nil {
		out.Participants = append([]Participant(nil), s.Participants...)
	}
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		out.ConnectedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}
