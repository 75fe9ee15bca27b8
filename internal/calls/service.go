package calls

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/media"
	"call-signaling/internal/metrics"
	"call-signaling/internal/outbox"
	"call-signaling/internal/rbac"
	"call-signaling/pkg/logger"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// Notifier is the slice of the outbox the controller writes to.
type Notifier interface {
	Append(ctx context.Context, recipientID string, typ outbox.EventType, p outbox.Payload) (outbox.Event, error)
	Cursor(ctx context.Context, recipientID string) (int64, error)
}

type Options struct {
	RingTimeout    time.Duration
	EndedRetention time.Duration
	NotifyTimeout  time.Duration
	// JoinURLBase, when set, is used to build a shareable join link.
	JoinURLBase string
}

// Service orchestrates the call lifecycle: it mutates the registry, requests
// credentials and appends notifications. It holds no session state itself.
type Service struct {
	registry Registry
	issuer   media.Issuer
	notifier Notifier
	opts     Options
	clock    func() time.Time
}

func NewService(registry Registry, issuer media.Issuer, notifier Notifier, opts Options) *Service {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 60 * time.Second
	}
	if opts.EndedRetention <= 0 {
		opts.EndedRetention = time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	return &Service{registry: registry, issuer: issuer, notifier: notifier, opts: opts, clock: time.Now}
}

type StartRequest struct {
	AppointmentID string `json:"appointment_id"`
	CalleeID      string `json:"callee_id"`
	CalleeName    string `json:"callee_name"`
}

type JoinRequest struct {
	AppointmentID string `json:"appointment_id"`
	ChannelName   string `json:"channel_name,omitempty"`
}

// JoinDescriptor is everything one participant needs to attach to the media channel.
type JoinDescriptor struct {
	SessionID     string    `json:"session_id"`
	ChannelName   string    `json:"channel_name"`
	AppointmentID string    `json:"appointment_id"`
	Credential    string    `json:"credential"`
	ProviderAppID string    `json:"provider_app_id"`
	UID           uint32    `json:"uid"`
	Status        Status    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	// EventsCursor is the caller's outbox head captured before the session
	// advanced. Subscribe from it before attaching media.
	EventsCursor int64  `json:"events_cursor"`
	JoinURL      string `json:"join_url,omitempty"`
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// StartCall opens (or reopens) the session for an appointment and rings the callee.
func (s *Service) StartCall(ctx context.Context, caller auth.Identity, req StartRequest) (JoinDescriptor, error) {
	if caller.UserID == "" {
		return JoinDescriptor{}, auth.ErrUnauthenticated
	}
	if req.AppointmentID == "" || req.CalleeID == "" {
		return JoinDescriptor{}, fmt.Errorf("%w: appointment_id and callee_id are required", ErrInvalidArgument)
	}
	if req.CalleeID == caller.UserID {
		return JoinDescriptor{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}

	sess, created, err := s.registry.Create(ctx, CreateParams{
		AppointmentID: req.AppointmentID,
		InitiatorID:   caller.UserID,
		InitiatorName: caller.Name,
		CalleeID:      req.CalleeID,
		CalleeName:    req.CalleeName,
		At:            s.now(),
	})
	if err != nil {
		return JoinDescriptor{}, err
	}
	log := logger.From(ctx).With("session_id", sess.ID, "channel", sess.ChannelName)

	id := sess.ID
	sess, seating, err := s.registry.Seat(ctx, id, caller.UserID, caller.Name, s.now())
	if err != nil {
		s.rollback(ctx, id, caller.UserID, created, Seating{})
		return JoinDescriptor{}, err
	}

	cursor := s.cursor(ctx, caller.UserID)

	cred, err := s.issue(ctx, sess.ChannelName, seating.UID)
	if err != nil {
		s.rollback(ctx, id, caller.UserID, created, seating)
		log.Error("credential issuance failed", "error", err.Error())
		return JoinDescriptor{}, err
	}

	// The callee may have answered since Seat; a connected call stays connected.
	sess, from, err := s.registry.Advance(ctx, id, StatusRinging, s.now())
	if err != nil {
		return JoinDescriptor{}, err
	}
	if sess.IsEnded() {
		return JoinDescriptor{}, &TransitionError{From: StatusEnded, To: StatusRinging}
	}
	if from != sess.Status {
		metrics.CallTransitionsTotal.WithLabelValues(string(StatusRinging)).Inc()
	}

	if sess.Status == StatusRinging {
		// A repeated StartCall re-rings; the duplicate shares the idempotency key.
		for _, rid := range sess.Others(caller.UserID) {
			s.notify(ctx, rid, outbox.EventIncomingCall, payloadFor(sess, ""))
		}
	}

	log.Info("call started", "created", created, "status", string(sess.Status))
	return s.descriptor(sess, cred, cursor), nil
}

// JoinCall attaches the caller to the appointment's live session.
// With no live session and a resolvable appointment id, a placeholder session
// with an unknown caller is opened.
func (s *Service) JoinCall(ctx context.Context, caller auth.Identity, req JoinRequest) (JoinDescriptor, error) {
	if caller.UserID == "" {
		return JoinDescriptor{}, auth.ErrUnauthenticated
	}
	sess, created, err := s.resolve(ctx, caller, req)
	if err != nil {
		return JoinDescriptor{}, err
	}
	log := logger.From(ctx).With("session_id", sess.ID, "channel", sess.ChannelName)

	id := sess.ID
	sess, seating, err := s.registry.Seat(ctx, id, caller.UserID, caller.Name, s.now())
	if err != nil {
		s.rollback(ctx, id, caller.UserID, created, Seating{})
		return JoinDescriptor{}, err
	}

	// Captured before connected so call-accepted and later events land after it.
	cursor := s.cursor(ctx, caller.UserID)

	cred, err := s.issue(ctx, sess.ChannelName, seating.UID)
	if err != nil {
		s.rollback(ctx, id, caller.UserID, created, seating)
		log.Error("credential issuance failed", "error", err.Error())
		return JoinDescriptor{}, err
	}

	// The initiator rejoining a ringing call does not answer it.
	if sess.InitiatorID != caller.UserID {
		var from Status
		sess, from, err = s.registry.Advance(ctx, id, StatusConnected, s.now())
		if err != nil {
			return JoinDescriptor{}, err
		}
		if sess.IsEnded() {
			return JoinDescriptor{}, &TransitionError{From: StatusEnded, To: StatusConnected}
		}
		if from != sess.Status {
			metrics.CallTransitionsTotal.WithLabelValues(string(StatusConnected)).Inc()
			// Only the join that moved ringing to connected reports the answer.
			if from == StatusRinging && sess.InitiatorID != "" {
				s.notify(ctx, sess.InitiatorID, outbox.EventCallAccepted, payloadFor(sess, ""))
			}
		}
	}

	log.Info("call joined", "placeholder", created, "status", string(sess.Status))
	return s.descriptor(sess, cred, cursor), nil
}

func (s *Service) resolve(ctx context.Context, caller auth.Identity, req JoinRequest) (Session, bool, error) {
	var candidates []string
	if req.ChannelName != "" {
		candidates = append(candidates, req.ChannelName)
	}
	if req.AppointmentID != "" {
		if ch := ChannelName(req.AppointmentID); ch != req.ChannelName {
			candidates = append(candidates, ch)
		}
	}
	if len(candidates) == 0 {
		return Session{}, false, fmt.Errorf("%w: appointment_id or channel_name is required", ErrInvalidArgument)
	}

	for _, ch := range candidates {
		sess, err := s.registry.FindByChannel(ctx, ch)
		if err == nil {
			return sess, false, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return Session{}, false, err
		}
	}

	apt := req.AppointmentID
	if apt == "" {
		apt, _ = AppointmentFromChannel(req.ChannelName)
	} else if req.ChannelName != "" && req.ChannelName != ChannelName(apt) {
		// A placeholder on the appointment channel would strand the caller
		// away from the channel they asked for.
		return Session{}, false, fmt.Errorf("%w: channel_name %q does not belong to appointment %q", ErrInvalidArgument, req.ChannelName, apt)
	}
	if apt == "" {
		return Session{}, false, ErrSessionNotFound
	}

	return s.registry.Create(ctx, CreateParams{
		AppointmentID: apt,
		InitiatorName: UnknownCaller,
		CalleeID:      caller.UserID,
		CalleeName:    caller.Name,
		At:            s.now(),
	})
}

// EndCall is idempotent: ending an ended or already evicted session succeeds
// without side effects.
func (s *Service) EndCall(ctx context.Context, caller auth.Identity, sessionID string) error {
	if caller.UserID == "" {
		return auth.ErrUnauthenticated
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("%w: session_id must be a uuid", ErrInvalidArgument)
	}

	sess, err := s.registry.FindByID(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.IsParticipant(caller.UserID) && !rbac.IsAdmin(caller.Role) {
		return ErrNotParticipant
	}

	_, err = s.end(ctx, sess.ID, caller.UserID, EndReasonHangup)
	return err
}

// end terminates the session and notifies everyone except actorID.
// Notification fan-out is bounded per recipient and never fails the end.
func (s *Service) end(ctx context.Context, id, actorID string, reason EndReason) (bool, error) {
	sess, changed, err := s.registry.End(ctx, id, reason, s.now())
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	metrics.CallTransitionsTotal.WithLabelValues(string(StatusEnded)).Inc()
	metrics.CallsEndedTotal.WithLabelValues(string(reason)).Inc()

	payload := payloadFor(sess, reason)
	detached := context.WithoutCancel(ctx)
	var wg conc.WaitGroup
	for _, rid := range sess.Others(actorID) {
		rid := rid
		wg.Go(func() {
			nctx, cancel := context.WithTimeout(detached, s.opts.NotifyTimeout)
			defer cancel()
			s.notify(nctx, rid, outbox.EventCallEnded, payload)
		})
	}
	wg.Wait()

	logger.From(ctx).Info("call ended", "session_id", sess.ID, "reason", string(reason))
	return true, nil
}

// IssueToken issues a standalone credential for an explicit channel and uid.
func (s *Service) IssueToken(ctx context.Context, caller auth.Identity, channel string, uid uint32, role media.Role) (media.Credential, error) {
	if caller.UserID == "" {
		return media.Credential{}, auth.ErrUnauthenticated
	}
	if role == "" {
		role = media.RolePublisher
	}
	cred, err := s.issuer.Issue(ctx, media.CredentialRequest{Channel: channel, UID: uid, Role: role})
	if err != nil {
		if errors.Is(err, media.ErrInvalidRequest) {
			return media.Credential{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return media.Credential{}, fmt.Errorf("%w: %w", ErrCredentialIssuance, err)
	}
	return cred, nil
}

// ActiveSessions answers "is this user currently in a call".
func (s *Service) ActiveSessions(ctx context.Context, userID string) ([]Session, error) {
	all, err := s.registry.SessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(all))
	for _, sess := range all {
		if !sess.IsEnded() {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, caller auth.Identity, sessionID string) (Session, error) {
	if caller.UserID == "" {
		return Session{}, auth.ErrUnauthenticated
	}
	sess, err := s.registry.FindByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !sess.IsParticipant(caller.UserID) && !rbac.IsAdmin(caller.Role) {
		return Session{}, ErrNotParticipant
	}
	return sess, nil
}

func (s *Service) issue(ctx context.Context, channel string, uid uint32) (media.Credential, error) {
	cred, err := s.issuer.Issue(ctx, media.CredentialRequest{Channel: channel, UID: uid, Role: media.RolePublisher})
	if err != nil {
		return media.Credential{}, fmt.Errorf("%w: %w", ErrCredentialIssuance, err)
	}
	return cred, nil
}

// rollback undoes what a failed request did to the registry: a session it
// created is discarded, a seat it took is given back.
func (s *Service) rollback(ctx context.Context, id, userID string, created bool, seating Seating) {
	log := logger.From(ctx).With("session_id", id)
	if created {
		err := s.registry.Discard(ctx, id)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrInvalidTransition) {
			log.Error("session rollback failed", "error", err.Error())
			return
		}
		// Someone else moved the session on; fall through and release the seat.
	}
	if !seating.Added {
		return
	}
	if _, err := s.registry.Unseat(ctx, id, userID, seating.Claimed); err != nil {
		log.Error("seat rollback failed", "user_id", userID, "error", err.Error())
	}
}

func (s *Service) cursor(ctx context.Context, userID string) int64 {
	c, err := s.notifier.Cursor(ctx, userID)
	if err != nil {
		// Zero replays the whole stream, which is safe under at-least-once.
		logger.From(ctx).Warn("events cursor unavailable", "recipient_id", userID, "error", err.Error())
		return 0
	}
	return c
}

func (s *Service) notify(ctx context.Context, recipientID string, typ outbox.EventType, p outbox.Payload) {
	if _, err := s.notifier.Append(ctx, recipientID, typ, p); err != nil {
		logger.From(ctx).Error("notification not recorded",
			"recipient_id", recipientID,
			"event_type", string(typ),
			"session_id", p.SessionID,
			"error", err.Error(),
		)
	}
}

func (s *Service) descriptor(sess Session, cred media.Credential, cursor int64) JoinDescriptor {
	d := JoinDescriptor{
		SessionID:     sess.ID,
		ChannelName:   sess.ChannelName,
		AppointmentID: sess.AppointmentID,
		Credential:    cred.Token,
		ProviderAppID: cred.AppID,
		UID:           cred.UID,
		Status:        sess.Status,
		ExpiresAt:     cred.ExpiresAt,
		EventsCursor:  cursor,
	}
	if s.opts.JoinURLBase != "" {
		q := url.Values{}
		q.Set("channel", sess.ChannelName)
		q.Set("session_id", sess.ID)
		d.JoinURL = s.opts.JoinURLBase + "?" + q.Encode()
	}
	return d
}

func payloadFor(sess Session, reason EndReason) outbox.Payload {
	return outbox.Payload{
		SessionID:     sess.ID,
		ChannelName:   sess.ChannelName,
		AppointmentID: sess.AppointmentID,
		CallerID:      sess.InitiatorID,
		CallerName:    sess.InitiatorName,
		CalleeID:      sess.CalleeID,
		CalleeName:    sess.CalleeName,
		Reason:        string(reason),
	}
}
