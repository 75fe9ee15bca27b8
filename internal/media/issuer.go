package media

import (
	"context"
	"errors"
	"time"
)

// Issuer is the provider-agnostic interface for obtaining join credentials
// from the external real-time media provider.
//
// Rules:
// - No provider SDK calls outside media adapters.
// - Credentials are immutable values handed to exactly one caller.
type Issuer interface {
	Issue(ctx context.Context, req CredentialRequest) (Credential, error)
}

type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleSubscriber
}

// CredentialRequest identifies one participant in one channel.
type CredentialRequest struct {
	Channel string `json:"channel_name"`
	UID     uint32 `json:"uid"`
	Role    Role   `json:"role"`
}

// Credential is a time-limited token authorizing one participant to attach to one channel.
type Credential struct {
	Token     string    `json:"credential"`
	AppID     string    `json:"provider_app_id"`
	Channel   string    `json:"channel_name"`
	UID       uint32    `json:"uid"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

var ErrInvalidRequest = errors.New("media: invalid credential request")

func (r CredentialRequest) Validate() error {
	if r.Channel == "" {
		return errors.Join(ErrInvalidRequest, errors.New("channel_name is required"))
	}
	if r.UID == 0 {
		return errors.Join(ErrInvalidRequest, errors.New("uid must be non-zero"))
	}
	if !r.Role.Valid() {
		return errors.Join(ErrInvalidRequest, errors.New("role must be publisher or subscriber"))
	}
	return nil
}
