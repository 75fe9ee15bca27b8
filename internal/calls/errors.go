package calls

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("calls: session not found")
	ErrInvalidArgument    = errors.New("calls: invalid argument")
	ErrNotParticipant     = errors.New("calls: caller is not a participant")
	ErrCredentialIssuance = errors.New("calls: credential issuance failed")
	ErrInvalidTransition  = errors.New("calls: invalid status transition")
	ErrRegistryContention = errors.New("calls: registry update contention")
)

// TransitionError reports a rejected status change. It matches ErrInvalidTransition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("calls: invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
