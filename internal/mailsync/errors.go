package mailsync

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks a push envelope whose body or payload cannot be decoded.
	ErrDecode = errors.New("mailsync: decode notification")

	// ErrMalformedPayload marks a decoded payload without a usable historyId.
	ErrMalformedPayload = errors.New("mailsync: malformed payload")

	// ErrAccountMismatch is returned by SyncProfile when the authorized
	// account is not the mailbox owner.
	ErrAccountMismatch = errors.New("mailsync: account mismatch")

	// ErrUnknownMailbox is returned by the Engine for an empty mailbox id.
	ErrUnknownMailbox = errors.New("mailsync: unknown mailbox")
)

// TransportError is a failed outbound provider call.
type TransportError struct {
	Op       string
	Resource string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ignore returns nil when err matches one of the tolerated sentinels.
func ignore(err error, tolerated ...error) error {
	for _, t := range tolerated {
		if errors.Is(err, t) {
			return nil
		}
	}
	return err
}
