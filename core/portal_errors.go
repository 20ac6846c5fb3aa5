package core

import (
	"errors"
	"fmt"
)

var (
	// ErrPortalConnectivity marks transport-level failures talking to the portal.
	ErrPortalConnectivity = errors.New("portal unreachable")
	// ErrAuthenticationFailed marks a rejected or unrecognised login exchange.
	ErrAuthenticationFailed = errors.New("portal authentication failed")
	// ErrSessionExpired marks a response served to a logged-out session.
	ErrSessionExpired = errors.New("portal session expired")
	// ErrInvalidResponse marks a non-JSON answer that is not a login page either.
	ErrInvalidResponse = errors.New("invalid portal response")
)

// PortalError carries the failing operation, a human-readable reason, the
// error class (one of the Err* sentinels above) and an optional cause.
type PortalError struct {
	Op     string
	Reason string
	Kind   error
	Cause  error
}

func (e *PortalError) Error() string {
	msg := fmt.Sprintf("xcrew %s: %s", e.Op, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PortalError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func authFailed(reason string) error {
	return &PortalError{Op: "authenticate", Reason: reason, Kind: ErrAuthenticationFailed}
}

func sessionExpired(op string) error {
	return &PortalError{Op: op, Reason: "session expired", Kind: ErrSessionExpired}
}
