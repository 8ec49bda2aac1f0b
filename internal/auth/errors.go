package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueryAbsent means the redirect matched but carried no parameters.
	ErrQueryAbsent = errors.New("redirect has no query")
	// ErrSurfaceClosed is returned when closing a surface twice.
	ErrSurfaceClosed = errors.New("surface already closed")
	// ErrDismissed means the surface went away before a redirect arrived.
	ErrDismissed = errors.New("authorization dismissed")
	// ErrTimeout means no redirect arrived within the request's timeout.
	ErrTimeout = errors.New("timed out waiting for authorization redirect")
)

// MissingFieldsError is a redirect with parameters but without the ones
// the flow needs.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "redirect missing " + strings.Join(e.Fields, ", ")
}

// StateMismatchError is a redirect whose anti-forgery state differs from
// the one the flow generated. The values are kept out of the message.
type StateMismatchError struct {
	Got string
}

func (e *StateMismatchError) Error() string {
	return "redirect state does not match"
}

// ProviderError is an OAuth error redirect (`error`, `error_description`).
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "provider returned " + e.Code
	}
	return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
}

// HostError is a failure of the surface host itself. It means the process
// cannot run authorizations and is fatal to the polling loop that hit it.
type HostError struct {
	Op  string
	Err error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("auth host: %s: %v", e.Op, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }
