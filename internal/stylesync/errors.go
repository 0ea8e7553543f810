package stylesync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrValidationRejected  = errors.New("validation rejected")
	ErrMalformedEntity     = errors.New("malformed entity")
	ErrRemoteUnavailable   = errors.New("remote unavailable")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrSessionClosed       = errors.New("session closed")
	ErrUnsupportedEntity   = errors.New("unsupported entity kind")
	ErrLineageCycle        = errors.New("lineage cycle")
	ErrLineageDisconnected = errors.New("lineage parent missing")
)

// ValidationError reports why an entity payload may not leave the local
// store for the remote store. Field is a dotted path into the document.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation rejected: %s", e.Reason)
	}
	return fmt.Sprintf("validation rejected at %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationRejected
}

// RemoteError carries the status of a failed remote store operation.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Status {
	case 401, 403:
		return target == ErrPermissionDenied
	case 404:
		return target == ErrNotFound
	}
	if e.Status == 0 || e.Status == 429 || e.Status >= 500 {
		return target == ErrRemoteUnavailable
	}
	return false
}
