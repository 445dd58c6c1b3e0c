// Package fault defines the typed error taxonomy surfaced by the engine.
// Every mutation failure is returned synchronously to the caller as one of
// these types, never thrown as an unhandled fault.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a stable string discriminator usable on the wire.
type Kind string

const (
	KindParse            Kind = "parse"
	KindEditConflict     Kind = "edit_conflict"
	KindEditVerification Kind = "edit_verification"
	KindStaleSource      Kind = "stale_source"
	KindServiceStopped   Kind = "service_stopped"
	KindTransport        Kind = "transport"
	KindInternal         Kind = "internal"
)

// ParseError reports a malformed source region. Scans never abort on it;
// the region yields a diagnostic-carrying stub entity instead.
type ParseError struct {
	Path       string
	Locator    string
	Underlying error
	Timestamp  time.Time
}

// NewParseError creates a parse error for a source region.
func NewParseError(path, locator string, err error) *ParseError {
	return &ParseError{
		Path:       path,
		Locator:    locator,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

func (e *ParseError) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("parse failed for %s at %s: %v", e.Path, e.Locator, e.Underlying)
	}
	return fmt.Sprintf("parse failed for %s: %v", e.Path, e.Underlying)
}

func (e *ParseError) Unwrap() error { return e.Underlying }

// EditConflictError reports that the source changed under a pending patch.
// The engine auto-retries once against fresh content before giving up with
// StaleSourceError.
type EditConflictError struct {
	EntityID   string
	Path       string
	Underlying error
}

func NewEditConflictError(entityID, path string, err error) *EditConflictError {
	return &EditConflictError{EntityID: entityID, Path: path, Underlying: err}
}

func (e *EditConflictError) Error() string {
	return fmt.Sprintf("edit conflict for entity %s in %s: %v", e.EntityID, e.Path, e.Underlying)
}

func (e *EditConflictError) Unwrap() error { return e.Underlying }

// EditVerificationError is fatal: a strategy or translation program produced
// text that does not round-trip to the intended entity state. Surfaced to
// the caller, never retried.
type EditVerificationError struct {
	EntityID string
	Path     string
	Detail   string
}

func NewEditVerificationError(entityID, path, detail string) *EditVerificationError {
	return &EditVerificationError{EntityID: entityID, Path: path, Detail: detail}
}

func (e *EditVerificationError) Error() string {
	return fmt.Sprintf("edit verification failed for entity %s in %s: %s", e.EntityID, e.Path, e.Detail)
}

// StaleSourceError reports that a patch could not be applied even after a
// re-scan of its source file.
type StaleSourceError struct {
	EntityID string
	Path     string
}

func NewStaleSourceError(entityID, path string) *StaleSourceError {
	return &StaleSourceError{EntityID: entityID, Path: path}
}

func (e *StaleSourceError) Error() string {
	return fmt.Sprintf("source %s is stale for entity %s", e.Path, e.EntityID)
}

// ServiceStoppedError rejects mutations after Stop().
type ServiceStoppedError struct {
	Operation string
}

func NewServiceStoppedError(op string) *ServiceStoppedError {
	return &ServiceStoppedError{Operation: op}
}

func (e *ServiceStoppedError) Error() string {
	return fmt.Sprintf("service stopped, %s rejected", e.Operation)
}

// TransportError wraps failures at the transport boundary. Propagated to the
// caller; never crashes the engine.
type TransportError struct {
	Operation  string
	Underlying error
}

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Operation: op, Underlying: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Operation, e.Underlying)
}

func (e *TransportError) Unwrap() error { return e.Underlying }

// KindOf maps an error to its wire discriminator. Unknown errors report
// KindInternal.
func KindOf(err error) Kind {
	var (
		parseErr     *ParseError
		conflictErr  *EditConflictError
		verifyErr    *EditVerificationError
		staleErr     *StaleSourceError
		stoppedErr   *ServiceStoppedError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &conflictErr):
		return KindEditConflict
	case errors.As(err, &verifyErr):
		return KindEditVerification
	case errors.As(err, &staleErr):
		return KindStaleSource
	case errors.As(err, &stoppedErr):
		return KindServiceStopped
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindInternal
	}
}
