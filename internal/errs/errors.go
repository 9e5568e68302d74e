// Package errs defines the error taxonomy shared by every chunkdrive layer.
// Sentinels are matched with errors.Is, structured errors with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chunkdrive/chunkdrive/internal/chunk"
)

// Sentinel errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrReadOnly         = errors.New("filesystem is read-only")
	ErrNoCapacity       = errors.New("no bucket has capacity for chunk")
	ErrCapacityExceeded = errors.New("bucket capacity exceeded")
	ErrDecryption       = errors.New("decryption failed")
	ErrIntegrity        = errors.New("content hash mismatch")
	ErrRootUnavailable  = errors.New("root descriptor unavailable")
	ErrUnsupported      = errors.New("operation not supported by backend")
	ErrInvalidPath      = errors.New("invalid path")
	ErrExists           = errors.New("already exists")
	ErrIsDir            = errors.New("is a directory")
	ErrNotDir           = errors.New("not a directory")
)

// ConfigError reports a malformed or missing bucket configuration field.
type ConfigError struct {
	Bucket string
	Field  string
	Msg    string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Bucket != "" && e.Field != "":
		return fmt.Sprintf("config: bucket %q: %s: %s", e.Bucket, e.Field, e.Msg)
	case e.Bucket != "":
		return fmt.Sprintf("config: bucket %q: %s", e.Bucket, e.Msg)
	case e.Field != "":
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
	return "config: " + e.Msg
}

// Kind tells whether a backend failure may be retried.
type Kind int

const (
	Permanent Kind = iota
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Reason narrows a BackendError down to an actionable cause.
type Reason string

const (
	ReasonRateLimit    Reason = "rate_limit"
	ReasonNetwork      Reason = "network"
	ReasonServer       Reason = "server"
	ReasonAuth         Reason = "auth"
	ReasonRegion       Reason = "region"
	ReasonAccessDenied Reason = "access_denied"
	ReasonNotFound     Reason = "not_found"
	ReasonInvalid      Reason = "invalid"
	ReasonCapacity     Reason = "capacity"
)

// BackendError wraps a failure returned by a storage backend.
type BackendError struct {
	Backend string // backend kind, e.g. "s3"
	Op      string // put, get, delete, list
	Kind    Kind
	Reason  Reason
	Status  int // HTTP status when known
	Err     error

	// RetryAfter is the server-requested delay before retrying, if any.
	RetryAfter time.Duration
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Backend, e.Op, e.Kind)
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " HTTP %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) and errors.Is(err, ErrCapacityExceeded)
// see through backend failures with the matching reason.
func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Reason == ReasonNotFound
	case ErrCapacityExceeded:
		return e.Reason == ReasonCapacity
	}
	return false
}

// Backend builds a BackendError.
func Backend(backend, op string, kind Kind, reason Reason, status int, err error) *BackendError {
	return &BackendError{Backend: backend, Op: op, Kind: kind, Reason: reason, Status: status, Err: err}
}

// IsTransient reports whether err carries a transient backend failure.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == Transient
}

// OrphanedChunksError lists chunks that compensating cleanup failed to delete.
type OrphanedChunksError struct {
	Refs []chunk.Ref
	Errs []error
}

func (e *OrphanedChunksError) Error() string {
	return fmt.Sprintf("%d orphaned chunk(s) left behind: %v", len(e.Refs), errors.Join(e.Errs...))
}

func (e *OrphanedChunksError) Unwrap() []error { return e.Errs }

// PartialWriteError reports a multi-chunk write that failed part way through.
// Orphans is set when the compensating cleanup itself failed.
type PartialWriteError struct {
	Cause   error
	Written int // chunks stored before the failure
	Orphans *OrphanedChunksError
}

func (e *PartialWriteError) Error() string {
	msg := fmt.Sprintf("partial write failure after %d chunk(s): %v", e.Written, e.Cause)
	if e.Orphans != nil {
		msg += "; " + e.Orphans.Error()
	}
	return msg
}

func (e *PartialWriteError) Unwrap() []error {
	if e.Orphans != nil {
		return []error{e.Cause, e.Orphans}
	}
	return []error{e.Cause}
}
