package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind names one failure in the scan error taxonomy. Kinds are stable strings
// because they cross process and machine boundaries.
type Kind string

const (
	// device errors
	KindDeviceNotFound Kind = "device_not_found"
	KindDeviceOffline  Kind = "device_offline"
	KindNoPages        Kind = "no_pages"
	KindDriverFailure  Kind = "driver_failure"

	// capability errors
	KindDriverUnsupported Kind = "driver_unsupported"
	KindDuplexUnsupported Kind = "duplex_unsupported"
	KindFeederUnsupported Kind = "feeder_unsupported"

	// transport errors
	KindHandshakeTimeout Kind = "handshake_timeout"
	KindChannelBroken    Kind = "channel_broken"
	KindWorkerExited     Kind = "worker_exited"
	KindRemoteError      Kind = "remote_error"

	KindCancelled Kind = "cancelled"

	// configuration errors
	KindNoWorkerExecutable Kind = "no_worker_executable"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindInvalidOptions     Kind = "invalid_options"
	KindNotInitialized     Kind = "not_initialized"

	// KindUnclassified is what a worker sends for errors it cannot place in
	// the taxonomy. Receivers turn it into KindRemoteError.
	KindUnclassified Kind = "unclassified"
)

type Category string

const (
	CategoryDevice        Category = "device"
	CategoryCapability    Category = "capability"
	CategoryTransport     Category = "transport"
	CategoryCancellation  Category = "cancellation"
	CategoryConfiguration Category = "configuration"
	CategoryUnknown       Category = "unknown"
)

var categories = map[Kind]Category{
	KindDeviceNotFound:     CategoryDevice,
	KindDeviceOffline:      CategoryDevice,
	KindNoPages:            CategoryDevice,
	KindDriverFailure:      CategoryDevice,
	KindDriverUnsupported:  CategoryCapability,
	KindDuplexUnsupported:  CategoryCapability,
	KindFeederUnsupported:  CategoryCapability,
	KindHandshakeTimeout:   CategoryTransport,
	KindChannelBroken:      CategoryTransport,
	KindWorkerExited:       CategoryTransport,
	KindRemoteError:        CategoryTransport,
	KindCancelled:          CategoryCancellation,
	KindNoWorkerExecutable: CategoryConfiguration,
	KindPoolExhausted:      CategoryConfiguration,
	KindInvalidOptions:     CategoryConfiguration,
	KindNotInitialized:     CategoryConfiguration,
}

// Category returns the group a kind belongs to.
func (k Kind) Category() Category {
	if c, ok := categories[k]; ok {
		return c
	}
	return CategoryUnknown
}

// Known reports whether k is part of the taxonomy.
func (k Kind) Known() bool {
	_, ok := categories[k]
	return ok
}

// Error is a classified scan failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	// Message already carries the cause when built by Errorf.
	switch {
	case e.Message != "":
		return string(e.Kind) + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf returns a classified error with a formatted message. A %w verb wraps
// the cause as usual.
func Errorf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{
		Kind:    kind,
		Message: wrapped.Error(),
		Err:     errors.Unwrap(wrapped),
	}
}

// Wrap classifies err under kind. It returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

var (
	ErrDeviceNotFound     = &Error{Kind: KindDeviceNotFound}
	ErrDeviceOffline      = &Error{Kind: KindDeviceOffline}
	ErrNoPages            = &Error{Kind: KindNoPages}
	ErrDriverFailure      = &Error{Kind: KindDriverFailure}
	ErrDriverUnsupported  = &Error{Kind: KindDriverUnsupported}
	ErrDuplexUnsupported  = &Error{Kind: KindDuplexUnsupported}
	ErrFeederUnsupported  = &Error{Kind: KindFeederUnsupported}
	ErrHandshakeTimeout   = &Error{Kind: KindHandshakeTimeout}
	ErrChannelBroken      = &Error{Kind: KindChannelBroken}
	ErrWorkerExited       = &Error{Kind: KindWorkerExited}
	ErrRemote             = &Error{Kind: KindRemoteError}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrNoWorkerExecutable = &Error{Kind: KindNoWorkerExecutable}
	ErrPoolExhausted      = &Error{Kind: KindPoolExhausted}
	ErrInvalidOptions     = &Error{Kind: KindInvalidOptions}
	ErrNotInitialized     = &Error{Kind: KindNotInitialized}
)

// KindOf classifies an arbitrary error. Context errors become KindCancelled,
// anything outside the taxonomy is KindUnclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind.Known() {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnclassified
}

// IsTransport reports whether err is a transport failure. Those mean the
// worker can not be trusted any more.
func IsTransport(err error) bool {
	return KindOf(err).Category() == CategoryTransport
}

// Cancelled returns a KindCancelled error wrapping cause.
func Cancelled(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	if KindOf(cause) == KindCancelled {
		var e *Error
		if errors.As(cause, &e) {
			return cause
		}
	}
	return &Error{Kind: KindCancelled, Err: cause}
}
