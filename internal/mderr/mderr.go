// Package mderr defines the closed taxonomy of error kinds the core
// reports (spec §7) and a wrapper that attaches a kind to an underlying,
// stack-traced error.
package mderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of error taxa the core can report.
type Kind int

const (
	Unknown Kind = iota
	NoDevice
	NotBlockDevice
	TooSmall
	NoMagic
	BadChecksum
	WrongVersion
	IncompatibleMetadata
	Busy
	PermissionDenied
	IoError
	KernelUnsupported
	BitmapPresent
	NoQuorum
	AlreadyAssembled
	ReshapeInProgress
	BackupMissing
	BackupStale
	AllocationFailure
)

func (k Kind) String() string {
	switch k {
	case NoDevice:
		return "no-device"
	case NotBlockDevice:
		return "not-block-device"
	case TooSmall:
		return "too-small"
	case NoMagic:
		return "no-magic"
	case BadChecksum:
		return "bad-checksum"
	case WrongVersion:
		return "wrong-version"
	case IncompatibleMetadata:
		return "incompatible-metadata"
	case Busy:
		return "busy"
	case PermissionDenied:
		return "permission-denied"
	case IoError:
		return "io-error"
	case KernelUnsupported:
		return "kernel-unsupported"
	case BitmapPresent:
		return "bitmap-present"
	case NoQuorum:
		return "no-quorum"
	case AlreadyAssembled:
		return "already-assembled"
	case ReshapeInProgress:
		return "reshape-in-progress"
	case BackupMissing:
		return "backup-missing"
	case BackupStale:
		return "backup-stale"
	case AllocationFailure:
		return "allocation-failure"
	default:
		return "unknown"
	}
}

// taxonError pairs a Kind with a wrapped, stack-traced cause.
type taxonError struct {
	kind  Kind
	cause error
}

func (e *taxonError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *taxonError) Unwrap() error { return e.cause }

func (e *taxonError) Kind() Kind { return e.kind }

// New wraps msg as a stack-traced error of the given kind.
func New(k Kind, msg string) error {
	return &taxonError{kind: k, cause: errors.New(msg)}
}

// Wrap attaches kind to an existing error, preserving its stack via
// errors.Wrap. Returns nil if err is nil.
func Wrap(err error, k Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &taxonError{kind: k, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, k Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &taxonError{kind: k, cause: errors.Wrapf(err, format, args...)}
}

// KindOf returns the Kind attached to err via Wrap/New, or Unknown if err
// carries none.
func KindOf(err error) Kind {
	var te *taxonError
	if errors.As(err, &te) {
		return te.kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) carries kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
