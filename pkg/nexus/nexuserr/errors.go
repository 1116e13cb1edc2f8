// Package nexuserr defines the error-kind taxonomy every nexus operation
// returns through: one sentinel per condition plus a typed wrapper
// carrying the fields a caller needs to render a protocol-level status.
package nexuserr

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category carried through the core and mapped to
// a gRPC/REST status code at the RPC boundary.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindAlreadyExists       Kind = "AlreadyExists"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindOperationNotAllowed Kind = "OperationNotAllowed"
	KindFailedPrecondition  Kind = "FailedPrecondition"
	KindIoError             Kind = "IoError"
	KindInternal            Kind = "Internal"
)

// Sentinels for errors.Is comparisons where no extra fields are needed.
var (
	ErrNexusNotFound  = errors.New("nexus not found")
	ErrChildNotFound  = errors.New("child not found")
	ErrDeviceNotFound = errors.New("device not found")

	ErrNameExists = errors.New("name already exists")
	ErrUUIDExists = errors.New("uuid already exists")
	ErrChildExists = errors.New("child already present")

	ErrChildTooSmall       = errors.New("child too small")
	ErrMixedBlockSizes     = errors.New("mixed block sizes across children")
	ErrChildGeometry       = errors.New("child geometry invalid")
	ErrBadKeyLength        = errors.New("reservation key must be 0 or 16 bytes")
	ErrBadProtocol         = errors.New("unsupported share protocol")
	ErrInvalidUUID         = errors.New("invalid uuid")
	ErrBadControllerIDRange = errors.New("controller-id range invalid")
	ErrBadReservationType   = errors.New("unsupported reservation type")
	ErrNotPublished         = errors.New("nexus is not published")
	ErrAnaStateInvalid      = errors.New("ana state must be one of optimized, non-optimized, inaccessible")

	ErrShuttingDown        = errors.New("nexus is shutting down")
	ErrAlreadyInProgress   = errors.New("operation already in progress")
	ErrLastChild           = errors.New("cannot remove the last child")
	ErrLastHealthyChild    = errors.New("cannot fault the last healthy child")
	ErrNexusIncomplete     = errors.New("nexus incomplete: one or more children failed to open")

	ErrPauseInProgress = errors.New("pause already in progress")
	ErrRebuildFailed   = errors.New("rebuild failed")

	ErrDeadlineExceeded = errors.New("deadline exceeded acquiring lock")
)

// Error wraps an underlying sentinel with its Kind and optional I/O context
// fields (device/offset/length/NVMe status), matching the IoError
// shape.
type Error struct {
	Kind   Kind
	Err    error
	Device string
	Offset uint64
	Length uint64
	NvmeStatus int
}

func (e *Error) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v (device=%s offset=%d length=%d nvme_status=%d)",
		e.Kind, e.Err, e.Device, e.Offset, e.Length, e.NvmeStatus)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a plain *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewIoError builds an IoError carrying device/offset/length/status context.
func NewIoError(err error, device string, offset, length uint64, nvmeStatus int) *Error {
	return &Error{
		Kind:       KindIoError,
		Err:        err,
		Device:     device,
		Offset:     offset,
		Length:     length,
		NvmeStatus: nvmeStatus,
	}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
