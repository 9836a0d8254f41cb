package looppool

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrorCode represents the type of pool error for programmatic handling.
type ErrorCode int

const (
	// CodeUnknown indicates an unclassified error.
	CodeUnknown ErrorCode = iota
	// CodeQueryFailed indicates the loop status ioctl failed for a candidate.
	CodeQueryFailed
	// CodeMalformedResponse indicates a sysfs attribute violated the kernel
	// interface contract (missing newline terminator).
	CodeMalformedResponse
	// CodeIdentityMismatch indicates the backing file on disk no longer
	// matches the identity the kernel recorded at bind time.
	CodeIdentityMismatch
	// CodeInvalidKey indicates a lookup key of an unsupported shape.
	CodeInvalidKey
)

// String returns the string representation of an error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeQueryFailed:
		return "QUERY_FAILED"
	case CodeMalformedResponse:
		return "MALFORMED_RESPONSE"
	case CodeIdentityMismatch:
		return "IDENTITY_MISMATCH"
	case CodeInvalidKey:
		return "INVALID_KEY"
	default:
		return "UNKNOWN"
	}
}

// PoolError is the base interface for classified pool errors.
type PoolError interface {
	error
	Code() ErrorCode
}

// IsErrorCode checks if an error has the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var pe PoolError
	if errors.As(err, &pe) {
		return pe.Code() == code
	}
	return false
}

// QueryError indicates the loop-info ioctl failed for one candidate device.
// The failure is scoped to that candidate: the device may be unbound, of the
// wrong type, or inaccessible. No retry is attempted; a device observed
// mid-transition looks exactly like a broken one, and only the caller knows
// which it is.
type QueryError struct {
	DevicePath string // Loop device node the ioctl was issued on
	Cause      error  // Underlying ioctl error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("loop status query failed for %s: %v", e.DevicePath, e.Cause)
}

// Code returns the error code for programmatic handling.
func (e *QueryError) Code() ErrorCode {
	return CodeQueryFailed
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// MalformedResponseError indicates a sysfs backing_file attribute was present
// but lacked its newline terminator. The kernel always newline-terminates the
// attribute, so this signals the interface contract changed rather than an
// ordinary unbound device.
type MalformedResponseError struct {
	DevicePath string // Loop device node the attribute belongs to
	Cause      error  // Underlying read error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed sysfs response for %s: %v", e.DevicePath, e.Cause)
}

// Code returns the error code for programmatic handling.
func (e *MalformedResponseError) Code() ErrorCode {
	return CodeMalformedResponse
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Cause
}

// IdentityMismatchError indicates a fresh stat of the backing file disagrees
// with the identity the kernel reported for the loop binding. The file was
// moved or replaced after the device was bound; such a candidate is rejected
// rather than silently admitted.
type IdentityMismatchError struct {
	DevicePath  string // Loop device node
	BackingFile string // Backing path as reported by sysfs
	WantDevice  uint64 // Filesystem device number reported by the kernel
	WantInode   uint64 // Inode number reported by the kernel
	GotDevice   uint64 // Filesystem device number from stat
	GotInode    uint64 // Inode number from stat
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("backing file %s of %s changed since binding: kernel reports (%d, %d), stat reports (%d, %d)",
		e.BackingFile, e.DevicePath, e.WantDevice, e.WantInode, e.GotDevice, e.GotInode)
}

// Code returns the error code for programmatic handling.
func (e *IdentityMismatchError) Code() ErrorCode {
	return CodeIdentityMismatch
}

// InvalidKeyError indicates a lookup key that is none of the accepted shapes.
// It unwraps to errdefs.ErrInvalidArgument.
type InvalidKeyError struct {
	Key any // The offending key
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("unsupported lookup key %v of type %T: %v", e.Key, e.Key, errdefs.ErrInvalidArgument)
}

// Code returns the error code for programmatic handling.
func (e *InvalidKeyError) Code() ErrorCode {
	return CodeInvalidKey
}

func (e *InvalidKeyError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}
