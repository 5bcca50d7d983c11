package binder

import (
	"errors"

	"github.com/openbinder/openbinder/pkg/wire"
)

// Errors returned by engine entry points. Protocol-level failures are
// not returned from WriteRead; they are delivered to the caller as
// events in the read stream.
var (
	// ErrInvalid indicates a malformed or unsupported command or argument.
	ErrInvalid = errors.New("binder: invalid argument")

	// ErrPermission indicates the security policy rejected the operation.
	ErrPermission = errors.New("binder: permission denied")

	// ErrNoSpace indicates the target's transfer arena could not fit
	// the payload.
	ErrNoSpace = errors.New("binder: no space in transfer arena")

	// ErrDeadTarget indicates the addressed participant or object no
	// longer exists.
	ErrDeadTarget = errors.New("binder: dead target")

	// ErrTryAgain is returned by a non-blocking read when no work is
	// pending.
	ErrTryAgain = errors.New("binder: no work pending")

	// ErrBadHandle indicates a handle that does not name a live ref,
	// or names one with too weak a reference for the operation.
	ErrBadHandle = errors.New("binder: bad handle")

	// ErrProtocol indicates a call-stack protocol violation, such as
	// a reply without a matching incoming transaction.
	ErrProtocol = errors.New("binder: protocol violation")

	// ErrFault indicates a command or payload was truncated.
	ErrFault = errors.New("binder: truncated buffer")

	// ErrBusy indicates the registrar seat is already taken.
	ErrBusy = errors.New("binder: registrar already set")

	// ErrClosed indicates the participant or domain has been closed.
	ErrClosed = errors.New("binder: closed")

	// ErrDescriptorLimit indicates the target's descriptor table is full.
	ErrDescriptorLimit = errors.New("binder: descriptor table full")

	// ErrBadDescriptor indicates a descriptor that is not present in
	// the sender's table.
	ErrBadDescriptor = errors.New("binder: bad descriptor")
)

// FailureEvent maps an engine error to the terminal event reporting it
// to the sender of a transaction that could not complete. Dead targets
// produce BR_DEAD_REPLY; everything else is a plain failed reply.
func FailureEvent(err error) uint32 {
	if errors.Is(err, ErrDeadTarget) {
		return wire.BR_DEAD_REPLY
	}
	return wire.BR_FAILED_REPLY
}

// Errno maps an engine error to the errno-style parameter recorded in
// transaction logs and delivered alongside terminal events.
func Errno(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrPermission):
		return -1 // EPERM
	case errors.Is(err, ErrDeadTarget):
		return -3 // ESRCH
	case errors.Is(err, ErrBadDescriptor):
		return -9 // EBADF
	case errors.Is(err, ErrTryAgain):
		return -11 // EAGAIN
	case errors.Is(err, ErrFault):
		return -14 // EFAULT
	case errors.Is(err, ErrBusy):
		return -16 // EBUSY
	case errors.Is(err, ErrDescriptorLimit):
		return -24 // EMFILE
	case errors.Is(err, ErrNoSpace):
		return -28 // ENOSPC
	case errors.Is(err, ErrProtocol):
		return -71 // EPROTO
	default:
		return -22 // EINVAL
	}
}
