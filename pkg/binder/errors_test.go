package binder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/wire"
)

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{name: "nil", err: nil, want: 0},
		{name: "permission", err: ErrPermission, want: -1},
		{name: "dead_target", err: ErrDeadTarget, want: -3},
		{name: "bad_descriptor", err: ErrBadDescriptor, want: -9},
		{name: "try_again", err: ErrTryAgain, want: -11},
		{name: "fault", err: ErrFault, want: -14},
		{name: "busy", err: ErrBusy, want: -16},
		{name: "descriptor_limit", err: ErrDescriptorLimit, want: -24},
		{name: "no_space", err: ErrNoSpace, want: -28},
		{name: "protocol", err: ErrProtocol, want: -71},
		{name: "invalid", err: ErrInvalid, want: -22},
		{name: "bad_handle", err: ErrBadHandle, want: -22},
		{name: "wrapped", err: fmt.Errorf("ref 7: %w", ErrBadDescriptor), want: -9},
		{name: "unknown", err: errors.New("boom"), want: -22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestFailureEventMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint32
	}{
		{name: "dead_target", err: ErrDeadTarget, want: wire.BR_DEAD_REPLY},
		{name: "wrapped_dead_target", err: fmt.Errorf("node 3: %w", ErrDeadTarget), want: wire.BR_DEAD_REPLY},
		{name: "protocol", err: ErrProtocol, want: wire.BR_FAILED_REPLY},
		{name: "unknown", err: errors.New("boom"), want: wire.BR_FAILED_REPLY},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FailureEvent(tt.err))
		})
	}
}

// Arena failures are classified onto engine sentinels so the event and
// errno delivered to the sender derive from one mapping, while the shm
// cause stays matchable underneath.
func TestAllocFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantEvent uint32
		wantParam int32
	}{
		{name: "detached_arena", err: shm.ErrDetached, wantEvent: wire.BR_DEAD_REPLY, wantParam: -3},
		{name: "full_arena", err: shm.ErrNoSpace, wantEvent: wire.BR_FAILED_REPLY, wantParam: -28},
		{name: "invalid_size", err: shm.ErrInvalidSize, wantEvent: wire.BR_FAILED_REPLY, wantParam: -22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, param := allocFailure(tt.err)
			require.Equal(t, tt.wantEvent, event)
			require.Equal(t, tt.wantParam, param)
		})
	}
}
