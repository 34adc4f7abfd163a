package calls

import "errors"

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	ErrNotTransferable = errors.New("calls: status does not allow transfer")
	// ErrAlreadyHandled: another operator or device answered or rejected the
	// inbound call first.
	ErrAlreadyHandled = errors.New("calls: already handled")
)

// Failure kinds surfaced by the call lifecycle components. Errors returned by
// the device session, controller and announcer wrap exactly one of these, so
// callers branch with errors.Is.
var (
	// ErrAuthFailure: the voice token could not be fetched. The user must retry.
	ErrAuthFailure = errors.New("auth failure")
	// ErrDeviceError: the SDK connection or registration failed.
	ErrDeviceError = errors.New("device error")
	// ErrNotReady: a call was attempted before registration completed.
	ErrNotReady = errors.New("device not ready")
	// ErrBridgeFailure: an inbound accept could not be bridged; the call is re-offered.
	ErrBridgeFailure = errors.New("bridge failure")
	// ErrRecordWriteFailure: a CallRecord create/update failed.
	ErrRecordWriteFailure = errors.New("record write failure")
	// ErrSideEffectFailure: a ticket or transfer write failed. Independent of call save.
	ErrSideEffectFailure = errors.New("side effect failure")
)
