// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared across packages; wrap with fmt.Errorf("...: %w").
var (
	// Task management errors
	ErrTaskNotRunning  = errors.New("mediacore: task not running")
	ErrTaskStartFailed = errors.New("mediacore: task start failed")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("mediacore: packet too short")
	ErrUnsupportedProto = errors.New("mediacore: unsupported protocol")

	// Block pool errors
	ErrPoolExhausted = errors.New("mediacore: packet block pool exhausted")
	ErrFrameTooLarge = errors.New("mediacore: frame larger than pool block")

	// Packet ownership errors
	ErrPacketUnreadable = errors.New("mediacore: packet block no longer readable")

	// Distribution errors
	ErrRingClosed       = errors.New("mediacore: distribution ring closed")
	ErrDispatcherClosed = errors.New("mediacore: dispatcher closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("mediacore: invalid configuration")
)
