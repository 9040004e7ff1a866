package domain

import "errors"

// Every user-visible failure maps to a distinct sentinel so callers can render
// targeted guidance instead of a generic failure.
var (
	// Capture errors.
	ErrPermissionDenied = errors.New("device access denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceInUse      = errors.New("device in use by another application")
	ErrCaptureNotActive = errors.New("capture not active")

	// Channel / signaling errors.
	ErrChannelFull       = errors.New("channel is full")
	ErrNotInChannel      = errors.New("not in a voice channel")
	ErrAlreadyInChannel  = errors.New("already in a voice channel")
	ErrJoinRejected      = errors.New("channel join rejected")
	ErrSignalingLost     = errors.New("signaling connection lost")
	ErrSignalingClosed   = errors.New("signaling transport closed")
	ErrRateLimited       = errors.New("signaling rate limit exceeded")
	ErrNegotiationFailed = errors.New("peer negotiation failed")
)
