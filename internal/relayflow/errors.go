package relayflow

import "errors"

// Errors surfaced by the relay flow
var (
	// ErrNoToken indicates no usable token is on record for the
	// (device id, provider) pair; the device must redo the auth flow
	ErrNoToken = errors.New("no token on record")

	// ErrUpstream indicates the provider could not be reached or answered
	// with a transport-level failure
	ErrUpstream = errors.New("provider request failed")
)
