package relayflow

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultFreshnessWindow is how close to expiry a stored token may be before
// a read treats it as stale and refreshes it. The margin avoids handing out a
// token that expires between the check and the caller's first use of it.
const DefaultFreshnessWindow = 60 * time.Second

// Option configures the relay flow
type Option func(*Flow)

// WithFreshnessWindow sets the staleness threshold applied on token reads.
func WithFreshnessWindow(d time.Duration) Option {
	return func(f *Flow) {
		f.freshness = d
	}
}

// WithLogger sets the logger used for flow-level warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Flow) {
		f.logger = logger
	}
}
