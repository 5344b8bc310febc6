// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import (
	"context"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making dependents depend on an abstract implementation we allow for
// unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds common configuration for osp operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by the ospdns unicast DNS resolver to dial its
	// UDP/TCP exchanges.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Clock returns the current [TimePoint].
	//
	// Set by [NewConfig] to [SystemClock].
	Clock Clock

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// AvailabilityWatchTTL is the default TTL for a receiver-side
	// availability watch (spec.md §4.G).
	//
	// Set by [NewConfig] to 20 seconds.
	AvailabilityWatchTTL Duration
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:               &net.Dialer{},
		ErrClassifier:        DefaultErrClassifier,
		Clock:                SystemClock{},
		TimeNow:              time.Now,
		AvailabilityWatchTTL: 20 * Second,
	}
}
