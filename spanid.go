package osp

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. For example, a single QUIC connect attempt to an [Endpoint], or one
// presentation initiation request/response round trip.
//
// We recommend attaching a span ID to the logger (via [SLogger]) at the
// start of such a sequence, so that every log entry it produces can be
// correlated. The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
