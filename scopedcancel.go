// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: cancelwatch.go in this repository's teacher lineage
// (context.AfterFunc-based scoped cancellation of a owned resource).

package osp

import "sync"

// scopedCancel is the common idempotent-cancellation primitive behind
// [MessageWatch], [ConnectRequest], and [ReceiverWatch].
//
// Every subscription in this package is a move-only handle: destruction
// (calling Cancel) sends a cancellation to the issuer exactly once, even
// if Cancel is called multiple times or concurrently. This mirrors the
// teacher's cancelWatchedConn, generalized from "close an owned net.Conn"
// to "call an arbitrary revocation callback."
type scopedCancel struct {
	once sync.Once
	fn   func()
}

// newScopedCancel returns a [*scopedCancel] that invokes fn at most once.
func newScopedCancel(fn func()) *scopedCancel {
	return &scopedCancel{fn: fn}
}

// cancel invokes the revocation callback if it has not already fired.
func (s *scopedCancel) cancel() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}
