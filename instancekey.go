// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import "github.com/miekg/dns"

// InstanceKey is an opaque, canonicalized service-instance name (spec.md
// §3) — the bytes of a DNS-SD instance name such as
// "My Screen._openscreen._udp.local.".
//
// Two instance names that differ only in case or trailing-dot conventions
// canonicalize to the same InstanceKey, so they are never treated as
// distinct service instances.
type InstanceKey string

// NewInstanceKey canonicalizes name via [dns.CanonicalName] (lower-cased,
// fully-qualified) before turning it into an [InstanceKey]. This is the
// only use this package makes of miekg/dns: packet parsing and socket I/O
// remain out of scope (spec.md §1).
func NewInstanceKey(name string) InstanceKey {
	return InstanceKey(dns.CanonicalName(name))
}

// HostKey identifies a [HostRecord] by the bound socket it was learned on
// and its canonicalized host_domain (spec.md §3).
type HostKey struct {
	BoundSocketID int
	HostDomain    InstanceKey
}
