// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import "net/netip"

// Endpoint is the (IP address, UDP port) of a peer (spec.md §3).
type Endpoint = netip.AddrPort

// EndpointID is an opaque, locally-assigned identifier for a peer
// [Endpoint], stable for the lifetime of the peer association (spec.md §3).
//
// The zero value is never assigned by [EndpointRegistry] and can be used
// by callers as an explicit "no endpoint" sentinel.
type EndpointID uint64

// EndpointRegistry assigns and tracks [EndpointID]s for remote peers.
//
// The first observed [Endpoint] gets a fresh id; subsequent traffic from
// the same address maps to the same id (spec.md §4.E). Like every other
// component in this package, EndpointRegistry is owned exclusively by the
// [TaskRunner] thread and takes no lock of its own (spec.md §5).
type EndpointRegistry struct {
	byAddr map[Endpoint]EndpointID
	byID   map[EndpointID]Endpoint
	nextID EndpointID
}

// NewEndpointRegistry returns an empty [*EndpointRegistry].
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{
		byAddr: make(map[Endpoint]EndpointID),
		byID:   make(map[EndpointID]Endpoint),
		nextID: 1,
	}
}

// Resolve returns the stable [EndpointID] for addr, assigning a fresh one
// on first encounter.
func (r *EndpointRegistry) Resolve(addr Endpoint) EndpointID {
	if id, ok := r.byAddr[addr]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	r.byAddr[addr] = id
	r.byID[id] = addr
	return id
}

// Lookup returns the [Endpoint] associated with id, if any.
func (r *EndpointRegistry) Lookup(id EndpointID) (Endpoint, bool) {
	addr, ok := r.byID[id]
	return addr, ok
}

// Forget removes the association for addr, so a future Resolve call for
// the same address assigns a new id. Used when a connection to a peer is
// torn down and the substrate does not want to conflate a later
// reconnection with the old association's in-flight state.
func (r *EndpointRegistry) Forget(addr Endpoint) {
	if id, ok := r.byAddr[addr]; ok {
		delete(r.byAddr, addr)
		delete(r.byID, id)
	}
}
