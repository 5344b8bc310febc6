// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: dnsoverudp.go, dnsovertcp.go, dnsdial.go, dnsexchange.go in
// this repository's teacher lineage.

// Package ospdns implements the optional unicast-DNS fallback resolver
// mentioned in SPEC_FULL.md's "Supplemented features": when the discovery
// aggregator (component C) learns a host_domain via SRV but no A/AAAA has
// arrived from the mDNS responder yet, a [Resolver] can be asked to resolve
// the name over ordinary unicast DNS instead of waiting indefinitely.
//
// This mirrors a fallback path present in the original implementation's
// mdns_responder_service.cc and absent from the distilled spec. It is pure
// supplement: the discovery aggregator never calls a [Resolver] itself,
// so its invariants and event semantics (spec.md §3, §4.C) do not depend
// on one.
package ospdns

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/osp"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// unusedDialer is a [osp.Dialer] that panics if DialContext is called.
//
// The resolver's exchange transports operate over connections it dials
// itself with the standard library; this sentinel catches the programming
// error of accidentally routing through it instead.
type unusedDialer struct{}

var _ osp.Dialer = unusedDialer{}

func (unusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("ospdns: transport must not dial through unusedDialer; this is a programming error")
}

// Resolver resolves a host_domain (spec.md §3) to IPv4/IPv6 addresses over
// unicast DNS, trying UDP first and falling back to TCP when the UDP
// exchange fails (truncation, or a server that refuses to answer over UDP).
//
// All fields are safe to modify after construction but before first use of
// [Resolver.Resolve]. Fields must not be mutated concurrently with calls to
// Resolve.
type Resolver struct {
	// Server is the resolver's unicast DNS server endpoint.
	Server netip.AddrPort

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier osp.ErrClassifier

	// Logger is the [osp.SLogger] to use.
	Logger osp.SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	// dialer dials the UDP/TCP connections used to reach Server.
	// Defaults to &net.Dialer{} when nil.
	dialer osp.Dialer
}

// NewResolver returns a new [*Resolver] querying server, wired from cfg.
func NewResolver(cfg *osp.Config, server netip.AddrPort, logger osp.SLogger) *Resolver {
	return &Resolver{
		Server:        server,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		dialer:        cfg.Dialer,
	}
}

// Resolve returns the A and AAAA records for host_domain (spec.md §3),
// trying UDP first and falling back to TCP on failure.
func (r *Resolver) Resolve(ctx context.Context, hostDomain string) (v4, v6 []netip.Addr, err error) {
	name := dns.CanonicalName(hostDomain)

	v4, err = r.resolveType(ctx, name, dns.TypeA)
	if err == nil {
		v6, _ = r.resolveType(ctx, name, dns.TypeAAAA)
		return v4, v6, nil
	}

	// UDP failed outright (timeout, refusal, truncation the transport
	// could not recover from locally): fall back to a TCP exchange.
	v4, err = r.resolveTypeTCP(ctx, name, dns.TypeA)
	if err != nil {
		return nil, nil, err
	}
	v6, _ = r.resolveTypeTCP(ctx, name, dns.TypeAAAA)
	return v4, v6, nil
}

func (r *Resolver) resolveType(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	conn, err := r.dial(ctx, "udp")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lc := &exchangeLogContext{
		ErrClassifier:  r.ErrClassifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         r.Logger,
		Protocol:       safeconn.Network(conn),
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: "udp",
		TimeNow:        r.TimeNow,
	}

	txp := minest.NewDNSOverUDPTransport(unusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))

	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)

	lc.logStart(t0, deadline)
	resp, err := txp.ExchangeWithConn(ctx, conn, dnscodec.NewQuery(name, qtype))
	lc.logDone(t0, deadline, err)
	if err != nil {
		return nil, err
	}
	return addrsForType(resp, qtype)
}

func (r *Resolver) resolveTypeTCP(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	conn, err := r.dial(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lc := &exchangeLogContext{
		ErrClassifier:  r.ErrClassifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         r.Logger,
		Protocol:       safeconn.Network(conn),
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: "tcp",
		TimeNow:        r.TimeNow,
	}

	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(unusedDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))

	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)

	lc.logStart(t0, deadline)
	so := dnsoverstream.NewTCPStreamOpener(conn)
	resp, err := txp.ExchangeWithStreamOpener(ctx, so, dnscodec.NewQuery(name, qtype))
	lc.logDone(t0, deadline, err)
	if err != nil {
		return nil, err
	}
	return addrsForType(resp, qtype)
}

func (r *Resolver) dial(ctx context.Context, network string) (net.Conn, error) {
	dialer := r.dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return dialer.DialContext(ctx, network, r.Server.String())
}

func addrsForType(resp *dnscodec.Response, qtype uint16) ([]netip.Addr, error) {
	var raw []string
	var err error
	switch qtype {
	case dns.TypeA:
		raw, err = resp.RecordsA()
	case dns.TypeAAAA:
		raw, err = resp.RecordsAAAA()
	}
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		if a, parseErr := netip.ParseAddr(s); parseErr == nil {
			out = append(out, a)
		}
	}
	return out, nil
}
