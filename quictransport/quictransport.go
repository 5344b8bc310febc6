// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's connect/TLS-handshake dial+log event naming
// convention and the quic-go dial pattern surveyed in
// other_examples/b45a17aa_gravitational-teleport__lib-proxy-peer-quic-client.go.go.
// quic-go types never leak past this package's exported surface; callers
// see only [osp.Conn]/[osp.ProtoStream].

// Package quictransport adapts github.com/quic-go/quic-go into the
// [osp.Transport] seam the protocol-connection substrate (component E)
// dials through. Concrete QUIC framing and the TLS 1.3 handshake it rides
// on are out of scope for the core (spec.md §1); this package is the one
// place that scope is exercised for real.
package quictransport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/osp"
	"github.com/quic-go/quic-go"
)

// Dialer implements [osp.Transport] over quic-go.
//
// All fields are safe to modify after construction but before first use.
type Dialer struct {
	// TLSConfig is the client TLS configuration used for every dial. It
	// must be non-nil and carry at least one entry in NextProtos, since
	// QUIC requires ALPN.
	TLSConfig *tls.Config

	// QUICConfig is passed verbatim to quic-go; nil selects quic-go's
	// defaults.
	QUICConfig *quic.Config

	// Logger is the [osp.SLogger] used for structured dial logging,
	// matching the teacher's connect/TLS-handshake log-event naming
	// (connectStart/connectDone-shaped events).
	Logger osp.SLogger

	// TimeNow is the function to get the current time (configurable for
	// testing), matching the teacher's Config.TimeNow convention.
	TimeNow func() time.Time
}

// NewDialer returns a new [*Dialer] with the given TLS configuration and
// default (non-nil) logging/clock fields.
func NewDialer(tlsConfig *tls.Config) *Dialer {
	return &Dialer{
		TLSConfig: tlsConfig,
		Logger:    osp.DefaultSLogger(),
		TimeNow:   time.Now,
	}
}

var _ osp.Transport = &Dialer{}

// Dial implements [osp.Transport].
func (d *Dialer) Dial(ctx context.Context, addr osp.Endpoint) (osp.Conn, error) {
	t0 := d.TimeNow()
	d.Logger.Info("quicDialStart",
		slog.String("remoteAddr", addr.String()),
		slog.Time("t", t0),
	)

	qconn, err := quic.DialAddr(ctx, addr.String(), d.TLSConfig, d.QUICConfig)

	d.Logger.Info("quicDialDone",
		slog.Any("err", err),
		slog.String("remoteAddr", addr.String()),
		slog.Time("t0", t0),
		slog.Time("t", d.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return &Conn{quicConn: qconn}, nil
}

// Conn adapts a *quic.Conn into [osp.Conn].
type Conn struct {
	quicConn *quic.Conn
}

var _ osp.Conn = &Conn{}

// OpenStream implements [osp.Conn].
func (c *Conn) OpenStream(ctx context.Context) (osp.ProtoStream, error) {
	s, err := c.quicConn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{quicStream: s}, nil
}

// Close implements [osp.Conn].
func (c *Conn) Close() error {
	return c.quicConn.CloseWithError(0, "")
}

// ConnectionState returns the underlying QUIC connection's TLS state, the
// hand-off point the substrate's Authenticator seam (SPAKE2 in a full
// implementation) inspects before treating a [Conn] as authenticated.
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.quicConn.ConnectionState().TLS
}

// Stream adapts a quic.Stream into [osp.ProtoStream].
type Stream struct {
	quicStream *quic.Stream
}

var _ osp.ProtoStream = &Stream{}

// Write implements [osp.ProtoStream].
func (s *Stream) Write(data []byte) (int, error) {
	return s.quicStream.Write(data)
}

// Close implements [osp.ProtoStream].
func (s *Stream) Close() error {
	return s.quicStream.Close()
}

// Authenticator builds an [osp.Authenticator] that rejects any [osp.Conn]
// not produced by this package (a programmer error, not a peer failure)
// and otherwise delegates to check, which inspects the QUIC connection's
// TLS state — the seam a SPAKE2 implementation plugs into (spec.md §4.E,
// §1 Non-goal: the handshake itself is out of scope here).
func Authenticator(check func(tls.ConnectionState) error) osp.Authenticator {
	return func(conn osp.Conn) error {
		qc, ok := conn.(*Conn)
		if !ok {
			return errNotQUICConn
		}
		return check(qc.ConnectionState())
	}
}

var errNotQUICConn = errors.New("quictransport: not a *quictransport.Conn")

// LocalEndpoint returns the local address of conn as an [osp.Endpoint],
// for logging symmetry with [Dialer]'s remoteAddr fields.
func LocalEndpoint(conn *Conn) (osp.Endpoint, bool) {
	udpAddr, ok := conn.quicConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return osp.Endpoint{}, false
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return osp.Endpoint{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(udpAddr.Port)), true
}
