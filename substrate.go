// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spec.md §4.E, §4.E "RequestIds". The production transport
// adapter lives in package quictransport; this file only depends on the
// [Transport]/[Conn]/[ProtoStream] seams so the core never imports quic-go.

package osp

import (
	"context"
	"log/slog"
)

// Conn is one underlying multi-stream transport connection to a peer, as
// provided by a [Transport] implementation (spec.md §4.E). The substrate
// never inspects the concrete connection type; production code is backed
// by a QUIC connection (package quictransport).
type Conn interface {
	// OpenStream creates a new bidirectional stream on this connection.
	OpenStream(ctx context.Context) (ProtoStream, error)

	// Close tears down the connection and every stream it owns.
	Close() error
}

// ProtoStream is one bidirectional byte stream multiplexed over a [Conn].
type ProtoStream interface {
	// Write pushes bytes to the transport. Buffering/backpressure
	// behavior is the transport's responsibility (spec.md §4.E).
	Write(data []byte) (int, error)

	// Close closes the local side of the stream.
	Close() error
}

// Transport is the opaque stream-transport the substrate multiplexes over
// (spec.md §1 Non-goal: concrete QUIC implementation and TLS handshake are
// out of scope; this is the seam a real QUIC stack plugs into).
type Transport interface {
	// Dial opens a new [Conn] to addr.
	Dial(ctx context.Context, addr Endpoint) (Conn, error)
}

// Authenticator is invoked with the outcome of whatever handshake the
// [Transport] performed before the substrate starts treating a dialed
// [Conn] as usable. A SPAKE2 implementation plugs in here; the substrate
// itself never performs authentication (spec.md §1, §4.E).
type Authenticator func(conn Conn) error

// StreamObserver fires OnStreamClosed when the peer or local side closes a
// [Stream]; [Connection]s rely on this to transition to Closed (spec.md
// §4.E).
type StreamObserver interface {
	OnStreamClosed(endpoint EndpointID, stream StreamID)
}

// Stream is one substrate-owned multiplexed stream to a peer.
type Stream struct {
	Endpoint EndpointID
	ID       StreamID

	raw      ProtoStream
	observer StreamObserver
	closed   bool
}

// Write pushes bytes to the underlying transport stream.
func (s *Stream) Write(data []byte) (int, error) {
	return s.raw.Write(data)
}

// Close closes the stream's local side and notifies the observer exactly
// once. A bool guard (rather than sync.Once) is enough here: Stream is
// owned exclusively by the single-threaded caller, per spec.md §5.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.raw.Close()
	if s.observer != nil {
		s.observer.OnStreamClosed(s.Endpoint, s.ID)
	}
	return err
}

// ConnectRequest is a scoped handle returned by [Substrate.Connect].
// Dropping it before completion (calling Cancel) suppresses the callback
// if it has not already fired (spec.md §4.E).
type ConnectRequest struct {
	cancel *scopedCancel
}

// Cancel revokes the pending connect callback. Safe to call more than once.
func (r *ConnectRequest) Cancel() {
	if r != nil {
		r.cancel.cancel()
	}
}

// ConnectCallback is invoked exactly once per [Substrate.Connect] call,
// either with a usable [*Stream] (the first stream on the new connection)
// or with ok=false on failure.
type ConnectCallback func(stream *Stream, ok bool)

type endpointConn struct {
	conn     Conn
	nextSeq  StreamID
	requests uint64 // RequestIds generator (spec.md §4.E)
}

// Substrate multiplexes per-endpoint streams over an opaque [Transport],
// assigning stable [EndpointID]s and brokering connect/stream lifecycle
// for components F/G/H (spec.md §4.E). Like every other component in this
// package it is owned exclusively by the [TaskRunner] thread and takes no
// lock of its own (spec.md §5).
type Substrate struct {
	Transport      Transport
	Authenticator  Authenticator
	StreamObserver StreamObserver
	Logger         SLogger
	Endpoints      *EndpointRegistry
	Runner         *TaskRunner

	conns map[EndpointID]*endpointConn
}

// NewSubstrate returns a new [*Substrate]. authenticator may be nil, in
// which case every dialed [Conn] is treated as already authenticated.
// runner is the [*TaskRunner] every callback is delivered on, so dial I/O
// (which necessarily happens off the runner thread) never re-enters the
// core directly (spec.md §5).
func NewSubstrate(transport Transport, authenticator Authenticator, observer StreamObserver, runner *TaskRunner, logger SLogger) *Substrate {
	return &Substrate{
		Transport:      transport,
		Authenticator:  authenticator,
		StreamObserver: observer,
		Logger:         logger,
		Endpoints:      NewEndpointRegistry(),
		Runner:         runner,
		conns:          make(map[EndpointID]*endpointConn),
	}
}

// Connect requests a new outbound transport connection to endpoint. cb
// fires exactly once, on the runner thread, with OnConnectionOpened
// semantics (stream, true) or OnConnectionFailed semantics (nil, false)
// (spec.md §4.E).
func (s *Substrate) Connect(ctx context.Context, endpoint Endpoint, cb ConnectCallback) *ConnectRequest {
	cancelled := false
	req := &ConnectRequest{}
	req.cancel = newScopedCancel(func() {
		cancelled = true
	})

	deliver := func(stream *Stream, ok bool) {
		s.Runner.PostTask(func() {
			if cancelled {
				return
			}
			cb(stream, ok)
		})
	}

	// Dialing is genuinely blocking I/O; it runs off the runner thread
	// and only ever touches shared state (s.conns, s.Endpoints) from
	// inside the PostTask closure below, which the runner executes
	// single-threaded (spec.md §5).
	go func() {
		conn, err := s.Transport.Dial(ctx, endpoint)
		if err != nil {
			s.Logger.Info("substrateConnectFailed", slog.Any("err", err))
			deliver(nil, false)
			return
		}
		if s.Authenticator != nil {
			if err := s.Authenticator(conn); err != nil {
				s.Logger.Info("substrateAuthenticationFailed", slog.Any("err", err))
				conn.Close()
				deliver(nil, false)
				return
			}
		}
		raw, err := conn.OpenStream(ctx)
		if err != nil {
			s.Logger.Info("substrateOpenStreamFailed", slog.Any("err", err))
			conn.Close()
			deliver(nil, false)
			return
		}

		s.Runner.PostTask(func() {
			if cancelled {
				raw.Close()
				conn.Close()
				return
			}
			id := s.Endpoints.Resolve(endpoint)
			ec := &endpointConn{conn: conn, nextSeq: 1}
			s.conns[id] = ec
			stream := &Stream{Endpoint: id, ID: ec.nextSeq, raw: raw, observer: s.StreamObserver}
			ec.nextSeq++
			cb(stream, true)
		})
	}()

	return req
}

// CreateProtocolConnection creates a new [*Stream] on the existing
// connection for endpointID, or nil if no connection exists (spec.md
// §4.E).
func (s *Substrate) CreateProtocolConnection(ctx context.Context, endpointID EndpointID) (*Stream, error) {
	ec, ok := s.conns[endpointID]
	if !ok || ec.conn == nil {
		return nil, nil
	}
	raw, err := ec.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	stream := &Stream{Endpoint: endpointID, ID: ec.nextSeq, raw: raw, observer: s.StreamObserver}
	ec.nextSeq++
	return stream, nil
}

// NextRequestID returns the next per-endpoint monotonically increasing
// request id, issued to the request/response handler (component F) for
// outbound CBOR request correlation (spec.md §4.E "RequestIds").
func (s *Substrate) NextRequestID(endpointID EndpointID) uint64 {
	ec, ok := s.conns[endpointID]
	if !ok {
		ec = &endpointConn{nextSeq: 1}
		s.conns[endpointID] = ec
	}
	ec.requests++
	return ec.requests
}

// Forget tears down the connection associated with endpointID, if any,
// and forgets its endpoint mapping.
func (s *Substrate) Forget(endpointID EndpointID) {
	if ec, ok := s.conns[endpointID]; ok {
		if ec.conn != nil {
			ec.conn.Close()
		}
		delete(s.conns, endpointID)
	}
	if addr, ok := s.Endpoints.Lookup(endpointID); ok {
		s.Endpoints.Forget(addr)
	}
}
