// SPDX-License-Identifier: GPL-3.0-or-later

// Package osp implements the core substrate of an Open Screen Protocol
// endpoint: service discovery aggregation, a QUIC-framed message
// multiplexer, and the Presentation API request/response engine built on
// top of it.
//
// # Core Abstractions
//
// Every component in this package runs on a single [TaskRunner]: socket
// read callbacks and timers post work onto it, and it drives the
// discovery aggregator, the message demuxer, and the protocol-connection
// substrate in turn. No component holds a lock across a suspension point
// because there is no concurrency inside the core — see [TaskRunner] for
// the cooperative scheduling model.
//
// # Available Components
//
// Lifecycle:
//   - [StateMachine]: the five-state Stopped/Starting/Running/Suspended/Stopping
//     machine shared by listener and publisher roles.
//
// Discovery:
//   - [DiscoveryAggregator]: merges PTR/SRV/TXT/A/AAAA event streams from an
//     external mDNS responder into stable [DiscoveredService] records.
//
// Messaging substrate:
//   - [MessageDemuxer]: splits inbound stream bytes into length-prefixed,
//     type-tagged CBOR messages and dispatches them to registered watches.
//   - [Substrate]: multiplexes streams per remote [Endpoint], brokering
//     connection establishment and stream lifecycle.
//   - [RequestResponder]: generic request/response correlation by request id.
//
// Presentation API:
//   - [AvailabilityClient]: per-receiver URL-availability watch lifecycle.
//   - [PresentationController], [PresentationReceiver]: the controller and
//     receiver roles of the Presentation API, built on the above.
//
// # Ownership and Scoped Handles
//
// [MessageWatch], [ConnectRequest], and [ReceiverWatch] are move-only scoped
// handles: dropping one (calling Cancel) revokes the associated registration.
// This package never finalizes these handles for the caller — an embedder
// that forgets to call Cancel leaks the registration, exactly as in the
// upstream C++ implementation this package's behavior is modeled on.
//
// # Observability
//
// All components support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Set a [*slog.Logger] to
// enable it. Error classification is configurable via [ErrClassifier]; by
// default, [DefaultErrClassifier] classifies errors with errclass.
//
// # Out of Scope
//
// This package does not implement mDNS packet parsing or socket I/O, a QUIC
// implementation or TLS handshake, a CBOR codec, or SPAKE2 peer
// authentication. Each of these is modeled as an abstract seam the embedder
// supplies a concrete implementation for.
package osp
