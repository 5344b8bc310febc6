// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spec.md §4.H "Connection messages" / "Connection::Close".

package osp

import "errors"

// errConnectionNotConnected is returned by [Connection.SendString] and
// [Connection.SendBinary] when the Connection has no owned stream yet.
var errConnectionNotConnected = errors.New("osp: connection is not connected")

// ConnectionID identifies one Connection within a Presentation (spec.md §6
// "connection_id").
type ConnectionID uint64

// ConnectionRole distinguishes which side of a Presentation a Connection
// represents (spec.md §9 "Cyclic reference between Connection and its
// Delegate" discusses both roles sharing this same type).
type ConnectionRole int

const (
	ConnectionRoleController ConnectionRole = iota
	ConnectionRoleReceiver
)

// ConnectionState is the lifecycle of one Connection (spec.md §4.H).
type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	ConnectionClosed
)

// CloseReason is why a Connection was closed (spec.md §4.H).
type CloseReason int

const (
	// CloseReasonClosed is a graceful, explicit close.
	CloseReasonClosed CloseReason = iota
	// CloseReasonDiscarded means the Connection was dropped without an
	// explicit close (e.g. the owning Presentation was torn down).
	CloseReasonDiscarded
	// CloseReasonError means the underlying stream failed.
	CloseReasonError
)

// wireCloseReason mirrors the receiver-role event's reason enum (spec.md
// §4.H "Closed ↦ CloseMethod, Discarded ↦ ConnectionDestruction, Error ↦
// UnrecoverableError").
type wireCloseReason int

const (
	wireCloseMethod wireCloseReason = iota
	wireConnectionDestruction
	wireUnrecoverableError
)

func (r CloseReason) wireReason() wireCloseReason {
	switch r {
	case CloseReasonDiscarded:
		return wireConnectionDestruction
	case CloseReasonError:
		return wireUnrecoverableError
	default:
		return wireCloseMethod
	}
}

// ConnectionObserver receives inbound messages and the terminal close
// notification for one Connection.
type ConnectionObserver interface {
	OnStringMessage(conn *Connection, payload string)
	OnBinaryMessage(conn *Connection, payload []byte)
	OnClosed(conn *Connection, reason CloseReason)
}

// connectionStreamWriter is the substrate-backed stream a Connection owns
// while Connected.
type connectionStreamWriter interface {
	Write(data []byte) (int, error)
	Close() error
}

// Connection is one logical messaging channel under a Presentation,
// owning one protocol stream while Connected (spec.md §3, §4.H, GLOSSARY).
type Connection struct {
	PresentationID PresentationID
	ID             ConnectionID
	Role           ConnectionRole
	EndpointID     EndpointID

	State    ConnectionState
	Observer ConnectionObserver
	Logger   SLogger

	stream connectionStreamWriter

	// EncodeMessage renders a (presentation_id, connection_id, payload)
	// PresentationConnectionMessage to bytes (the CBOR codec itself is
	// out of scope, spec.md §1).
	EncodeMessage func(presentationID PresentationID, connID ConnectionID, payload any) ([]byte, error)

	// EncodeCloseEvent renders a PresentationConnectionCloseEvent for
	// the receiver-role close path (spec.md §4.H).
	EncodeCloseEvent func(presentationID PresentationID, connID ConnectionID, reason wireCloseReason) ([]byte, error)
}

// NewConnection returns a new [*Connection] in the Connecting state.
func NewConnection(presentationID PresentationID, id ConnectionID, role ConnectionRole, logger SLogger) *Connection {
	return &Connection{
		PresentationID: presentationID,
		ID:             id,
		Role:           role,
		State:          ConnectionConnecting,
		Logger:         logger,
	}
}

// Open transitions the Connection to Connected and attaches the owned
// stream (spec.md §4.H "OpenConnection... transitions the Connection to
// Connected").
func (c *Connection) Open(endpointID EndpointID, stream connectionStreamWriter) {
	c.EndpointID = endpointID
	c.stream = stream
	c.State = ConnectionConnected
}

// SendString encodes and writes a string PresentationConnectionMessage
// (spec.md §4.H).
func (c *Connection) SendString(payload string) error {
	return c.send(payload)
}

// SendBinary encodes and writes a binary PresentationConnectionMessage
// (spec.md §4.H).
func (c *Connection) SendBinary(payload []byte) error {
	return c.send(payload)
}

func (c *Connection) send(payload any) error {
	if c.State != ConnectionConnected || c.stream == nil {
		return errConnectionNotConnected
	}
	data, err := c.EncodeMessage(c.PresentationID, c.ID, payload)
	if err != nil {
		return err
	}
	_, err = c.stream.Write(data)
	return err
}

// Close transitions the Connection to Closed, drops the owned stream, and
// — on the receiver role — sends a PresentationConnectionCloseEvent
// carrying reason's wire mapping (spec.md §4.H).
func (c *Connection) Close(reason CloseReason) {
	if c.State == ConnectionClosed {
		return
	}
	c.State = ConnectionClosed

	if c.Role == ConnectionRoleReceiver && c.stream != nil && c.EncodeCloseEvent != nil {
		if data, err := c.EncodeCloseEvent(c.PresentationID, c.ID, reason.wireReason()); err == nil {
			c.stream.Write(data)
		}
	}

	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}

	if c.Observer != nil {
		c.Observer.OnClosed(c, reason)
	}
}

// OnTerminated fires when the owning Presentation is terminated (spec.md
// §4.H "OnPresentationTerminated"); it closes the Connection as
// discarded.
func (c *Connection) OnTerminated() {
	c.Close(CloseReasonDiscarded)
}

// DeliverStringMessage routes an inbound string payload to the observer.
func (c *Connection) DeliverStringMessage(payload string) {
	if c.Observer != nil {
		c.Observer.OnStringMessage(c, payload)
	}
}

// DeliverBinaryMessage routes an inbound binary payload to the observer.
func (c *Connection) DeliverBinaryMessage(payload []byte) {
	if c.Observer != nil {
		c.Observer.OnBinaryMessage(c, payload)
	}
}
