// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spec.md §4.H. Ties components F (request/response) and G
// (availability) together over a shared Presentation/Connection table;
// scoped-handle shape follows discovery.go/demuxer.go's
// newXWatch(fn)/Cancel() pattern.

package osp

import (
	"context"
	"errors"
	"fmt"
)

// backgroundCtx is used for the substrate stream-open calls this file
// issues itself (opening the Connection's owned stream once an
// initiation has succeeded); there is no caller-supplied context at that
// point since the call is triggered by an inbound message, not a direct
// API call.
var backgroundCtx = context.Background()

// errRequestCancelled is delivered to [PresentationDelegate.OnError] when
// a [ConnectRequest] returned by [PresentationController.StartPresentation]
// is cancelled before a response arrives.
var errRequestCancelled = errors.New("osp: presentation request cancelled")

// presentationResultError renders a non-success [PresentationResult] as
// an error for [PresentationDelegate.OnError] (spec.md §7).
func presentationResultError(result PresentationResult) error {
	return fmt.Errorf("osp: presentation initiation failed: result=%d", result)
}

// PresentationInfo is the read-only view of an initiation request handed
// to [ReceiverStartDelegate.StartPresentation] (spec.md §4.H).
type PresentationInfo struct {
	PresentationID PresentationID
	URL            string
}

// PresentationDelegate receives the outcome of a controller-initiated
// presentation (spec.md §4.H "Start flow").
type PresentationDelegate interface {
	OnConnection(conn *Connection)
	OnError(err error)
}

// ReceiverStartDelegate decides whether to accept an inbound
// presentation initiation request (spec.md §4.H "Receiver side").
// Returning false rejects immediately; returning true means the embedder
// will later call [PresentationReceiver.OnPresentationStarted] once it
// has created (or declined to create) the Connection.
type ReceiverStartDelegate interface {
	StartPresentation(info PresentationInfo, endpointID EndpointID, headers map[string][]string) bool
}

// ReceiverWatch is a scoped handle returned by
// [PresentationController.RegisterReceiverWatch]; dropping it unregisters
// the underlying availability observation (spec.md, "Supplemented
// features" #4).
type ReceiverWatch struct {
	cancel *scopedCancel
}

func newReceiverWatch(fn func()) *ReceiverWatch {
	return &ReceiverWatch{cancel: newScopedCancel(fn)}
}

// Cancel revokes the watch. Safe to call more than once.
func (w *ReceiverWatch) Cancel() {
	if w != nil {
		w.cancel.cancel()
	}
}

// presentationEntry is the shared per-presentation state both the
// controller and receiver role maintain (spec.md §4.H "presentations").
type presentationEntry struct {
	ServiceID   string
	URL         string
	Connections []*Connection
}

// presentationCore holds the state shared identically by
// [PresentationController] and [PresentationReceiver] (spec.md §4.H:
// "same code, delegate callbacks in the opposite direction").
type presentationCore struct {
	Demuxer   *MessageDemuxer
	Substrate *Substrate
	Logger    SLogger

	presentations    map[PresentationID]*presentationEntry
	terminateWatches map[PresentationID]*MessageWatch
	groupStreams     map[EndpointID]*Stream
	nextConnID       ConnectionID
}

func newPresentationCore(demuxer *MessageDemuxer, substrate *Substrate, logger SLogger) *presentationCore {
	return &presentationCore{
		Demuxer:          demuxer,
		Substrate:        substrate,
		Logger:           logger,
		presentations:    make(map[PresentationID]*presentationEntry),
		terminateWatches: make(map[PresentationID]*MessageWatch),
		groupStreams:     make(map[EndpointID]*Stream),
	}
}

// SetGroupStream assigns the shared initiation+termination stream used
// for traffic to/from endpointID (spec.md §4.H "group_streams").
func (c *presentationCore) SetGroupStream(endpointID EndpointID, stream *Stream) {
	c.groupStreams[endpointID] = stream
}

func (c *presentationCore) newConnectionID() ConnectionID {
	c.nextConnID++
	return c.nextConnID
}

// ensureTerminateWatch registers a PresentationTerminationEvent watch for
// id on endpointID if one does not already exist (spec.md §4.H
// "terminate_listeners").
func (c *presentationCore) ensureTerminateWatch(id PresentationID, endpointID EndpointID, decode func([]byte) (PresentationTerminationEvent, int, error), onTerminated func(PresentationID, TerminationReason)) {
	if _, ok := c.terminateWatches[id]; ok {
		return
	}
	c.terminateWatches[id] = c.Demuxer.WatchMessageType(endpointID, MessageTypePresentationTerminationEvent,
		func(_ EndpointID, _ StreamID, _ MessageType, data []byte, _ TimePoint) (int, error) {
			event, consumed, err := decode(data)
			if err != nil {
				return consumed, err
			}
			if event.PresentationID == id {
				onTerminated(id, event.Reason)
			}
			return consumed, nil
		})
}

func (c *presentationCore) dropTerminateWatch(id PresentationID) {
	if w, ok := c.terminateWatches[id]; ok {
		w.Cancel()
		delete(c.terminateWatches, id)
	}
}

// terminateConnections closes every Connection under id as discarded,
// mirroring [Connection.OnTerminated] across the whole presentation
// (spec.md §4.H "Termination").
func (c *presentationCore) terminateConnections(id PresentationID) {
	entry, ok := c.presentations[id]
	if !ok {
		return
	}
	for _, conn := range entry.Connections {
		conn.OnTerminated()
	}
	delete(c.presentations, id)
}

// PresentationController initiates presentations on receivers and
// maintains the resulting Connections (spec.md §4.H, controller side).
type PresentationController struct {
	*presentationCore

	EncodeInitiationRequest  func(PresentationInitiationRequest) ([]byte, error)
	DecodeInitiationResponse func([]byte) (PresentationInitiationResponse, int, error)
	EncodeTerminationRequest func(PresentationTerminationRequest) ([]byte, error)
	DecodeTerminationEvent   func([]byte) (PresentationTerminationEvent, int, error)
	EncodeConnectionMessage  func(PresentationID, ConnectionID, any) ([]byte, error)

	receiverEndpoints map[string]EndpointID
	delegates         map[PresentationID]PresentationDelegate
	responders        map[EndpointID]*RequestResponder[PresentationID, PresentationInitiationRequest, PresentationInitiationResponse]
}

// NewPresentationController returns a new [*PresentationController].
func NewPresentationController(demuxer *MessageDemuxer, substrate *Substrate, logger SLogger) *PresentationController {
	return &PresentationController{
		presentationCore:  newPresentationCore(demuxer, substrate, logger),
		receiverEndpoints: make(map[string]EndpointID),
		delegates:         make(map[PresentationID]PresentationDelegate),
		responders:        make(map[EndpointID]*RequestResponder[PresentationID, PresentationInitiationRequest, PresentationInitiationResponse]),
	}
}

func (pc *PresentationController) responderFor(endpointID EndpointID) *RequestResponder[PresentationID, PresentationInitiationRequest, PresentationInitiationResponse] {
	if r, ok := pc.responders[endpointID]; ok {
		return r
	}
	r := NewRequestResponder[PresentationID, PresentationInitiationRequest, PresentationInitiationResponse](
		pc.Demuxer, endpointID, pc.Substrate, MessageTypePresentationInitiationResponse, pc, pc.Logger,
		func(requestID uint64, req PresentationInitiationRequest) ([]byte, error) {
			req.RequestID = requestID
			return pc.EncodeInitiationRequest(req)
		},
		func(data []byte) (uint64, PresentationInitiationResponse, int, error) {
			resp, consumed, err := pc.DecodeInitiationResponse(data)
			return resp.RequestID, resp, consumed, err
		},
	)
	if stream, ok := pc.groupStreams[endpointID]; ok {
		r.SetConnection(stream)
	}
	pc.responders[endpointID] = r
	return r
}

// StartPresentation requests that endpointID (serviceID's receiver) start
// presenting url, returning a [*ConnectRequest] scoped handle (spec.md
// §4.H "Start flow"). delegate.OnConnection fires on success;
// delegate.OnError fires on failure or cancellation.
func (pc *PresentationController) StartPresentation(url string, serviceID string, endpointID EndpointID, delegate PresentationDelegate) *ConnectRequest {
	presentationID := MakePresentationID(url, serviceID)
	pc.receiverEndpoints[serviceID] = endpointID
	pc.presentations[presentationID] = &presentationEntry{ServiceID: serviceID, URL: url, Connections: nil}
	pc.delegates[presentationID] = delegate

	connID := pc.newConnectionID()
	req := PresentationInitiationRequest{
		PresentationID: presentationID,
		URL:            url,
		ConnectionID:   connID,
	}
	responder := pc.responderFor(endpointID)
	if err := responder.WriteMessage(presentationID, req); err != nil {
		delete(pc.presentations, presentationID)
		delete(pc.delegates, presentationID)
		delegate.OnError(err)
		return &ConnectRequest{cancel: newScopedCancel(func() {})}
	}

	return &ConnectRequest{cancel: newScopedCancel(func() {
		responder.CancelMessage(presentationID)
		pc.OnRequestCancelled(presentationID)
	})}
}

// OnMatchedResponse implements [ResponseDelegate]; it is invoked by the
// per-endpoint [RequestResponder] when a PresentationInitiationResponse
// is matched (spec.md §4.H).
func (pc *PresentationController) OnMatchedResponse(presentationID PresentationID, resp PresentationInitiationResponse) {
	entry, ok := pc.presentations[presentationID]
	if !ok {
		return
	}
	delegate := pc.delegates[presentationID]
	if resp.Result != ResultSuccess || resp.ConnectionResult != ResultSuccess {
		delete(pc.presentations, presentationID)
		delete(pc.delegates, presentationID)
		if delegate != nil {
			delegate.OnError(presentationResultError(resp.Result))
		}
		return
	}

	endpointID := pc.receiverEndpoints[entry.ServiceID]
	conn := NewConnection(presentationID, pc.newConnectionID(), ConnectionRoleController, pc.Logger)
	conn.EncodeMessage = pc.EncodeConnectionMessage
	if stream, err := pc.Substrate.CreateProtocolConnection(backgroundCtx, endpointID); err == nil && stream != nil {
		conn.Open(endpointID, stream)
	}
	entry.Connections = append(entry.Connections, conn)
	pc.ensureTerminateWatch(presentationID, endpointID, pc.DecodeTerminationEvent, pc.OnPresentationTerminated)

	if delegate != nil {
		delegate.OnConnection(conn)
	}
}

// OnRequestCancelled implements [ResponseDelegate] and also doubles as the
// cleanup [StartPresentation]'s returned [*ConnectRequest] runs directly on
// cancel. [RequestResponder.CancelMessage] itself drops the request
// silently (spec.md §4.F); this method is what actually erases the
// presentation/delegate bookkeeping and notifies delegate.OnError, whether
// reached via an explicit [ConnectRequest.Cancel] or via
// [RequestResponder.Reset] cancelling every outstanding request at once.
func (pc *PresentationController) OnRequestCancelled(presentationID PresentationID) {
	delegate, ok := pc.delegates[presentationID]
	delete(pc.presentations, presentationID)
	delete(pc.delegates, presentationID)
	if ok && delegate != nil {
		delegate.OnError(errRequestCancelled)
	}
}

// OnPresentationTerminated terminates every Connection under id, sends a
// PresentationTerminationRequest on the receiver's group stream, and
// erases the presentation and its terminate watch (spec.md §4.H
// "Termination").
func (pc *PresentationController) OnPresentationTerminated(id PresentationID, reason TerminationReason) {
	entry, ok := pc.presentations[id]
	if !ok {
		return
	}
	endpointID := pc.receiverEndpoints[entry.ServiceID]
	if stream, ok := pc.groupStreams[endpointID]; ok && pc.EncodeTerminationRequest != nil {
		if data, err := pc.EncodeTerminationRequest(PresentationTerminationRequest{PresentationID: id, Reason: reason}); err == nil {
			stream.Write(data)
		}
	}
	pc.terminateConnections(id)
	pc.dropTerminateWatch(id)
}

// RegisterReceiverWatch subscribes observer to availability updates for
// urls on client, returning a scoped [*ReceiverWatch] (spec.md,
// "Supplemented features" #4).
func (pc *PresentationController) RegisterReceiverWatch(urls []string, observer AvailabilityObserver, client *AvailabilityClient, now TimePoint) *ReceiverWatch {
	client.AddObserver(urls, observer, now)
	return newReceiverWatch(func() {
		client.RemoveObserver(urls, observer)
	})
}

// PresentationReceiver accepts presentation initiation requests and
// maintains the resulting Connections (spec.md §4.H, receiver side).
type PresentationReceiver struct {
	*presentationCore

	StartDelegate ReceiverStartDelegate

	EncodeInitiationResponse func(PresentationInitiationResponse) ([]byte, error)
	DecodeInitiationRequest  func([]byte) (PresentationInitiationRequest, int, error)
	DecodeTerminationEvent   func([]byte) (PresentationTerminationEvent, int, error)
	EncodeConnectionMessage  func(PresentationID, ConnectionID, any) ([]byte, error)
	EncodeCloseEvent         func(PresentationID, ConnectionID, wireCloseReason) ([]byte, error)

	queued map[PresentationID]*queuedInitiation
}

type queuedInitiation struct {
	RequestID    uint64
	EndpointID   EndpointID
	ConnectionID ConnectionID
	URL          string
}

// NewPresentationReceiver returns a new [*PresentationReceiver].
func NewPresentationReceiver(demuxer *MessageDemuxer, substrate *Substrate, startDelegate ReceiverStartDelegate, logger SLogger) *PresentationReceiver {
	return &PresentationReceiver{
		presentationCore: newPresentationCore(demuxer, substrate, logger),
		StartDelegate:    startDelegate,
		queued:           make(map[PresentationID]*queuedInitiation),
	}
}

// HandleInitiationRequest is a [MessageHandler] for
// MessageTypePresentationInitiationRequest (spec.md §4.H "Receiver
// side"). A decode failure still consumes the reported bytes and keeps
// the stream alive (spec.md §7 "ParseError").
func (pr *PresentationReceiver) HandleInitiationRequest(endpointID EndpointID, _ StreamID, _ MessageType, data []byte, _ TimePoint) (int, error) {
	req, consumed, err := pr.DecodeInitiationRequest(data)
	if err != nil {
		return consumed, err
	}

	if _, exists := pr.queued[req.PresentationID]; exists {
		pr.respond(endpointID, req.RequestID, ResultInvalidPresentationID, ResultUnknownError)
		return consumed, nil
	}

	pr.queued[req.PresentationID] = &queuedInitiation{
		RequestID:    req.RequestID,
		EndpointID:   endpointID,
		ConnectionID: req.ConnectionID,
		URL:          req.URL,
	}

	info := PresentationInfo{PresentationID: req.PresentationID, URL: req.URL}
	if !pr.StartDelegate.StartPresentation(info, endpointID, req.Headers) {
		pr.respond(endpointID, req.RequestID, ResultUnknownError, ResultUnknownError)
		delete(pr.queued, req.PresentationID)
	}
	return consumed, nil
}

// OnPresentationStarted finalizes a queued initiation request once the
// embedder's delegate has decided the outcome (spec.md §4.H "wait for
// the delegate's OnPresentationStarted"). conn is ignored when ok is
// false.
func (pr *PresentationReceiver) OnPresentationStarted(id PresentationID, conn *Connection, ok bool) {
	q, exists := pr.queued[id]
	if !exists {
		return
	}
	delete(pr.queued, id)

	if !ok {
		pr.respond(q.EndpointID, q.RequestID, ResultUnknownStartError, ResultUnknownError)
		return
	}

	entry := &presentationEntry{URL: q.URL}
	pr.presentations[id] = entry

	conn.EncodeMessage = pr.EncodeConnectionMessage
	conn.EncodeCloseEvent = pr.EncodeCloseEvent
	if stream, err := pr.Substrate.CreateProtocolConnection(backgroundCtx, q.EndpointID); err == nil && stream != nil {
		conn.Open(q.EndpointID, stream)
	}
	entry.Connections = append(entry.Connections, conn)

	pr.ensureTerminateWatch(id, q.EndpointID, pr.DecodeTerminationEvent, pr.OnPresentationTerminated)
	pr.respond(q.EndpointID, q.RequestID, ResultSuccess, ResultSuccess)
}

func (pr *PresentationReceiver) respond(endpointID EndpointID, requestID uint64, result, connectionResult PresentationResult) {
	stream, ok := pr.groupStreams[endpointID]
	if !ok || pr.EncodeInitiationResponse == nil {
		return
	}
	data, err := pr.EncodeInitiationResponse(PresentationInitiationResponse{
		RequestID:        requestID,
		Result:           result,
		ConnectionResult: connectionResult,
	})
	if err != nil {
		pr.Logger.Info("presentationReceiverEncodeResponseFailed")
		return
	}
	stream.Write(data)
}

// OnPresentationTerminated closes every Connection under id as
// discarded and drops its terminate watch (spec.md §4.H "Termination",
// receiver-side mapping of the same algorithm).
func (pr *PresentationReceiver) OnPresentationTerminated(id PresentationID, reason TerminationReason) {
	pr.terminateConnections(id)
	pr.dropTerminateWatch(id)
}

// Shutdown drains presentations in iteration order, terminating each
// under [TerminationReceiverShuttingDown] (spec.md §4.H "Failure
// semantics").
func (pr *PresentationReceiver) Shutdown() {
	for id := range pr.presentations {
		pr.OnPresentationTerminated(id, TerminationReceiverShuttingDown)
	}
}
