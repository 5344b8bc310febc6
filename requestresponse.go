// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spec.md §4.F. Generic parameterization follows the
// teacher's `Func[A, B]`/`Compose2` style (func.go/compose.go): an
// outbound request is conceptually an "encode-then-write" [Func], though
// here it is expressed as a plain method pair rather than a composed
// pipeline, since the encode step needs a substrate-assigned request id the
// Func/Compose primitives have no slot for.

package osp

import "log/slog"

// RequestIDSource issues per-endpoint monotonically increasing request
// ids (spec.md §4.E "RequestIds"). [*Substrate] implements this.
type RequestIDSource interface {
	NextRequestID(endpoint EndpointID) uint64
}

// ResponseDelegate receives the outcome of requests issued through a
// [RequestResponder]. ID is the caller's own correlation id for a
// request, opaque to the responder itself (spec.md §4.F
// "caller_local_id?").
type ResponseDelegate[ID comparable, Resp any] interface {
	// OnMatchedResponse fires when a response is matched to the request
	// localID was registered under.
	OnMatchedResponse(localID ID, resp Resp)

	// OnRequestCancelled fires for every request still queued or sent
	// when [RequestResponder.Reset] is called.
	OnRequestCancelled(localID ID)
}

type pendingRequest[ID comparable, Req any] struct {
	localID   ID
	request   Req
	requestID uint64
}

// RequestResponder correlates outbound typed requests with inbound typed
// responses over a single substrate stream (spec.md §4.F). It queues
// requests written before a connection exists, assigns request ids via a
// [RequestIDSource], and watches [MessageDemuxer] for the matching
// response type only while requests are outstanding.
type RequestResponder[ID comparable, Req, Resp any] struct {
	Demuxer      *MessageDemuxer
	Endpoint     EndpointID
	RequestIDs   RequestIDSource
	ResponseType MessageType
	Delegate     ResponseDelegate[ID, Resp]
	Logger       SLogger

	// Encode renders req (already stamped with requestID) to bytes ready
	// to write to the stream.
	Encode func(requestID uint64, req Req) ([]byte, error)

	// Decode parses data for a response message, returning the
	// request id it answers, the decoded value, and the number of bytes
	// consumed.
	Decode func(data []byte) (requestID uint64, resp Resp, consumed int, err error)

	connection *Stream
	queue      []pendingRequest[ID, Req]
	sent       []pendingRequest[ID, Req]
	watch      *MessageWatch
}

// NewRequestResponder returns a new, disconnected [*RequestResponder].
func NewRequestResponder[ID comparable, Req, Resp any](
	demuxer *MessageDemuxer,
	endpoint EndpointID,
	requestIDs RequestIDSource,
	responseType MessageType,
	delegate ResponseDelegate[ID, Resp],
	logger SLogger,
	encode func(requestID uint64, req Req) ([]byte, error),
	decode func(data []byte) (requestID uint64, resp Resp, consumed int, err error),
) *RequestResponder[ID, Req, Resp] {
	return &RequestResponder[ID, Req, Resp]{
		Demuxer:      demuxer,
		Endpoint:     endpoint,
		RequestIDs:   requestIDs,
		ResponseType: responseType,
		Delegate:     delegate,
		Logger:       logger,
		Encode:       encode,
		Decode:       decode,
	}
}

// WriteMessage stamps req with a fresh request id and writes it if a
// connection is set, otherwise it queues req for delivery once
// [RequestResponder.SetConnection] is called (spec.md §4.F).
func (r *RequestResponder[ID, Req, Resp]) WriteMessage(localID ID, req Req) error {
	if r.connection == nil {
		r.queue = append(r.queue, pendingRequest[ID, Req]{localID: localID, request: req})
		return nil
	}
	return r.writeNow(localID, req)
}

func (r *RequestResponder[ID, Req, Resp]) writeNow(localID ID, req Req) error {
	requestID := r.RequestIDs.NextRequestID(r.Endpoint)
	data, err := r.Encode(requestID, req)
	if err != nil {
		return err
	}
	if _, err := r.connection.Write(data); err != nil {
		return err
	}
	r.sent = append(r.sent, pendingRequest[ID, Req]{localID: localID, request: req, requestID: requestID})
	r.ensureWatch()
	return nil
}

// SetConnection assigns the outbound stream and drains any queued
// requests through it, in submission order.
func (r *RequestResponder[ID, Req, Resp]) SetConnection(stream *Stream) {
	r.connection = stream
	pending := r.queue
	r.queue = nil
	for _, p := range pending {
		if err := r.writeNow(p.localID, p.request); err != nil {
			r.Logger.Info("requestResponderDrainWriteFailed",
				slog.Uint64("endpointId", uint64(r.Endpoint)),
				slog.Any("err", err),
			)
		}
	}
}

// CancelMessage removes the entries matching localID from both the queue
// and the sent list, without notifying the delegate (spec.md §4.F). If
// the sent list becomes empty, the response watch is dropped.
func (r *RequestResponder[ID, Req, Resp]) CancelMessage(localID ID) {
	r.queue = removeByLocalID(r.queue, localID)
	r.sent = removeByLocalID(r.sent, localID)
	if len(r.sent) == 0 {
		r.dropWatch()
	}
}

func removeByLocalID[ID comparable, Req any](entries []pendingRequest[ID, Req], localID ID) []pendingRequest[ID, Req] {
	out := entries[:0]
	for _, e := range entries {
		if e.localID != localID {
			out = append(out, e)
		}
	}
	return out
}

// Reset cancels every queued and sent request, delivering
// [ResponseDelegate.OnRequestCancelled] for each, then drops the watch
// (spec.md §4.F).
func (r *RequestResponder[ID, Req, Resp]) Reset() {
	for _, p := range r.queue {
		r.Delegate.OnRequestCancelled(p.localID)
	}
	for _, p := range r.sent {
		r.Delegate.OnRequestCancelled(p.localID)
	}
	r.queue = nil
	r.sent = nil
	r.dropWatch()
}

func (r *RequestResponder[ID, Req, Resp]) ensureWatch() {
	if r.watch != nil {
		return
	}
	r.watch = r.Demuxer.WatchMessageType(r.Endpoint, r.ResponseType, r.handleResponse)
}

func (r *RequestResponder[ID, Req, Resp]) dropWatch() {
	if r.watch != nil {
		r.watch.Cancel()
		r.watch = nil
	}
}

func (r *RequestResponder[ID, Req, Resp]) handleResponse(_ EndpointID, _ StreamID, _ MessageType, data []byte, _ TimePoint) (int, error) {
	requestID, resp, consumed, err := r.Decode(data)
	if err != nil {
		return consumed, err
	}

	for i, p := range r.sent {
		if p.requestID == requestID {
			r.sent = append(r.sent[:i], r.sent[i+1:]...)
			r.Delegate.OnMatchedResponse(p.localID, resp)
			if len(r.sent) == 0 {
				r.dropWatch()
			}
			return consumed, nil
		}
	}

	r.Logger.Info("requestResponderUnmatchedResponse",
		slog.Uint64("endpointId", uint64(r.Endpoint)),
		slog.Uint64("requestId", requestID),
	)
	return consumed, nil
}
