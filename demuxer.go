// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: original_source/api/impl/message_demuxer.h (dispatch-table
// shape, per-endpoint + global-listener fallback) and spec.md §4.D.

package osp

import (
	"encoding/binary"
	"errors"
	"log/slog"
)

// MessageType is a closed u64 tag, one per CBOR schema (spec.md §3).
type MessageType uint64

// StreamID is local to one underlying protocol connection (spec.md §3).
type StreamID uint64

// ErrIncompleteMessage is returned by a [MessageHandler] to mean "need more
// bytes before this message can be parsed; keep the buffer and try again
// once more bytes arrive" (spec.md §4.D, the original's kCborIncompleteMessage).
var ErrIncompleteMessage = errors.New("osp: incomplete message, need more bytes")

// MessageHandler decodes one opaque CBOR-encoded message (the concrete
// codec is out of scope, spec.md §1) and returns the number of bytes of
// data it consumed. Returning [ErrIncompleteMessage] means "don't advance,
// wait for more bytes". Any other non-nil error still advances past the
// bytes reported consumed: the demuxer trusts the handler to report how
// much of the malformed message it was able to skip.
type MessageHandler func(endpoint EndpointID, stream StreamID, msgType MessageType, data []byte, now TimePoint) (int, error)

// MessageWatch is a scoped handle returned by [MessageDemuxer.WatchMessageType]
// and [MessageDemuxer.SetDefaultMessageTypeWatch]; dropping it removes at
// most one dispatch-table entry (spec.md §3, §4.D).
type MessageWatch struct {
	cancel *scopedCancel
}

func newMessageWatch(fn func()) *MessageWatch {
	return &MessageWatch{cancel: newScopedCancel(fn)}
}

// Cancel revokes the watch. Safe to call more than once.
func (w *MessageWatch) Cancel() {
	if w != nil {
		w.cancel.cancel()
	}
}

type endpointTypeKey struct {
	endpoint EndpointID
	msgType  MessageType
}

type streamKey struct {
	endpoint EndpointID
	stream   StreamID
}

// registration pairs a handler with the generation it was installed under,
// so a [MessageWatch] only removes the table entry if no newer
// registration for the same key has since replaced it.
type registration struct {
	cb  MessageHandler
	gen uint64
}

// MessageDemuxer frames length-prefixed CBOR messages on per-endpoint
// streams and dispatches them by [MessageType] (spec.md §4.D). It is owned
// exclusively by the [TaskRunner] thread and takes no internal lock
// (spec.md §5).
type MessageDemuxer struct {
	Clock  Clock
	Logger SLogger

	perEndpoint map[endpointTypeKey]registration
	defaults    map[MessageType]registration
	buffers     map[streamKey][]byte
	nextGen     uint64
}

// NewMessageDemuxer returns a new, empty [*MessageDemuxer].
func NewMessageDemuxer(clock Clock, logger SLogger) *MessageDemuxer {
	return &MessageDemuxer{
		Clock:       clock,
		Logger:      logger,
		perEndpoint: make(map[endpointTypeKey]registration),
		defaults:    make(map[MessageType]registration),
		buffers:     make(map[streamKey][]byte),
	}
}

// WatchMessageType registers cb as the callback for messages of msgType
// arriving from endpoint. At most one callback may be registered per
// (endpoint, msgType) pair; a second call for the same pair replaces the
// first (the returned watch for the first registration no longer controls
// any table entry once replaced).
func (d *MessageDemuxer) WatchMessageType(endpoint EndpointID, msgType MessageType, cb MessageHandler) *MessageWatch {
	key := endpointTypeKey{endpoint: endpoint, msgType: msgType}
	d.nextGen++
	gen := d.nextGen
	d.perEndpoint[key] = registration{cb: cb, gen: gen}
	return newMessageWatch(func() {
		if current, ok := d.perEndpoint[key]; ok && current.gen == gen {
			delete(d.perEndpoint, key)
		}
	})
}

// SetDefaultMessageTypeWatch registers cb as the fallback callback for
// msgType, used when no per-endpoint entry matches.
func (d *MessageDemuxer) SetDefaultMessageTypeWatch(msgType MessageType, cb MessageHandler) *MessageWatch {
	d.nextGen++
	gen := d.nextGen
	d.defaults[msgType] = registration{cb: cb, gen: gen}
	return newMessageWatch(func() {
		if current, ok := d.defaults[msgType]; ok && current.gen == gen {
			delete(d.defaults, msgType)
		}
	})
}

func (d *MessageDemuxer) lookup(endpoint EndpointID, msgType MessageType) MessageHandler {
	if reg, ok := d.perEndpoint[endpointTypeKey{endpoint: endpoint, msgType: msgType}]; ok {
		return reg.cb
	}
	if reg, ok := d.defaults[msgType]; ok {
		return reg.cb
	}
	return nil
}

// HandleStreamData appends data to the buffer for (endpoint, stream) and
// drives the frame loop of spec.md §4.D: parse a leading varint msg_type,
// dispatch to the matching handler, and repeat until the buffer is empty,
// no handler is yet registered for the next message, or a handler reports
// [ErrIncompleteMessage].
func (d *MessageDemuxer) HandleStreamData(endpoint EndpointID, stream StreamID, data []byte) {
	key := streamKey{endpoint: endpoint, stream: stream}
	d.buffers[key] = append(d.buffers[key], data...)

	for {
		buf := d.buffers[key]
		if len(buf) == 0 {
			delete(d.buffers, key)
			return
		}

		msgTypeVal, n := binary.Uvarint(buf)
		if n == 0 {
			return // varint not fully buffered yet; wait for more bytes
		}
		if n < 0 {
			d.Logger.Info("demuxerMalformedVarint",
				slog.Uint64("endpointId", uint64(endpoint)),
				slog.Uint64("streamId", uint64(stream)),
			)
			delete(d.buffers, key)
			return
		}

		msgType := MessageType(msgTypeVal)
		rest := buf[n:]
		handler := d.lookup(endpoint, msgType)
		if handler == nil {
			return // no watcher yet; keep buffer, retry on next delivery
		}

		consumed, err := handler(endpoint, stream, msgType, rest, d.Clock.Now())
		if errors.Is(err, ErrIncompleteMessage) {
			return // keep the full buffer (varint included), try later
		}

		if consumed < 0 {
			consumed = 0
		}
		total := n + consumed
		if total > len(buf) {
			total = len(buf)
		}
		d.buffers[key] = buf[total:]

		if err != nil {
			d.Logger.Info("demuxerParseError",
				slog.Uint64("endpointId", uint64(endpoint)),
				slog.Uint64("streamId", uint64(stream)),
				slog.Uint64("msgType", uint64(msgType)),
				slog.Any("err", err),
			)
		}
	}
}

// ForgetStream discards any buffered bytes for (endpoint, stream), used
// when the underlying stream is closed.
func (d *MessageDemuxer) ForgetStream(endpoint EndpointID, stream StreamID) {
	delete(d.buffers, streamKey{endpoint: endpoint, stream: stream})
}
