// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// A debugFrame is a frame represented as a Go value rather than wire
// bytes, used by tests to construct and inspect packets without
// reasoning about byte encoding directly.
type debugFrame interface {
	String() string
	write(w *packetWriter) bool
}

// parseDebugFrame parses the first frame in payload into a debugFrame,
// returning the frame and the number of bytes it occupied, or n<0 if
// payload does not begin with a recognized frame.
func parseDebugFrame(payload []byte) (f debugFrame, n int) {
	if len(payload) == 0 {
		return nil, -1
	}
	r := newByteReader(payload)
	t := r.varint()
	if !r.ok() {
		return nil, -1
	}
	switch {
	case t == frameTypePadding:
		n := 0
		for n < len(payload) && payload[n] == frameTypePadding {
			n++
		}
		return debugFramePadding{size: n}, n
	case t == frameTypePing:
		return debugFramePing{}, 1
	case t == frameTypeAck || t == frameTypeAckECN:
		return parseDebugAckFrame(payload, &r, t == frameTypeAckECN)
	case t == frameTypeResetStream:
		id := r.varint()
		code := r.varint()
		finalSize := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameResetStream{id: int64(id), code: code, finalSize: int64(finalSize)}, consumed(payload, &r)
	case t == frameTypeStopSending:
		id := r.varint()
		code := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameStopSending{id: int64(id), code: code}, consumed(payload, &r)
	case t == frameTypeCrypto:
		off := r.varint()
		data := r.varintBytes()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameCrypto{off: int64(off), data: data}, consumed(payload, &r)
	case t == frameTypeNewToken:
		token := r.varintBytes()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameNewToken{token: token}, consumed(payload, &r)
	case isStreamFrameType(t):
		flags := byte(t - frameTypeStreamBase)
		id := r.varint()
		var off uint64
		if flags&streamFlagOFF != 0 {
			off = r.varint()
		}
		var data []byte
		if flags&streamFlagLEN != 0 {
			data = r.varintBytes()
		} else {
			data = r.remaining()
		}
		if !r.ok() {
			return nil, -1
		}
		return debugFrameStream{
			id:  int64(id),
			off: int64(off),
			fin: flags&streamFlagFIN != 0,
			data: data,
		}, consumed(payload, &r)
	case t == frameTypeMaxData:
		max := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameMaxData{max: int64(max)}, consumed(payload, &r)
	case t == frameTypeMaxStreamData:
		id := r.varint()
		max := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameMaxStreamData{id: int64(id), max: int64(max)}, consumed(payload, &r)
	case t == frameTypeMaxStreamsBidi || t == frameTypeMaxStreamsUni:
		max := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameMaxStreams{uni: t == frameTypeMaxStreamsUni, max: int64(max)}, consumed(payload, &r)
	case t == frameTypeDataBlocked:
		limit := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameDataBlocked{limit: int64(limit)}, consumed(payload, &r)
	case t == frameTypeStreamDataBlocked:
		id := r.varint()
		limit := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameStreamDataBlocked{id: int64(id), limit: int64(limit)}, consumed(payload, &r)
	case t == frameTypeStreamsBlockedBidi || t == frameTypeStreamsBlockedUni:
		limit := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameStreamsBlocked{uni: t == frameTypeStreamsBlockedUni, limit: int64(limit)}, consumed(payload, &r)
	case t == frameTypeNewConnectionID:
		seq := r.varint()
		retire := r.varint()
		cidLen := int(r.uint8())
		cid := r.bytes(cidLen)
		tokBytes := r.bytes(statelessResetTokenLen)
		if !r.ok() {
			return nil, -1
		}
		var tok statelessResetToken
		copy(tok[:], tokBytes)
		return debugFrameNewConnectionID{seq: int64(seq), retirePriorTo: int64(retire), cid: cid, token: tok}, consumed(payload, &r)
	case t == frameTypeRetireConnectionID:
		seq := r.varint()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameRetireConnectionID{seq: int64(seq)}, consumed(payload, &r)
	case t == frameTypePathChallenge:
		data := r.bytes(8)
		if !r.ok() {
			return nil, -1
		}
		var d [8]byte
		copy(d[:], data)
		return debugFramePathChallenge{data: d}, consumed(payload, &r)
	case t == frameTypePathResponse:
		data := r.bytes(8)
		if !r.ok() {
			return nil, -1
		}
		var d [8]byte
		copy(d[:], data)
		return debugFramePathResponse{data: d}, consumed(payload, &r)
	case t == frameTypeConnectionCloseTransport:
		code := r.varint()
		ftype := r.varint()
		reason := r.varintBytes()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameConnectionCloseTransport{code: TransportErrorCode(code), frameType: ftype, reason: string(reason)}, consumed(payload, &r)
	case t == frameTypeConnectionCloseApp:
		code := r.varint()
		reason := r.varintBytes()
		if !r.ok() {
			return nil, -1
		}
		return debugFrameConnectionCloseApp{code: code, reason: string(reason)}, consumed(payload, &r)
	case t == frameTypeHandshakeDone:
		return debugFrameHandshakeDone{}, consumed(payload, &r)
	default:
		return nil, -1
	}
}

func consumed(payload []byte, r *byteReader) int {
	return len(payload) - len(r.remaining())
}

func parseDebugAckFrame(payload []byte, r *byteReader, ecn bool) (debugFrame, int) {
	largest := packetNumber(r.varint())
	delay := r.varint()
	count := r.varint()
	firstLen := packetNumber(r.varint())
	if !r.ok() {
		return nil, -1
	}
	var ranges rangeset
	hi := largest - firstLen
	ranges.add(hi, largest)
	for i := uint64(0); i < count; i++ {
		gap := packetNumber(r.varint())
		length := packetNumber(r.varint())
		if !r.ok() {
			return nil, -1
		}
		end := hi - gap - 2
		start := end - length
		ranges.add(start, end)
		hi = start
	}
	f := debugFrameAck{ackDelay: delay, ranges: ranges, ecn: ecn}
	if ecn {
		f.ect0 = r.varint()
		f.ect1 = r.varint()
		f.ce = r.varint()
		if !r.ok() {
			return nil, -1
		}
	}
	return f, consumed(payload, r)
}

type debugFramePadding struct{ size int }

func (f debugFramePadding) String() string { return fmt.Sprintf("PADDING(%v)", f.size) }
func (f debugFramePadding) write(w *packetWriter) bool {
	for i := 0; i < f.size; i++ {
		if w.avail() < 1 {
			return false
		}
		w.buf = append(w.buf, frameTypePadding)
	}
	return true
}

type debugFramePing struct{}

func (f debugFramePing) String() string          { return "PING" }
func (f debugFramePing) write(w *packetWriter) bool { return w.appendPingFrame() }

type debugFrameAck struct {
	ackDelay uint64
	ranges   rangeset
	ecn      bool
	ect0, ect1, ce uint64
}

func (f debugFrameAck) String() string {
	return fmt.Sprintf("ACK ranges=%v delay=%v", []numberRange(f.ranges), f.ackDelay)
}
func (f debugFrameAck) write(w *packetWriter) bool {
	return w.appendAckFrame(f.ranges, f.ackDelay)
}

type debugFrameResetStream struct {
	id        int64
	code      uint64
	finalSize int64
}

func (f debugFrameResetStream) String() string {
	return fmt.Sprintf("RESET_STREAM id=%v code=%v finalSize=%v", f.id, f.code, f.finalSize)
}
func (f debugFrameResetStream) write(w *packetWriter) bool {
	return w.appendResetStreamFrame(f.id, f.code, f.finalSize)
}

type debugFrameStopSending struct {
	id   int64
	code uint64
}

func (f debugFrameStopSending) String() string {
	return fmt.Sprintf("STOP_SENDING id=%v code=%v", f.id, f.code)
}
func (f debugFrameStopSending) write(w *packetWriter) bool {
	return w.appendStopSendingFrame(f.id, f.code)
}

type debugFrameCrypto struct {
	off  int64
	data []byte
}

func (f debugFrameCrypto) String() string {
	return fmt.Sprintf("CRYPTO off=%v size=%v", f.off, len(f.data))
}
func (f debugFrameCrypto) write(w *packetWriter) bool {
	return w.appendCryptoFrame(f.off, f.data)
}

type debugFrameNewToken struct{ token []byte }

func (f debugFrameNewToken) String() string            { return fmt.Sprintf("NEW_TOKEN %x", f.token) }
func (f debugFrameNewToken) write(w *packetWriter) bool { return w.appendNewTokenFrame(f.token) }

type debugFrameStream struct {
	id   int64
	off  int64
	fin  bool
	data []byte
}

func (f debugFrameStream) String() string {
	return fmt.Sprintf("STREAM id=%v off=%v size=%v fin=%v", f.id, f.off, len(f.data), f.fin)
}
func (f debugFrameStream) write(w *packetWriter) bool {
	_, _, ok := w.appendStreamFrame(f.id, f.off, f.data, f.fin)
	return ok
}

type debugFrameMaxData struct{ max int64 }

func (f debugFrameMaxData) String() string            { return fmt.Sprintf("MAX_DATA max=%v", f.max) }
func (f debugFrameMaxData) write(w *packetWriter) bool { return w.appendMaxDataFrame(f.max) }

type debugFrameMaxStreamData struct {
	id  int64
	max int64
}

func (f debugFrameMaxStreamData) String() string {
	return fmt.Sprintf("MAX_STREAM_DATA id=%v max=%v", f.id, f.max)
}
func (f debugFrameMaxStreamData) write(w *packetWriter) bool {
	return w.appendMaxStreamDataFrame(f.id, f.max)
}

type debugFrameMaxStreams struct {
	uni bool
	max int64
}

func (f debugFrameMaxStreams) String() string {
	return fmt.Sprintf("MAX_STREAMS uni=%v max=%v", f.uni, f.max)
}
func (f debugFrameMaxStreams) write(w *packetWriter) bool {
	return w.appendMaxStreamsFrame(f.uni, f.max)
}

type debugFrameDataBlocked struct{ limit int64 }

func (f debugFrameDataBlocked) String() string { return fmt.Sprintf("DATA_BLOCKED limit=%v", f.limit) }
func (f debugFrameDataBlocked) write(w *packetWriter) bool {
	return w.appendDataBlockedFrame(f.limit)
}

type debugFrameStreamDataBlocked struct {
	id    int64
	limit int64
}

func (f debugFrameStreamDataBlocked) String() string {
	return fmt.Sprintf("STREAM_DATA_BLOCKED id=%v limit=%v", f.id, f.limit)
}
func (f debugFrameStreamDataBlocked) write(w *packetWriter) bool {
	return w.appendStreamDataBlockedFrame(f.id, f.limit)
}

type debugFrameStreamsBlocked struct {
	uni   bool
	limit int64
}

func (f debugFrameStreamsBlocked) String() string {
	return fmt.Sprintf("STREAMS_BLOCKED uni=%v limit=%v", f.uni, f.limit)
}
func (f debugFrameStreamsBlocked) write(w *packetWriter) bool {
	return w.appendStreamsBlockedFrame(f.uni, f.limit)
}

type debugFrameNewConnectionID struct {
	seq           int64
	retirePriorTo int64
	cid           []byte
	token         statelessResetToken
}

func (f debugFrameNewConnectionID) String() string {
	return fmt.Sprintf("NEW_CONNECTION_ID seq=%v retirePriorTo=%v cid={%x}", f.seq, f.retirePriorTo, f.cid)
}
func (f debugFrameNewConnectionID) write(w *packetWriter) bool {
	return w.appendNewConnectionIDFrame(f.seq, f.retirePriorTo, f.cid, f.token)
}

type debugFrameRetireConnectionID struct{ seq int64 }

func (f debugFrameRetireConnectionID) String() string {
	return fmt.Sprintf("RETIRE_CONNECTION_ID seq=%v", f.seq)
}
func (f debugFrameRetireConnectionID) write(w *packetWriter) bool {
	return w.appendRetireConnectionIDFrame(f.seq)
}

type debugFramePathChallenge struct{ data [8]byte }

func (f debugFramePathChallenge) String() string { return fmt.Sprintf("PATH_CHALLENGE %x", f.data) }
func (f debugFramePathChallenge) write(w *packetWriter) bool {
	return w.appendPathChallengeFrame(f.data)
}

type debugFramePathResponse struct{ data [8]byte }

func (f debugFramePathResponse) String() string { return fmt.Sprintf("PATH_RESPONSE %x", f.data) }
func (f debugFramePathResponse) write(w *packetWriter) bool {
	return w.appendPathResponseFrame(f.data)
}

type debugFrameConnectionCloseTransport struct {
	code      TransportErrorCode
	frameType uint64
	reason    string
}

func (f debugFrameConnectionCloseTransport) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE code=%v frameType=%v reason=%q", f.code, f.frameType, f.reason)
}
func (f debugFrameConnectionCloseTransport) write(w *packetWriter) bool {
	return w.appendConnectionCloseTransportFrame(f.code, f.frameType, f.reason)
}

type debugFrameConnectionCloseApp struct {
	code   uint64
	reason string
}

func (f debugFrameConnectionCloseApp) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE(app) code=%v reason=%q", f.code, f.reason)
}
func (f debugFrameConnectionCloseApp) write(w *packetWriter) bool {
	return w.appendConnectionCloseAppFrame(f.code, f.reason)
}

type debugFrameHandshakeDone struct{}

func (f debugFrameHandshakeDone) String() string            { return "HANDSHAKE_DONE" }
func (f debugFrameHandshakeDone) write(w *packetWriter) bool { return w.appendHandshakeDoneFrame() }
