// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stream IDs encode direction and initiator in their low two bits
// (RFC 9000 Section 2.1).
const (
	streamInitiatorClient = 0
	streamInitiatorServer = 1
	streamDirBidi         = 0
	streamDirUni          = 2
)

func isBidiStream(id int64) bool        { return id&streamDirUni == 0 }
func streamInitiator(id int64) connSide { return connSide(id & 1) }

// A Stream is a single QUIC stream: an independent, ordered byte
// sequence multiplexed over a connection. Reads and writes
// may be called from any goroutine; all synchronize through the
// embedded mutexes and hand off wire traffic to the connection's event
// loop.
type Stream struct {
	id   int64
	conn *Conn

	send sendStreamState
	recv recvStreamState
}

// sendStreamState is a Stream's outbound buffer and flow-control state.
type sendStreamState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte // unacked bytes, starting at ackedOffset
	ackedOffset int64
	sentOffset  int64 // ackedOffset + len(already-sent prefix of buf)
	limit       int64 // peer-granted MAX_STREAM_DATA
	closeRequested bool
	finOffset      int64
	finSent        bool
	finAcked       bool
	resetCode      *uint64
	resetAcked     bool
	err            error
}

// recvStreamState is a Stream's inbound reassembly buffer and
// flow-control state.
type recvStreamState struct {
	mu          sync.Mutex
	cond        *sync.Cond
	data        []byte // contiguous bytes available starting at readOffset
	readOffset  int64
	pending     map[int64][]byte // out-of-order segments, keyed by offset
	maxRecvData int64            // local flow-control limit we advertise
	maxSentData int64            // local limit last sent in a MAX_STREAM_DATA frame
	gotFinal    bool
	finalSize   int64
	closed      bool
	resetCode   *uint64
	err         error

	stopSendingCode  *uint64
	stopSendingAcked bool
}

// streamsState tracks every stream on a connection and the
// connection-level flow control and stream-count limits 
// requires.
type streamsState struct {
	side   connSide
	params *transportParameters
	peerParams *transportParameters // set once the handshake delivers it

	mu      sync.Mutex
	cond    *sync.Cond // broadcast whenever a blocked OpenStream*Sync might succeed
	streams map[int64]*Stream

	nextIDLocalBidi  int64
	nextIDLocalUni   int64
	peerMaxStreamsBidi int64
	peerMaxStreamsUni  int64
	localMaxStreamsBidi int64
	localMaxStreamsUni  int64

	dataSent  int64
	dataLimit int64 // peer-granted MAX_DATA

	dataReceived  int64
	maxDataLocal  int64 // local connection receive-window limit
	maxDataSent   int64 // local limit last sent in a MAX_DATA frame

	maxStreamsBidiSent int64 // local bidi stream limit last sent in a MAX_STREAMS frame
	maxStreamsUniSent  int64 // local uni stream limit last sent in a MAX_STREAMS frame

	newStreamc chan *Stream // server/client: streams opened by the peer
}

func (s *streamsState) init(side connSide, params *transportParameters) {
	s.side = side
	s.params = params
	s.cond = sync.NewCond(&s.mu)
	s.streams = make(map[int64]*Stream)
	s.nextIDLocalBidi = int64(streamDirBidi) | int64(sideBit(side))
	s.nextIDLocalUni = int64(streamDirUni) | int64(sideBit(side))
	s.localMaxStreamsBidi = 100
	s.localMaxStreamsUni = 100
	s.maxDataLocal = 1 << 20
	s.newStreamc = make(chan *Stream, 16)
}

func sideBit(side connSide) int64 {
	if side == serverSide {
		return streamInitiatorServer
	}
	return streamInitiatorClient
}

// setPeerParams records the peer's transport parameters once the
// handshake delivers them, raising this side's send limits (for
// streams not yet opened) and its peer stream-count limits accordingly.
func (s *streamsState) setPeerParams(p *transportParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerParams = p
	if int64(p.initialMaxStreamsBidi) > s.peerMaxStreamsBidi {
		s.peerMaxStreamsBidi = int64(p.initialMaxStreamsBidi)
	}
	if int64(p.initialMaxStreamsUni) > s.peerMaxStreamsUni {
		s.peerMaxStreamsUni = int64(p.initialMaxStreamsUni)
	}
	if int64(p.initialMaxData) > s.dataLimit {
		s.dataLimit = int64(p.initialMaxData)
	}
	s.cond.Broadcast()
}

// newLocalStream allocates a new stream initiated by this endpoint,
// failing with errStreamLimit if the peer's advertised stream-count
// limit for this direction is already reached.
func (s *streamsState) newLocalStream(c *Conn, uni bool) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newLocalStreamLocked(c, uni)
}

// newLocalStreamBlocking is newLocalStream, but waits for the peer to
// raise its stream limit (via a MAX_STREAMS frame or, for the very
// first streams, the handshake's transport parameters) instead of
// failing immediately, until ctx is done.
func (s *streamsState) newLocalStreamBlocking(ctx context.Context, c *Conn, uni bool) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()
	for {
		st, err := s.newLocalStreamLocked(c, uni)
		if err == nil {
			return st, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
}

func (s *streamsState) newLocalStreamLocked(c *Conn, uni bool) (*Stream, error) {
	var id int64
	if uni {
		if s.nextIDLocalUni>>2 >= s.peerMaxStreamsUni {
			return nil, newError(errStreamLimit, "uni stream limit reached")
		}
		id = s.nextIDLocalUni
		s.nextIDLocalUni += 4
	} else {
		if s.nextIDLocalBidi>>2 >= s.peerMaxStreamsBidi {
			return nil, newError(errStreamLimit, "bidi stream limit reached")
		}
		id = s.nextIDLocalBidi
		s.nextIDLocalBidi += 4
	}
	return s.newStreamLocked(c, id, uni), nil
}

// newStreamLocked allocates a Stream and sets its flow-control limits
// per RFC 9000 Section 4.1: the limit on data this side may send is
// whatever the peer promised for streams of this category and
// initiator; the limit on data this side accepts is whatever it
// promised itself.
func (s *streamsState) newStreamLocked(c *Conn, id int64, uni bool) *Stream {
	st := &Stream{id: id, conn: c}
	st.send.cond = sync.NewCond(&st.send.mu)
	st.recv.cond = sync.NewCond(&st.recv.mu)
	mine := streamInitiator(id) == s.side
	switch {
	case uni && mine:
		st.recv.closed = true // a uni stream we open is send-only
		if s.peerParams != nil {
			st.send.limit = int64(s.peerParams.initialMaxStreamDataUni)
		}
	case uni && !mine:
		st.recv.maxRecvData = int64(s.params.initialMaxStreamDataUni)
	case mine:
		st.recv.maxRecvData = int64(s.params.initialMaxStreamDataBidiLocal)
		if s.peerParams != nil {
			st.send.limit = int64(s.peerParams.initialMaxStreamDataBidiRemote)
		}
	default:
		st.recv.maxRecvData = int64(s.params.initialMaxStreamDataBidiRemote)
		if s.peerParams != nil {
			st.send.limit = int64(s.peerParams.initialMaxStreamDataBidiLocal)
		}
	}
	s.streams[id] = st
	direction := "bidi"
	if uni {
		direction = "uni"
	}
	c.metrics.openedStream(direction)
	return st
}

// getOrCreatePeerStream returns the Stream for a peer-initiated id,
// creating it (and any lower-numbered streams of the same type implied
// by the stream ID space, per RFC 9000 Section 2.1) on first reference.
func (s *streamsState) getOrCreatePeerStream(c *Conn, id int64) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	uni := !isBidiStream(id)
	limit := s.localMaxStreamsBidi
	if uni {
		limit = s.localMaxStreamsUni
	}
	if id>>2 >= limit {
		return nil, newError(errStreamLimit, "peer exceeded stream limit")
	}
	var st *Stream
	for lid := id & 3; lid <= id; lid += 4 {
		if _, ok := s.streams[lid]; ok {
			continue
		}
		st = s.newStreamLocked(c, lid, uni)
		select {
		case s.newStreamc <- st:
		default:
		}
	}
	return st, nil
}

// handleStreamFrame applies a received STREAM frame's payload.
func (st *Stream) handleStreamFrame(off int64, data []byte, fin bool) error {
	r := &st.recv
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if fin {
		finalSize := off + int64(len(data))
		if r.gotFinal && finalSize != r.finalSize {
			return newError(errFinalSize, "inconsistent stream final size")
		}
		r.gotFinal = true
		r.finalSize = finalSize
	}
	if off+int64(len(data)) > r.readOffset+r.maxRecvData {
		return newError(errFlowControl, "stream flow control violation")
	}
	r.insert(off, data)
	r.cond.Broadcast()
	return nil
}

func (r *recvStreamState) insert(off int64, data []byte) {
	if r.pending == nil {
		r.pending = make(map[int64][]byte)
	}
	if off < r.readOffset {
		skip := r.readOffset - off
		if skip >= int64(len(data)) {
			return
		}
		off = r.readOffset
		data = data[skip:]
	}
	if off == r.readOffset {
		r.data = append(r.data, data...)
		r.readOffset += int64(len(data))
		// Pull in any now-contiguous pending segments.
		for {
			seg, ok := r.pending[r.readOffset]
			if !ok {
				break
			}
			delete(r.pending, r.readOffset)
			r.data = append(r.data, seg...)
			r.readOffset += int64(len(seg))
		}
		return
	}
	r.pending[off] = append([]byte(nil), data...)
}

// Read reads data from the stream, blocking until some is available.
func (st *Stream) Read(b []byte) (int, error) {
	r := &st.recv
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.gotFinal && int64(len(r.data)) == 0 && r.readOffset >= r.finalSize {
			return 0, fmt.Errorf("EOF")
		}
		r.cond.Wait()
	}
	n := copy(b, r.data)
	r.data = r.data[n:]
	return n, nil
}

// Write appends data to the stream's send buffer and wakes the
// connection to send it. It does not block: the send buffer has no
// size limit.
func (st *Stream) Write(b []byte) (int, error) {
	s := &st.send
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.buf = append(s.buf, b...)
	s.cond.Broadcast()
	if st.conn != nil {
		st.conn.sendMsg(func(time.Time, *Conn) {})
	}
	return len(b), nil
}

// Close marks the stream's send side as finished.
func (st *Stream) Close() error {
	s := &st.send
	s.mu.Lock()
	s.closeRequested = true
	s.finOffset = s.ackedOffset + int64(len(s.buf))
	s.cond.Broadcast()
	s.mu.Unlock()
	if st.conn != nil {
		st.conn.sendMsg(func(time.Time, *Conn) {})
	}
	return nil
}

// Reset abandons the stream's send side with an application error code
//.
func (st *Stream) Reset(code uint64) {
	s := &st.send
	s.mu.Lock()
	s.resetCode = &code
	s.cond.Broadcast()
	s.mu.Unlock()
	if st.conn != nil {
		st.conn.sendMsg(func(time.Time, *Conn) {})
	}
}

// StopSending requests that the peer abandon sending further data on
// the stream.
func (st *Stream) StopSending(code uint64) {
	r := &st.recv
	r.mu.Lock()
	r.stopSendingCode = &code
	r.mu.Unlock()
	if st.conn != nil {
		st.conn.sendMsg(func(time.Time, *Conn) {})
	}
}

// pendingSendData returns up to max bytes of unsent stream data and
// their offset, for appendStreamFrame to place in a packet.
func (s *sendStreamState) pendingSendData(max int) (off int64, data []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := int64(len(s.buf)) - (s.sentOffset - s.ackedOffset)
	if avail < 0 {
		avail = 0
	}
	n := int64(max)
	if n > avail {
		n = avail
	}
	start := s.sentOffset - s.ackedOffset
	data = s.buf[start : start+n]
	off = s.sentOffset
	s.sentOffset += n
	fin = s.closeRequested && s.sentOffset == s.finOffset && !s.finSent
	if fin {
		s.finSent = true
	}
	return off, data, fin
}

// ack discards the prefix of buf covered by an acknowledged STREAM frame
// spanning [off, off+size), and records FIN acknowledgement.
func (s *sendStreamState) ack(off, size int64, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := off + size
	if off <= s.ackedOffset && end > s.ackedOffset {
		trim := end - s.ackedOffset
		if trim > int64(len(s.buf)) {
			trim = int64(len(s.buf))
		}
		s.buf = s.buf[trim:]
		s.ackedOffset = end
		if s.sentOffset < s.ackedOffset {
			s.sentOffset = s.ackedOffset
		}
	}
	if fin {
		s.finAcked = true
	}
	s.cond.Broadcast()
}

// loss rewinds sentOffset so a lost STREAM frame's range (and its FIN,
// if it carried one) is resent.
func (s *sendStreamState) loss(off int64, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < s.sentOffset {
		s.sentOffset = off
	}
	if fin {
		s.finSent = false
	}
}
