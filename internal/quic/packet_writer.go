// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// A packetWriter assembles a single UDP datagram, possibly containing
// several coalesced QUIC packets, applying packet protection (AEAD seal
// and header protection) to each as it is finished. It also accumulates,
// for the in-progress packet, the sentPacket record used for loss
// recovery.
type packetWriter struct {
	buf     []byte
	maxSize int

	headerStart  int
	payloadStart int
	pnumOff      int
	pnumLen      int
	long         bool

	sent *sentPacket
}

func (w *packetWriter) reset(maxSize int) {
	w.buf = w.buf[:0]
	w.maxSize = maxSize
	w.sent = nil
}

// payload returns the plaintext written so far into the in-progress packet.
func (w *packetWriter) payload() []byte {
	if w.sent == nil {
		return nil
	}
	return w.buf[w.payloadStart:]
}

// avail reports how many more bytes may be appended to the datagram
// before exceeding maxSize, keeping 16 bytes in reserve for the AEAD tag.
func (w *packetWriter) avail() int {
	n := w.maxSize - len(w.buf) - 16 /* reserve for AEAD tag */
	if n < 0 {
		return 0
	}
	return n
}

func (w *packetWriter) startProtectedLongHeaderPacket(pnumMaxAcked packetNumber, p longPacket) {
	w.headerStart = len(w.buf)
	w.long = true
	pnumLen := sizePacketNumber(p.num, pnumMaxAcked)

	typeBits := byte(0)
	switch p.ptype {
	case packetTypeInitial:
		typeBits = 0x0
	case packetType0RTT:
		typeBits = 0x1
	case packetTypeHandshake:
		typeBits = 0x2
	}
	w.buf = append(w.buf, headerFormLong|fixedBit|(typeBits<<4)|byte(pnumLen-1))
	w.buf = appendUint32(w.buf, p.version)
	w.buf = append(w.buf, byte(len(p.dstConnID)))
	w.buf = append(w.buf, p.dstConnID...)
	w.buf = append(w.buf, byte(len(p.srcConnID)))
	w.buf = append(w.buf, p.srcConnID...)
	if p.ptype == packetTypeInitial {
		w.buf = appendVarintBytes(w.buf, p.token)
	}
	// Reserve a fixed 2-byte varint for length; datagrams are always
	// well under 16384 bytes so this never needs to grow.
	w.buf = append(w.buf, 0x40, 0x00)
	w.pnumOff = len(w.buf)
	w.pnumLen = pnumLen
	w.buf = appendPacketNumber(w.buf, p.num, pnumLen)
	w.payloadStart = len(w.buf)

	w.sent = &sentPacket{num: p.num, space: spaceForPacketType(p.ptype)}
}

// finishProtectedLongHeaderPacket applies AEAD protection and header
// protection to the packet started by startProtectedLongHeaderPacket,
// and returns its sentPacket record (nil if the packet was empty and
// should be abandoned).
func (w *packetWriter) finishProtectedLongHeaderPacket(pnumMaxAcked packetNumber, k *keys, p longPacket) *sentPacket {
	if len(w.payload()) == 0 {
		w.abandonPacket()
		return nil
	}
	w.padForSample()
	payload := append([]byte(nil), w.payload()...)
	aad := w.buf[w.headerStart:w.payloadStart]

	length := uint64(w.pnumLen + len(payload) + 16)
	lenOff := w.pnumOff - 2
	patchVarint2(w.buf[lenOff:lenOff+2], length)

	w.buf = w.buf[:w.payloadStart]
	w.buf = k.seal(w.buf, aad, payload, p.num)

	protectHeader(w.buf[w.headerStart:], w.pnumOff-w.headerStart, w.pnumLen, k, true)

	w.sent.size = len(w.buf) - w.headerStart
	sent := w.sent
	w.sent = nil
	return sent
}

func (w *packetWriter) start1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte, keyPhase int) {
	w.headerStart = len(w.buf)
	w.long = false
	pnumLen := sizePacketNumber(pnum, pnumMaxAcked)
	first := fixedBit | byte(pnumLen-1)
	if keyPhase&1 != 0 {
		first |= keyPhaseBitMask
	}
	w.buf = append(w.buf, first)
	w.buf = append(w.buf, dstConnID...)
	w.pnumOff = len(w.buf)
	w.pnumLen = pnumLen
	w.buf = appendPacketNumber(w.buf, pnum, pnumLen)
	w.payloadStart = len(w.buf)

	w.sent = &sentPacket{num: pnum, space: appDataSpace}
}

func (w *packetWriter) finish1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte, k *keys) *sentPacket {
	if len(w.payload()) == 0 {
		w.abandonPacket()
		return nil
	}
	w.padForSample()
	payload := append([]byte(nil), w.payload()...)
	aad := w.buf[w.headerStart:w.payloadStart]

	w.buf = w.buf[:w.payloadStart]
	w.buf = k.seal(w.buf, aad, payload, pnum)

	protectHeader(w.buf[w.headerStart:], w.pnumOff-w.headerStart, w.pnumLen, k, false)

	w.sent.size = len(w.buf) - w.headerStart
	sent := w.sent
	w.sent = nil
	return sent
}

// padForSample ensures the plaintext payload is long enough that, once
// sealed, the header-protection sample window (4 bytes past the packet
// number, 16 bytes long) lies within the ciphertext.
func (w *packetWriter) padForSample() {
	need := headerProtectionPNOffsetForSample + headerProtectionSampleLen - w.pnumLen - 16
	for len(w.payload()) < need {
		w.buf = append(w.buf, frameTypePadding)
	}
}

// appendPaddingTo pads the in-progress packet's plaintext payload with
// PADDING bytes so that, once sealed, the overall datagram written so
// far reaches total bytes.
func (w *packetWriter) appendPaddingTo(total int) {
	need := total - len(w.buf) - 16
	for len(w.buf) < total-16 && need > 0 {
		w.buf = append(w.buf, frameTypePadding)
		need--
	}
	if w.sent != nil {
		w.sent.inFlight = true
	}
}

// abandonPacket discards everything written for the in-progress packet.
func (w *packetWriter) abandonPacket() {
	w.buf = w.buf[:w.headerStart]
	w.sent = nil
}

// datagram returns the bytes accumulated so far, across all coalesced packets.
func (w *packetWriter) datagram() []byte {
	return w.buf
}

func patchVarint2(b []byte, v uint64) {
	if v > 16383 {
		panic("quic: packet too large for reserved length field")
	}
	b[0] = 0x40 | byte(v>>8)
	b[1] = byte(v)
}

// markAckEliciting records that the in-progress packet now carries a
// frame other than ACK/PADDING/CONNECTION_CLOSE.
func (w *packetWriter) markAckEliciting() {
	if w.sent != nil {
		w.sent.ackEliciting = true
		w.sent.inFlight = true
	}
}

func (w *packetWriter) appendPingFrame() bool {
	if w.avail() < 1 {
		return false
	}
	w.buf = append(w.buf, frameTypePing)
	w.markAckEliciting()
	return true
}

func (w *packetWriter) appendAckFrame(seen rangeset, ackDelay uint64) bool {
	if len(seen) == 0 {
		return false
	}
	// Ranges are stored ascending; the wire format wants descending,
	// largest-first, encoded as (largest, first-range-len, [gap, len]...).
	n := len(seen)
	largest := seen[n-1].end
	firstLen := seen[n-1].size() - 1

	need := 1 + sizeVarint(uint64(largest)) + sizeVarint(ackDelay) +
		sizeVarint(uint64(n-1)) + sizeVarint(uint64(firstLen))
	for i := n - 2; i >= 0; i-- {
		gap := uint64(seen[i+1].start-seen[i].end) - 2
		length := uint64(seen[i].size() - 1)
		need += sizeVarint(gap) + sizeVarint(length)
	}
	if w.avail() < need {
		return false
	}

	w.buf = append(w.buf, frameTypeAck)
	w.buf = appendVarint(w.buf, uint64(largest))
	w.buf = appendVarint(w.buf, ackDelay)
	w.buf = appendVarint(w.buf, uint64(n-1))
	w.buf = appendVarint(w.buf, firstLen)
	for i := n - 2; i >= 0; i-- {
		gap := uint64(seen[i+1].start-seen[i].end) - 2
		length := uint64(seen[i].size() - 1)
		w.buf = appendVarint(w.buf, gap)
		w.buf = appendVarint(w.buf, length)
	}
	// ACK frames are never ack-eliciting themselves.
	if w.sent != nil {
		w.sent.addFrame(sentFrame{kind: sentAck, ackLargest: largest})
	}
	return true
}

func (w *packetWriter) appendCryptoFrame(off int64, data []byte) bool {
	need := 1 + sizeVarint(uint64(off)) + sizeVarint(uint64(len(data))) + len(data)
	if w.avail() < need {
		max := w.avail() - 1 - sizeVarint(uint64(off)) - 2
		if max <= 0 {
			return false
		}
		data = data[:max]
	}
	w.buf = append(w.buf, frameTypeCrypto)
	w.buf = appendVarint(w.buf, uint64(off))
	w.buf = appendVarintBytes(w.buf, data)
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentCrypto, off: off, size: int64(len(data))})
	return true
}

func (w *packetWriter) appendStreamFrame(id, off int64, data []byte, fin bool) (appended int, wroteFIN bool, ok bool) {
	flags := byte(streamFlagLEN)
	if off > 0 {
		flags |= streamFlagOFF
	}
	hdrSize := 1 + sizeVarint(uint64(id))
	if off > 0 {
		hdrSize += sizeVarint(uint64(off))
	}
	avail := w.avail() - hdrSize - 2 // length varint upper bound
	if avail < 0 {
		return 0, false, false
	}
	n := len(data)
	if n > avail {
		n = avail
		fin = false // can't claim FIN if we're truncating
	}
	if n == 0 && !fin {
		return 0, false, false
	}
	if fin {
		flags |= streamFlagFIN
	}
	w.buf = append(w.buf, frameTypeStreamBase|flags)
	w.buf = appendVarint(w.buf, uint64(id))
	if off > 0 {
		w.buf = appendVarint(w.buf, uint64(off))
	}
	w.buf = appendVarintBytes(w.buf, data[:n])
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentStream, streamID: id, off: off, size: int64(n), fin: fin})
	return n, fin, true
}

func (w *packetWriter) appendResetStreamFrame(id int64, code uint64, finalSize int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(code) + sizeVarint(uint64(finalSize))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeResetStream)
	w.buf = appendVarint(w.buf, uint64(id))
	w.buf = appendVarint(w.buf, code)
	w.buf = appendVarint(w.buf, uint64(finalSize))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentResetStream, streamID: id, appErrCode: code})
	return true
}

func (w *packetWriter) appendStopSendingFrame(id int64, code uint64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(code)
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeStopSending)
	w.buf = appendVarint(w.buf, uint64(id))
	w.buf = appendVarint(w.buf, code)
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentStopSending, streamID: id, appErrCode: code})
	return true
}

func (w *packetWriter) appendMaxDataFrame(max int64) bool {
	need := 1 + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeMaxData)
	w.buf = appendVarint(w.buf, uint64(max))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentMaxData, limit: max})
	return true
}

func (w *packetWriter) appendMaxStreamDataFrame(id int64, max int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeMaxStreamData)
	w.buf = appendVarint(w.buf, uint64(id))
	w.buf = appendVarint(w.buf, uint64(max))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentMaxStreamData, streamID: id, limit: max})
	return true
}

func (w *packetWriter) appendMaxStreamsFrame(uni bool, max int64) bool {
	t := byte(frameTypeMaxStreamsBidi)
	if uni {
		t = frameTypeMaxStreamsUni
	}
	need := 1 + sizeVarint(uint64(max))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, t)
	w.buf = appendVarint(w.buf, uint64(max))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentMaxStreams, uni: uni, limit: max})
	return true
}

func (w *packetWriter) appendDataBlockedFrame(limit int64) bool {
	need := 1 + sizeVarint(uint64(limit))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeDataBlocked)
	w.buf = appendVarint(w.buf, uint64(limit))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentDataBlocked, limit: limit})
	return true
}

func (w *packetWriter) appendStreamDataBlockedFrame(id, limit int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(uint64(limit))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeStreamDataBlocked)
	w.buf = appendVarint(w.buf, uint64(id))
	w.buf = appendVarint(w.buf, uint64(limit))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentStreamDataBlocked, streamID: id, limit: limit})
	return true
}

func (w *packetWriter) appendStreamsBlockedFrame(uni bool, limit int64) bool {
	t := byte(frameTypeStreamsBlockedBidi)
	if uni {
		t = frameTypeStreamsBlockedUni
	}
	need := 1 + sizeVarint(uint64(limit))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, t)
	w.buf = appendVarint(w.buf, uint64(limit))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentStreamsBlocked, uni: uni, limit: limit})
	return true
}

func (w *packetWriter) appendNewConnectionIDFrame(seq, retirePriorTo int64, cid []byte, token statelessResetToken) bool {
	need := 1 + sizeVarint(uint64(seq)) + sizeVarint(uint64(retirePriorTo)) + 1 + len(cid) + len(token)
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeNewConnectionID)
	w.buf = appendVarint(w.buf, uint64(seq))
	w.buf = appendVarint(w.buf, uint64(retirePriorTo))
	w.buf = append(w.buf, byte(len(cid)))
	w.buf = append(w.buf, cid...)
	w.buf = append(w.buf, token[:]...)
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentNewConnectionID, seq: seq})
	return true
}

func (w *packetWriter) appendRetireConnectionIDFrame(seq int64) bool {
	need := 1 + sizeVarint(uint64(seq))
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeRetireConnectionID)
	w.buf = appendVarint(w.buf, uint64(seq))
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentRetireConnectionID, seq: seq})
	return true
}

func (w *packetWriter) appendPathChallengeFrame(data [8]byte) bool {
	if w.avail() < 9 {
		return false
	}
	w.buf = append(w.buf, frameTypePathChallenge)
	w.buf = append(w.buf, data[:]...)
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentPathChallenge})
	return true
}

func (w *packetWriter) appendPathResponseFrame(data [8]byte) bool {
	if w.avail() < 9 {
		return false
	}
	w.buf = append(w.buf, frameTypePathResponse)
	w.buf = append(w.buf, data[:]...)
	w.markAckEliciting()
	// PATH_RESPONSE is not repeated on loss; no sentFrame recorded.
	return true
}

func (w *packetWriter) appendNewTokenFrame(token []byte) bool {
	need := 1 + sizeVarint(uint64(len(token))) + len(token)
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeNewToken)
	w.buf = appendVarintBytes(w.buf, token)
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentNewToken})
	return true
}

func (w *packetWriter) appendHandshakeDoneFrame() bool {
	if w.avail() < 1 {
		return false
	}
	w.buf = append(w.buf, frameTypeHandshakeDone)
	w.markAckEliciting()
	w.sent.addFrame(sentFrame{kind: sentHandshakeDone})
	return true
}

// appendConnectionCloseTransportFrame appends CONNECTION_CLOSE(0x1c).
// CONNECTION_CLOSE is not ack-eliciting and is handled by the close
// state machine rather than the loss-repair table, so no
// sentFrame is recorded.
func (w *packetWriter) appendConnectionCloseTransportFrame(code TransportErrorCode, frameType uint64, reason string) bool {
	need := 1 + sizeVarint(uint64(code)) + sizeVarint(frameType) + sizeVarint(uint64(len(reason))) + len(reason)
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeConnectionCloseTransport)
	w.buf = appendVarint(w.buf, uint64(code))
	w.buf = appendVarint(w.buf, frameType)
	w.buf = appendVarintBytes(w.buf, []byte(reason))
	if w.sent != nil {
		w.sent.inFlight = true
	}
	return true
}

func (w *packetWriter) appendConnectionCloseAppFrame(code uint64, reason string) bool {
	need := 1 + sizeVarint(code) + sizeVarint(uint64(len(reason))) + len(reason)
	if w.avail() < need {
		return false
	}
	w.buf = append(w.buf, frameTypeConnectionCloseApp)
	w.buf = appendVarint(w.buf, code)
	w.buf = appendVarintBytes(w.buf, []byte(reason))
	if w.sent != nil {
		w.sent.inFlight = true
	}
	return true
}
