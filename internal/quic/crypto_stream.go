// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// maxCryptoBufferSize bounds how much out-of-order CRYPTO data a space
// will buffer before giving up on the peer.
const maxCryptoBufferSize = 1 << 16

// cryptoStreamState reassembles one packet-number space's CRYPTO frames
// into an ordered byte stream for the TLS engine, and separately tracks
// this endpoint's own outbound CRYPTO data for that space.
type cryptoStreamState struct {
	// inbound reassembly
	data       []byte
	readOffset int64
	pending    map[int64][]byte

	// outbound
	sendBuf     []byte
	ackedOffset int64
	sentOffset  int64
}

// handleCryptoFrame inserts a received CRYPTO frame's data, returning
// the newly available contiguous prefix (if any) for the caller to hand
// to the TLS engine, or an error if the space's reassembly buffer would
// grow unreasonably large.
func (cs *cryptoStreamState) handleCryptoFrame(off int64, data []byte) ([]byte, error) {
	if off < cs.readOffset {
		skip := cs.readOffset - off
		if skip >= int64(len(data)) {
			return nil, nil
		}
		off = cs.readOffset
		data = data[skip:]
	}
	if off > cs.readOffset {
		if cs.pending == nil {
			cs.pending = make(map[int64][]byte)
		}
		if int64(len(cs.pending))*1024 > maxCryptoBufferSize {
			return nil, newError(errCryptoBufferExceeded, "crypto reassembly buffer exceeded")
		}
		cs.pending[off] = append([]byte(nil), data...)
		return nil, nil
	}
	start := len(cs.data)
	cs.data = append(cs.data, data...)
	cs.readOffset += int64(len(data))
	for {
		seg, ok := cs.pending[cs.readOffset]
		if !ok {
			break
		}
		delete(cs.pending, cs.readOffset)
		cs.data = append(cs.data, seg...)
		cs.readOffset += int64(len(seg))
	}
	if len(cs.data) > maxCryptoBufferSize {
		return nil, newError(errCryptoBufferExceeded, "crypto reassembly buffer exceeded")
	}
	return cs.data[start:], nil
}

// queueSend appends data to this space's outbound CRYPTO stream, for
// the TLS engine to hand the connection.
func (cs *cryptoStreamState) queueSend(data []byte) {
	cs.sendBuf = append(cs.sendBuf, data...)
}

// pendingSendData returns up to max bytes of unacknowledged, not-yet-sent
// CRYPTO data and its offset.
func (cs *cryptoStreamState) pendingSendData(max int) (off int64, data []byte) {
	avail := int64(len(cs.sendBuf)) - (cs.sentOffset - cs.ackedOffset)
	if avail <= 0 {
		return cs.sentOffset, nil
	}
	n := int64(max)
	if n > avail {
		n = avail
	}
	start := cs.sentOffset - cs.ackedOffset
	off = cs.sentOffset
	cs.sentOffset += n
	return off, cs.sendBuf[start : start+n]
}

// ack discards the prefix of sendBuf covered by an acknowledged CRYPTO
// frame spanning [off, off+size).
func (cs *cryptoStreamState) ack(off, size int64) {
	end := off + size
	if off <= cs.ackedOffset && end > cs.ackedOffset {
		trim := end - cs.ackedOffset
		if trim > int64(len(cs.sendBuf)) {
			trim = int64(len(cs.sendBuf))
		}
		cs.sendBuf = cs.sendBuf[trim:]
		cs.ackedOffset = end
		if cs.sentOffset < cs.ackedOffset {
			cs.sentOffset = cs.ackedOffset
		}
	}
}

// loss rewinds sentOffset so a lost CRYPTO frame's range is resent.
func (cs *cryptoStreamState) loss(off int64) {
	if off < cs.sentOffset {
		cs.sentOffset = off
	}
}

// restartSend rewinds sentOffset back to ackedOffset, so every byte
// queued so far is offered again. Used when a Retry invalidates
// whatever was previously in flight in this space.
func (cs *cryptoStreamState) restartSend() {
	cs.sentOffset = cs.ackedOffset
}
