// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"bytes"
	"testing"
	"time"
)

func TestConnRetryAccepted(t *testing.T) {
	tc := newTestConn(t, clientSide)
	origDstConnID := tc.conn.connIDState.originalDstConnID()
	clientSrcConnID := append([]byte(nil), tc.conn.connIDState.srcConnID()...)

	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.cryptoStream[initialSpace].queueSend([]byte("client hello"))
	})
	first := tc.readPacket()
	if first == nil || first.ptype != packetTypeInitial {
		t.Fatalf("got %v, want an Initial packet", first)
	}
	if first.token != nil {
		t.Fatalf("first Initial token = %x, want none", first.token)
	}

	newSrcConnID := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17}
	token := []byte("retry-token")
	tc.writeRetry(newSrcConnID, token)
	tc.wkeys[initialSpace] = tc.conn.tlsState.wkeys[initialSpace]
	tc.rkeys[initialSpace] = tc.conn.tlsState.rkeys[initialSpace]

	if !tc.conn.retryDone {
		t.Fatalf("retryDone = false after valid Retry, want true")
	}
	if !bytes.Equal(tc.conn.retryToken, token) {
		t.Fatalf("retryToken = %x, want %x", tc.conn.retryToken, token)
	}
	if got := tc.conn.connIDState.dstConnID(); !bytes.Equal(got, newSrcConnID) {
		t.Fatalf("dstConnID after Retry = %x, want %x", got, newSrcConnID)
	}
	if origDstConnID2 := tc.conn.connIDState.originalDstConnID(); !bytes.Equal(origDstConnID2, origDstConnID) {
		t.Fatalf("originalDstConnID changed across Retry: %x -> %x", origDstConnID, origDstConnID2)
	}

	retried := tc.readPacket()
	if retried == nil || retried.ptype != packetTypeInitial {
		t.Fatalf("got %v, want a retried Initial packet", retried)
	}
	if !bytes.Equal(retried.token, token) {
		t.Fatalf("retried Initial token = %x, want %x", retried.token, token)
	}
	if !bytes.Equal(retried.dstConnID, newSrcConnID) {
		t.Fatalf("retried Initial dstConnID = %x, want %x", retried.dstConnID, newSrcConnID)
	}
	if !bytes.Equal(retried.srcConnID, clientSrcConnID) {
		t.Fatalf("retried Initial srcConnID = %x, want %x", retried.srcConnID, clientSrcConnID)
	}
	var sawCrypto bool
	for _, f := range retried.frames {
		if c, ok := f.(debugFrameCrypto); ok {
			sawCrypto = true
			if c.off != 0 || !bytes.Equal(c.data, []byte("client hello")) {
				t.Fatalf("retried CRYPTO frame = %v, want off=0 data=%q", c, "client hello")
			}
		}
	}
	if !sawCrypto {
		t.Fatalf("retried Initial carried no CRYPTO frame, want the ClientHello resent")
	}
}

func TestConnRetryIgnoredAfterFirst(t *testing.T) {
	tc := newTestConn(t, clientSide)
	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.cryptoStream[initialSpace].queueSend([]byte("client hello"))
	})
	tc.wait()

	firstSrcConnID := []byte{0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27}
	firstToken := []byte("first-token")
	tc.writeRetry(firstSrcConnID, firstToken)
	tc.wkeys[initialSpace] = tc.conn.tlsState.wkeys[initialSpace]
	tc.rkeys[initialSpace] = tc.conn.tlsState.rkeys[initialSpace]

	secondSrcConnID := []byte{0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37}
	secondToken := []byte("second-token")
	tc.writeRetry(secondSrcConnID, secondToken)

	if !bytes.Equal(tc.conn.retryToken, firstToken) {
		t.Fatalf("retryToken after second Retry = %x, want unchanged %x", tc.conn.retryToken, firstToken)
	}
	if got := tc.conn.connIDState.dstConnID(); !bytes.Equal(got, firstSrcConnID) {
		t.Fatalf("dstConnID after second Retry = %x, want unchanged %x", got, firstSrcConnID)
	}
}

func TestConnRetryBadIntegrityTagIgnored(t *testing.T) {
	tc := newTestConn(t, clientSide)
	origDstConnID := tc.conn.connIDState.originalDstConnID()

	buf := appendRetryPacket(nil, origDstConnID, tc.conn.connIDState.srcConnID(), []byte{0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47}, []byte("bad-token"))
	buf[len(buf)-1] ^= 0xff // corrupt the integrity tag
	tc.conn.sendMsg(&datagram{b: buf})
	tc.wait()

	if tc.conn.retryDone {
		t.Fatalf("retryDone = true after Retry with bad integrity tag, want false")
	}
	if tc.conn.retryToken != nil {
		t.Fatalf("retryToken = %x after Retry with bad integrity tag, want none", tc.conn.retryToken)
	}
}
