// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrPortOfUDPAddr(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4433}
	ap, ok := addrPortOf(addr)
	require.True(t, ok)
	assert.Equal(t, uint16(4433), ap.Port())
	assert.True(t, ap.Addr().Is4())
}

func TestExtractInitialToken(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	token := []byte("retry-token-contents")

	b := []byte{headerFormLong | fixedBit}
	b = appendUint32(b, quicVersion1)
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = appendVarintBytes(b, token)

	got := extractInitialToken(b)
	assert.Equal(t, token, got)
}

func TestExtractInitialTokenTooShort(t *testing.T) {
	assert.Nil(t, extractInitialToken([]byte{0x01, 0x02}))
}

// fakePacketConn is an in-memory net.PacketConn sufficient to drive an
// Endpoint's readLoop and sendDatagram without a real socket: a single
// inbound queue fed by deliver, and a channel recording every outbound
// write.
type fakePacketConn struct {
	local net.Addr
	in    chan fakeDatagram
	sent  chan fakeDatagram

	mu     sync.Mutex
	closed bool
	donec  chan struct{}
}

type fakeDatagram struct {
	b    []byte
	addr net.Addr
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		local: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9},
		in:    make(chan fakeDatagram, 16),
		sent:  make(chan fakeDatagram, 16),
		donec: make(chan struct{}),
	}
}

func (f *fakePacketConn) deliver(b []byte, addr net.Addr) {
	f.in <- fakeDatagram{b: append([]byte(nil), b...), addr: addr}
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-f.in:
		n := copy(p, d.b)
		return n, d.addr, nil
	case <-f.donec:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	cp := append([]byte(nil), p...)
	select {
	case f.sent <- fakeDatagram{b: cp, addr: addr}:
	default:
	}
	return len(p), nil
}

func (f *fakePacketConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.donec)
	}
	return nil
}

func (f *fakePacketConn) LocalAddr() net.Addr                { return f.local }
func (f *fakePacketConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

func TestEndpointSendsVersionNegotiationOnUnknownVersion(t *testing.T) {
	pc := newFakePacketConn()
	config := &Config{
		TLSEngineFactory: func(connSide) TLSEngine { return nil },
	}
	ep, err := NewEndpoint(pc, config)
	require.NoError(t, err)
	defer ep.Close()

	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	b := []byte{headerFormLong | fixedBit}
	b = appendUint32(b, 0xabcdabcd) // a version this endpoint never speaks
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, make([]byte, minimumClientInitialDatagramSize)...)

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5555}
	pc.deliver(b, peer)

	select {
	case out := <-pc.sent:
		versions, ok := parseVersionNegotiation(out.b)
		require.True(t, ok)
		assert.Contains(t, versions, uint32(quicVersion1))
		assert.Equal(t, peer.String(), out.addr.String())
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint never replied with Version Negotiation")
	}
}

func TestEndpointIgnoresShortUnroutableDatagram(t *testing.T) {
	pc := newFakePacketConn()
	config := &Config{
		TLSEngineFactory: func(connSide) TLSEngine { return nil },
	}
	ep, err := NewEndpoint(pc, config)
	require.NoError(t, err)
	defer ep.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5555}
	pc.deliver([]byte{0x01, 0x02}, peer)

	select {
	case out := <-pc.sent:
		t.Fatalf("endpoint should not reply to a too-short datagram, sent %d bytes", len(out.b))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	pc := newFakePacketConn()
	config := &Config{
		TLSEngineFactory: func(connSide) TLSEngine { return nil },
	}
	ep, err := NewEndpoint(pc, config)
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())
}
