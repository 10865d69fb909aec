// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// readBufferSize bounds a single UDP read. It comfortably holds the
// largest datagram this core ever sends or expects to receive; QUIC
// datagrams are never fragmented by the protocol itself.
const readBufferSize = 2048

// An Endpoint multiplexes one UDP socket across many QUIC connections,
// dispatching inbound datagrams by destination connection ID and
// fielding new-client Initial packets into fresh server-side Conns. It
// implements connRegistry so each Conn it creates can register and
// retire the identifiers that route to it.
type Endpoint struct {
	pc      net.PacketConn
	config  *Config
	log     logrus.FieldLogger
	metrics *Metrics

	resetGen     statelessResetTokenGenerator
	resetLimiter *statelessResetLimiter
	tokens       *tokenIssuer

	mu           sync.Mutex
	byConnID     map[string]*Conn
	byResetToken map[statelessResetToken]*Conn
	conns        map[*Conn]struct{}
	closing      bool

	acceptc chan *Conn
	closec  chan struct{}
}

// Listen creates an Endpoint bound to the given UDP address, in the
// manner of net.ListenPacket. A nil config uses defaultConfig.
func Listen(network, address string, config *Config) (*Endpoint, error) {
	pc, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(pc, config)
}

// NewEndpoint wraps an already-bound PacketConn. Most callers want
// Listen; this entry point exists for callers supplying their own
// socket (a pre-configured net.UDPConn, or a test fake).
func NewEndpoint(pc net.PacketConn, config *Config) (*Endpoint, error) {
	if config == nil {
		config = defaultConfig()
	}
	if config.TLSEngineFactory == nil {
		if config.TLSConfig == nil {
			return nil, errors.New("quic: Config.TLSConfig or Config.TLSEngineFactory must be set")
		}
		tlsConfig := config.TLSConfig
		config.TLSEngineFactory = func(side connSide) TLSEngine {
			return newStdlibTLSEngine(side, tlsConfig)
		}
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(config.MetricsRegisterer)
	}
	if config.AddressValidationKey == ([32]byte{}) {
		rand.Read(config.AddressValidationKey[:])
	}
	e := &Endpoint{
		pc:           pc,
		config:       config,
		log:          newConnLogger(config.Logger, clientSide).WithField("component", "endpoint"),
		metrics:      config.Metrics,
		resetLimiter: newStatelessResetLimiter(),
		tokens:       newTokenIssuer(config.AddressValidationKey),
		byConnID:     make(map[string]*Conn),
		byResetToken: make(map[statelessResetToken]*Conn),
		conns:        make(map[*Conn]struct{}),
		acceptc:      make(chan *Conn, 16),
		closec:       make(chan struct{}),
	}
	e.resetGen.init(config.StatelessResetKey)
	go e.readLoop()
	return e, nil
}

// LocalAddr returns the endpoint's local network address.
func (e *Endpoint) LocalAddr() net.Addr { return e.pc.LocalAddr() }

// Dial creates a client connection to addr and waits for its handshake
// to complete, or for ctx to be done.
func (e *Endpoint) Dial(ctx context.Context, addr netip.AddrPort) (*Conn, error) {
	c, err := e.newConn(time.Now(), clientSide, nil, nil, addr)
	if err != nil {
		return nil, err
	}
	select {
	case <-c.HandshakeDone():
		return c, nil
	case <-c.Done():
		if err := c.CloseError(); err != nil {
			return nil, err
		}
		return nil, errors.New("quic: connection closed before handshake completed")
	case <-ctx.Done():
		c.exit()
		return nil, ctx.Err()
	}
}

// Accept waits for and returns the next inbound connection whose
// handshake has completed, or an error if ctx is done or the Endpoint
// is closed first.
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c, ok := <-e.acceptc:
		if !ok {
			return nil, errors.New("quic: endpoint closed")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closec:
		return nil, errors.New("quic: endpoint closed")
	}
}

// Close shuts down every open connection and the underlying socket. It
// does not wait for connections to finish a graceful close handshake;
// callers wanting that should Close their Conns individually first.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	conns := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.exit()
	}
	err := e.pc.Close()
	<-e.closec
	return err
}

func (e *Endpoint) newConn(now time.Time, side connSide, initialConnID, retryOrigDstConnID []byte, peerAddr netip.AddrPort) (*Conn, error) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, errors.New("quic: endpoint closed")
	}
	e.mu.Unlock()

	cfg := *e.config
	c, err := newConn(now, side, initialConnID, retryOrigDstConnID, peerAddr, &cfg, e, nil)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		c.exit()
		return nil, errors.New("quic: endpoint closed")
	}
	e.conns[c] = struct{}{}
	e.mu.Unlock()
	if side == serverSide {
		go e.awaitHandshake(c)
	}
	return c, nil
}

// awaitHandshake waits for a server-side Conn's handshake to finish and
// offers it to a waiting Accept. A connection that never completes its
// handshake (idle timeout, reset, malformed client) is simply dropped
// once it exits; Accept never sees it.
func (e *Endpoint) awaitHandshake(c *Conn) {
	select {
	case <-c.HandshakeDone():
	case <-c.Done():
		return
	}
	select {
	case e.acceptc <- c:
	case <-c.Done():
	case <-e.closec:
	}
}

// readLoop is the Endpoint's single reader goroutine: every inbound
// datagram is demultiplexed here before handing off to a Conn's own
// event loop.
func (e *Endpoint) readLoop() {
	defer close(e.closec)
	defer close(e.acceptc)
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := e.pc.ReadFrom(buf)
		if err != nil {
			e.log.WithError(err).Debug("read loop exiting")
			return
		}
		if n == 0 {
			continue
		}
		peerAddr, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		b := append([]byte(nil), buf[:n]...)
		e.metrics.receivedPacket()
		e.handleDatagram(b, peerAddr)
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		return ap, err == nil
	}
}

func (e *Endpoint) handleDatagram(b []byte, peerAddr netip.AddrPort) {
	dstConnID, ok := dstConnIDForDatagram(b, connIDLen)
	if !ok {
		e.metrics.droppedPacket("unparseable")
		return
	}
	e.mu.Lock()
	c := e.byConnID[string(dstConnID)]
	e.mu.Unlock()
	if c != nil {
		c.sendMsg(&datagram{b: b, peerAddr: peerAddr})
		return
	}
	e.handleUnroutableDatagram(b, peerAddr)
}

// handleUnroutableDatagram processes a datagram whose destination
// connection ID names no live Conn: a client's first Initial, a stray
// retransmission after we've lost state, or a stateless reset from our
// peer.
func (e *Endpoint) handleUnroutableDatagram(b []byte, peerAddr netip.AddrPort) {
	const minimumValidPacketSize = 21
	if len(b) < minimumValidPacketSize {
		return
	}

	if len(b) >= statelessResetTokenLen {
		var token statelessResetToken
		copy(token[:], b[len(b)-statelessResetTokenLen:])
		e.mu.Lock()
		c := e.byResetToken[token]
		e.mu.Unlock()
		if c != nil {
			c.sendMsg(func(now time.Time, c *Conn) {
				c.handleStatelessReset(now, token)
			})
			return
		}
	}

	if !isLongHeader(b[0]) {
		e.maybeSendStatelessReset(b, peerAddr)
		return
	}

	p, ok := parseGenericLongHeaderPacket(b)
	if !ok || len(b) < minimumClientInitialDatagramSize {
		return
	}
	switch p.version {
	case quicVersion1:
	case 0:
		return // a Version Negotiation packet sent to us; nothing to reply with
	default:
		e.sendVersionNegotiation(p, peerAddr)
		return
	}
	if getPacketType(b) != packetTypeInitial {
		// RFC 9000 Section 10.3 permits a stateless reset here but it
		// isn't generally useful for anything but a 1-RTT packet.
		return
	}
	e.handleNewClientInitial(p, b, peerAddr)
}

func (e *Endpoint) handleNewClientInitial(p genericLongPacket, b []byte, peerAddr netip.AddrPort) {
	now := time.Now()
	var (
		initialConnID      = p.dstConnID
		retryOrigDstConnID []byte
	)
	if e.config.RequireAddressValidation {
		origDstConnID, isRetry, ok := e.tokens.validate(extractInitialToken(b), peerAddr.String())
		switch {
		case ok && isRetry:
			retryOrigDstConnID = origDstConnID
		case ok && !isRetry:
			// A NEW_TOKEN token proves a prior connection already
			// validated this address; skip Retry.
		default:
			e.sendRetry(p, peerAddr)
			return
		}
	}

	c, err := e.newConn(now, serverSide, initialConnID, retryOrigDstConnID, peerAddr)
	if err != nil {
		e.log.WithError(err).Debug("dropping new client Initial")
		e.metrics.droppedPacket("accept_failed")
		return
	}
	c.sendMsg(&datagram{b: b, peerAddr: peerAddr})
}

// extractInitialToken pulls the Token field out of a client Initial
// packet without the keys needed to remove header protection: the
// Token field lies in the unprotected long-header prefix, between the
// source connection ID and the protected length/payload.
func extractInitialToken(b []byte) []byte {
	if len(b) < 7 {
		return nil
	}
	r := newByteReader(b[1:])
	r.uint32()
	dlen := int(r.uint8())
	r.bytes(dlen)
	slen := int(r.uint8())
	r.bytes(slen)
	tok := r.varintBytes()
	if !r.ok() {
		return nil
	}
	return tok
}

func (e *Endpoint) sendRetry(p genericLongPacket, peerAddr netip.AddrPort) {
	retrySrcConnID, err := newRandomConnID()
	if err != nil {
		return
	}
	token := e.tokens.mintRetryToken(peerAddr.String(), p.dstConnID)
	buf := appendRetryPacket(nil, p.dstConnID, p.srcConnID, retrySrcConnID, token)
	e.sendDatagram(buf, peerAddr)
}

func (e *Endpoint) sendVersionNegotiation(p genericLongPacket, peerAddr netip.AddrPort) {
	buf := appendVersionNegotiation(nil, p.srcConnID, p.dstConnID, quicVersion1)
	e.sendDatagram(buf, peerAddr)
}

// maybeSendStatelessReset replies to an otherwise-unroutable short-header
// packet with a stateless reset, rate-limited so a flood of garbage
// aimed at a stale connection ID cannot be turned into an amplified
// outbound flood (RFC 9000 Section 10.3).
func (e *Endpoint) maybeSendStatelessReset(b []byte, peerAddr netip.AddrPort) {
	if !e.resetGen.canReset {
		return
	}
	if len(b) < 1+connIDLen+1+1+16 {
		return
	}
	if !e.resetLimiter.allow() {
		return
	}
	cid := b[1 : 1+connIDLen]
	token := e.resetGen.tokenForConnID(cid)
	reply := appendStatelessReset(nil, token, len(b))
	e.sendDatagram(reply, peerAddr)
}

// sendDatagram implements connListener.
func (e *Endpoint) sendDatagram(p []byte, addr netip.AddrPort) error {
	e.metrics.sentPacket()
	_, err := e.pc.WriteTo(p, net.UDPAddrFromAddrPort(addr))
	return err
}

// addConnID implements connRegistry.
func (e *Endpoint) addConnID(c *Conn, cid []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byConnID[string(cid)] = c
}

// removeConnID implements connRegistry.
func (e *Endpoint) removeConnID(c *Conn, cid []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byConnID, string(cid))
}

// addResetToken implements connRegistry.
func (e *Endpoint) addResetToken(c *Conn, token statelessResetToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byResetToken[token] = c
}

// connDrained implements connRegistry: it retires every connection ID
// and reset token the Conn ever registered, once the Conn has finished
// for good.
func (e *Endpoint) connDrained(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range c.connIDState.local {
		delete(e.byConnID, string(c.connIDState.local[i].cid))
	}
	for i := range c.connIDState.remote {
		var zero statelessResetToken
		if c.connIDState.remote[i].resetToken != zero {
			delete(e.byResetToken, c.connIDState.remote[i].resetToken)
		}
	}
	delete(e.conns, c)
}
