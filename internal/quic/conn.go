// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultMaxIdleTimeout is the idle timeout a Conn applies until its
// transport parameters negotiate a different value.
const defaultMaxIdleTimeout = 30 * time.Second

// minimumClientInitialDatagramSize is the minimum size of a UDP datagram
// carrying a client Initial packet (RFC 9000 Section 14.1).
const minimumClientInitialDatagramSize = 1200

// ackDelayExponent is the value this endpoint uses to encode ACK Delay
// fields, absent a negotiated transport parameter (RFC 9000 Section 18.2).
const ackDelayExponent = 3

func unscaledAckDelayFromDuration(d time.Duration, exponent int) uint64 {
	return uint64(d.Microseconds()) >> exponent
}

func scaledAckDelay(raw uint64, exponent int) time.Duration {
	return time.Duration(raw<<exponent) * time.Microsecond
}

// A connListener is the demux-level collaborator a Conn uses to put
// datagrams on the wire, decoupling Conn from the endpoint's socket.
type connListener interface {
	sendDatagram(p []byte, addr netip.AddrPort) error
}

// A connRegistry is a connListener that additionally owns a demux table
// keyed by connection ID and stateless reset token. A Conn notifies it
// as its own identifiers change and when it finishes, so the table
// tracks exactly the identifiers currently routable to a live Conn. An
// Endpoint implements this; the test harness does not, so Conn must
// reach it through a type assertion rather than requiring it of every
// connListener.
type connRegistry interface {
	addConnID(c *Conn, cid []byte)
	removeConnID(c *Conn, cid []byte)
	addResetToken(c *Conn, token statelessResetToken)
	connDrained(c *Conn)
}

func (c *Conn) registry() (connRegistry, bool) {
	r, ok := c.listener.(connRegistry)
	return r, ok
}

// connTestHooks lets tests take over a Conn's notion of time and its
// event-loop scheduling, without the Conn itself being aware it is
// under test.
type connTestHooks interface {
	nextMessage(msgc chan any, timer time.Time) (now time.Time, m any)
}

// A timerEvent is sent on a Conn's message channel when its next
// scheduled deadline (loss detection, idle timeout, ...) is reached.
type timerEvent struct{}

// An idleTimeoutEvent marks that the connection's idle timer fired.
type idleTimeoutEvent struct{}

// A datagram is a single received UDP payload, queued for processing on
// the connection's event loop.
type datagram struct {
	b        []byte
	peerAddr netip.AddrPort
}

// Conn is a single QUIC connection, run by a dedicated event-loop
// goroutine. All mutable state below is confined to that goroutine;
// outside callers interact with it only by posting onto msgc (sendMsg)
// or reading from exported, loop-synchronized accessors.
type Conn struct {
	side     connSide
	peerAddr netip.AddrPort
	listener connListener
	testHooks connTestHooks
	config   *Config
	log      logrus.FieldLogger
	metrics  *Metrics

	msgc  chan any
	donec chan struct{}
	exited bool
	handshakeDonec chan struct{}

	w    packetWriter
	loss *loss
	acks [numberSpaceCount]*ackState

	tlsState    connTLSState
	connIDState connIDState
	streams     streamsState
	cryptoStream [numberSpaceCount]cryptoStreamState
	path        pathState

	peerTransportParams transportParameters
	localTransportParams transportParameters

	idleTimeout    time.Time
	handshakeConfirmedTime time.Time

	closeState connCloseState

	pendingPathResponse    *[8]byte
	pendingNewConnectionID bool
	resetTokenGen          statelessResetTokenGenerator

	// tokens mints and validates address-validation tokens (Retry and
	// NEW_TOKEN), keyed by config.AddressValidationKey so a multi-node
	// deployment can validate a token minted by a different node.
	tokens       *tokenIssuer
	newTokenSent bool // server only: a NEW_TOKEN frame has been placed on the wire

	// retryToken, once set by a client that received a Retry, is
	// attached to every subsequent Initial packet until the handshake
	// completes (RFC 9000 Section 8.1.2). retryDone gates against
	// acting on more than one Retry (RFC 9000 Section 17.2.5.2).
	retryToken []byte
	retryDone  bool

	// receivedTokens collects NEW_TOKEN tokens the peer has sent,
	// client-side only. It is written solely on the event-loop
	// goroutine and is safe to read after donec closes, for an endpoint
	// to cache against a future Dial to the same peer.
	receivedTokens [][]byte

	// Test-only instrumentation, unused in production but always
	// present so conn_send.go doesn't need a build-tagged variant.
	testSendPingSpace numberSpace
	testSendPing      testPTOState
}

// testPTOState is a minimal hook point conn_send.go uses to inject a
// PING frame at a precise point in a PTO probe, exercised by tests that
// need a deterministic ack-eliciting frame to watch for.
type testPTOState struct {
	pnum   packetNumber
	armed  bool
}

func (s *testPTOState) shouldSendPTO(pto bool) bool {
	return s.armed && pto
}

func (s *testPTOState) setSent(pnum packetNumber) {
	s.pnum = pnum
	s.armed = false
}

// newConn creates a connection. initialConnID is the destination
// connection ID the client used on the wire for a server-side Conn
// (nil for a client, which chooses its own). retryOrigDstConnID, server
// side only, overrides the original_destination_connection_id transport
// parameter with the connection ID from the client's pre-Retry Initial,
// when this connection is being created after a Retry round trip (RFC
// 9000 Section 7.3); it is nil for a connection established without a
// Retry. A nil config uses defaultConfig.
func newConn(now time.Time, side connSide, initialConnID, retryOrigDstConnID []byte, peerAddr netip.AddrPort, config *Config, listener connListener, testHooks connTestHooks) (*Conn, error) {
	if config == nil {
		config = defaultConfig()
	}
	c := &Conn{
		side:      side,
		peerAddr:  peerAddr,
		listener:  listener,
		testHooks: testHooks,
		config:    config,
		log:       newConnLogger(config.Logger, side),
		metrics:   config.Metrics,
		msgc:      make(chan any, 16),
		donec:     make(chan struct{}),
		handshakeDonec: make(chan struct{}),
		loss:      newLoss(),
		idleTimeout: now.Add(defaultMaxIdleTimeout),
	}
	for i := range c.acks {
		c.acks[i] = newAckState()
	}
	if err := c.connIDState.init(side, initialConnID); err != nil {
		return nil, err
	}
	if retryOrigDstConnID != nil {
		c.connIDState.origDstConnID = retryOrigDstConnID
	}
	if err := c.tlsState.init(side, c.connIDState.originalDstConnID()); err != nil {
		return nil, err
	}
	c.localTransportParams = defaultTransportParameters()
	c.path = newPathState(peerAddr)
	c.streams.init(side, &c.localTransportParams)
	if side == serverSide {
		c.loss.antiAmplificationLimit = 3 * minimumClientInitialDatagramSize
	}

	c.resetTokenGen.init(c.config.StatelessResetKey)
	c.tokens = newTokenIssuer(c.config.AddressValidationKey)

	if c.config.TLSEngineFactory != nil {
		c.tlsState.engine = c.config.TLSEngineFactory(side)
		c.localTransportParams.initialSrcConnID = c.connIDState.srcConnID()
		if side == serverSide {
			c.localTransportParams.originalDstConnID = c.connIDState.originalDstConnID()
			if retryOrigDstConnID != nil {
				// After a Retry, the client's Initial is addressed to the
				// Retry packet's source connection ID.
				c.localTransportParams.retrySrcConnID = initialConnID
			}
		}
		c.tlsState.engine.SetTransportParameters(appendTransportParameters(nil, &c.localTransportParams))
		if side == clientSide {
			// Prime the handshake: the client has nothing to feed the TLS
			// engine yet, but it must still produce the first flight
			// (ClientHello) unprompted.
			if events, err := c.tlsState.engine.Advance(initialSpace, nil); err == nil {
				c.applyTLSEvents(now, events)
			}
		}
	}

	// The last entry in local is always this Conn's own (non-transient)
	// first connection ID: the only one for a client, the second for a
	// server (whose first entry is the client-chosen transient CID).
	firstLocal := &c.connIDState.local[len(c.connIDState.local)-1]
	firstLocal.resetToken = c.resetTokenGen.tokenForConnID(firstLocal.cid)
	c.localTransportParams.statelessResetToken = &firstLocal.resetToken

	if reg, ok := c.registry(); ok {
		for i := range c.connIDState.local {
			reg.addConnID(c, c.connIDState.local[i].cid)
		}
	}

	go c.loop(now)
	return c, nil
}

// sendMsg enqueues a message for the connection's event loop.
func (c *Conn) sendMsg(m any) {
	select {
	case c.msgc <- m:
	case <-c.donec:
	}
}

// runOnLoop runs f on the connection's event loop and waits for it to finish.
func (c *Conn) runOnLoop(f func(now time.Time, c *Conn)) {
	done := make(chan struct{})
	c.sendMsg(func(now time.Time, c *Conn) {
		f(now, c)
		close(done)
	})
	select {
	case <-done:
	case <-c.donec:
	}
}

// exit tears down the connection's event loop, for use by callers
// (tests, the endpoint on shutdown) that no longer need the Conn.
func (c *Conn) exit() {
	select {
	case c.msgc <- connExitMsg{}:
	case <-c.donec:
	}
	<-c.donec
}

type connExitMsg struct{}

// loop is the connection's single event-loop goroutine: every read of
// and mutation to connection state happens here.
func (c *Conn) loop(start time.Time) {
	defer close(c.donec)
	defer func() {
		if reg, ok := c.registry(); ok {
			reg.connDrained(c)
		}
	}()
	now := start
	var timer time.Time
	for {
		var m any
		if c.testHooks != nil {
			now, m = c.testHooks.nextMessage(c.msgc, timer)
		} else {
			now, m = c.waitForEvent(timer)
		}
		switch v := m.(type) {
		case connExitMsg:
			c.enterDraining(now)
			return
		case timerEvent:
			c.handleTimer(now)
		case func(time.Time, *Conn):
			v(now, c)
		case *datagram:
			c.handleDatagram(now, v)
		}
		if c.closeState.drained {
			return
		}
		timer = c.maybeSend(now)
		if idle := c.nextIdleDeadline(); timer.IsZero() || idle.Before(timer) {
			timer = idle
		}
		if pto := c.loss.pto; !pto.IsZero() && (timer.IsZero() || pto.Before(timer)) {
			timer = pto
		}
		if d := c.closeState.drainEnd; (c.closeState.closing || c.closeState.draining) && !d.IsZero() && (timer.IsZero() || d.Before(timer)) {
			timer = d
		}
		if d := c.tlsState.oneRTT.prevDiscardTime; !d.IsZero() && (timer.IsZero() || d.Before(timer)) {
			timer = d
		}
		if !now.Before(c.idleTimeout) {
			c.exited = true
			return
		}
	}
}

func (c *Conn) nextIdleDeadline() time.Time {
	return c.idleTimeout
}

// waitForEvent is the production (non-test) implementation of event
// scheduling: block on the message channel or a real wall-clock timer,
// whichever comes first.
func (c *Conn) waitForEvent(deadline time.Time) (time.Time, any) {
	if deadline.IsZero() {
		m := <-c.msgc
		return time.Now(), m
	}
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case m := <-c.msgc:
			return time.Now(), m
		default:
			return time.Now(), timerEvent{}
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case m := <-c.msgc:
		return time.Now(), m
	case <-t.C:
		return time.Now(), timerEvent{}
	}
}

func (c *Conn) handleTimer(now time.Time) {
	if !now.Before(c.idleTimeout) {
		return // loop() notices idleTimeout has passed and exits
	}
	c.onLossTimeout(now)
	c.checkDrainTimer(now)
	c.tlsState.discardPrevReadPhaseIfExpired(now)
}

// Context returns a context bound to the connection's lifetime, for use
// by callers of exported blocking operations.
func (c *Conn) Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.donec
		cancel()
	}()
	return ctx
}

// Done returns a channel closed once the connection's event loop has
// exited and every field reachable through the Conn is safe to read
// without further synchronization.
func (c *Conn) Done() <-chan struct{} { return c.donec }

// HandshakeDone returns a channel closed the instant this side
// completes the TLS handshake: for a client, once it has installed
// 1-RTT keys; for a server, at the same point it also considers the
// handshake confirmed (RFC 9000 Section 4.1.1).
func (c *Conn) HandshakeDone() <-chan struct{} { return c.handshakeDonec }

// CloseError returns the error that ended the connection, or nil if it
// is still open. It is meaningful only after Done's channel is closed.
func (c *Conn) CloseError() error {
	select {
	case <-c.donec:
	default:
		return nil
	}
	if c.closeState.localErr != nil {
		return c.closeState.localErr
	}
	return c.closeState.peerErr
}

// Close closes the connection, signalling the given application error
// code and reason to the peer (RFC 9000 Section 10.2).
func (c *Conn) Close(code uint64, reason string) {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.enterClosing(now, &ApplicationError{Code: code, Reason: reason})
	})
}

// OpenStream opens a new bidirectional stream, failing immediately if
// the peer's advertised stream-count limit is already reached.
func (c *Conn) OpenStream() (*Stream, error) {
	return c.streams.newLocalStream(c, false)
}

// OpenStreamSync is OpenStream, but waits for the peer to raise its
// stream limit rather than failing, until ctx is done.
func (c *Conn) OpenStreamSync(ctx context.Context) (*Stream, error) {
	return c.streams.newLocalStreamBlocking(ctx, c, false)
}

// OpenUniStream and OpenUniStreamSync are OpenStream and OpenStreamSync
// for a unidirectional, send-only stream.
func (c *Conn) OpenUniStream() (*Stream, error) {
	return c.streams.newLocalStream(c, true)
}

func (c *Conn) OpenUniStreamSync(ctx context.Context) (*Stream, error) {
	return c.streams.newLocalStreamBlocking(ctx, c, true)
}

// AcceptStream waits for and returns the next stream opened by the peer.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-c.streams.newStreamc:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.donec:
		if err := c.CloseError(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("quic: connection closed")
	}
}
