// Package asynctcp is a non-blocking TCP client and server layer on top of a
// raw callback stack (see pkg/stack). Every method must be called from the
// goroutine that delivers the stack's upcalls; nothing here blocks or locks.
package asynctcp

import (
	"net/netip"
	"time"

	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/secure"
	"dominicbreuker/asynctcp/pkg/stack"

	"github.com/flynn/noise"
)

const (
	// DefaultAckTimeout is how long a write may stay unacknowledged before
	// the timeout callback fires.
	DefaultAckTimeout = 5 * time.Second
	// HandshakeTimeout bounds a secure handshake without incoming traffic.
	HandshakeTimeout = 2 * time.Second

	prioNormal = 64
)

// Callback signatures.
type (
	ConnectHandler func(c *Client)
	DataHandler    func(c *Client, data []byte)
	PacketHandler  func(c *Client, pb *stack.Pbuf)
	AckHandler     func(c *Client, n int, elapsed time.Duration)
	ErrorHandler   func(c *Client, err stack.Err)
	TimeoutHandler func(c *Client, elapsed time.Duration)
)

// Client is one TCP connection. It owns at most one native handle and is
// either created for an outbound Connect or handed out by a Server.
type Client struct {
	st      stack.Stack
	pcb     stack.PCB
	tracker *ErrorTracker
	id      uint64
	logger  *log.Logger

	connectCb    ConnectHandler
	disconnectCb ConnectHandler
	dataCb       DataHandler
	packetCb     PacketHandler
	ackCb        AckHandler
	errorCb      ErrorHandler
	timeoutCb    TimeoutHandler
	pollCb       ConnectHandler

	busy     bool
	sentAt   time.Time
	closePCB bool
	ackPCB   bool
	rxFlags  uint8

	txUnsent    int
	txUnacked   int
	txAcked     int
	txHandshake int

	rxAckLen     int
	rxLastPacket time.Time

	ackTimeout    time.Duration
	rxTimeout     time.Duration
	connectPort   uint16
	connectSecure bool

	secure        bool
	handshakeDone bool
	session       *secure.Session
	staticKey     noise.DHKey
	peerPin       []byte
}

// Option configures a Client.
type Option func(c *Client)

// WithLogger sets the logger used for debug traces.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStaticKey sets the identity used for secure connects. Without it a
// throwaway key is generated per connection.
func WithStaticKey(k noise.DHKey) Option {
	return func(c *Client) { c.staticKey = k }
}

// WithPeerKey pins the static public key secure connects must see.
func WithPeerKey(pub []byte) Option {
	return func(c *Client) { c.peerPin = pub }
}

// NewClient returns an unconnected client on st.
func NewClient(st stack.Stack, opts ...Option) *Client {
	c := &Client{
		st:            st,
		id:            nextConnectionID(),
		ackTimeout:    DefaultAckTimeout,
		handshakeDone: true,
	}
	c.tracker = newErrorTracker(c, c.id)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newAcceptedClient adopts an inbound handle. With a session the client
// starts as the responder of a secure handshake.
func newAcceptedClient(st stack.Stack, pcb stack.PCB, session *secure.Session, logger *log.Logger) *Client {
	c := NewClient(st, WithLogger(logger))
	c.secure = session != nil
	c.handshakeDone = session == nil
	c.session = session
	c.attach(pcb)
	c.rxLastPacket = st.Now()

	pcb.SetPrio(prioNormal)
	c.installHandlers(pcb)
	pcb.OnErr(c.trampolineErr())
	return c
}

// attach makes pcb the client's handle.
func (c *Client) attach(pcb stack.PCB) {
	c.pcb = pcb
	connectionsTotal.Inc()
	activeConnections.Inc()
}

// takePCB detaches and returns the handle. It is the first step of every
// teardown, so application code called afterwards sees no handle.
func (c *Client) takePCB() stack.PCB {
	pcb := c.pcb
	if pcb == nil {
		return nil
	}
	c.pcb = nil
	activeConnections.Dec()
	if c.session != nil {
		c.session.Close()
	}
	return pcb
}

// ConnectionID returns the process wide id of this client.
func (c *Client) ConnectionID() uint64 { return c.id }

// Tracker returns the current error tracker.
func (c *Client) Tracker() *ErrorTracker { return c.tracker }

// Connect opens a connection to ip:port. It returns false if the client
// already has a handle or the stack refuses; the outcome of a started
// connect is reported through the connect or error callbacks.
func (c *Client) Connect(ip netip.Addr, port uint16, secureMode bool) bool {
	if c.pcb != nil {
		c.logger.DebugMsg("connect id=%d: already connected", c.id)
		return false
	}

	pcb := c.st.NewPCB()
	if pcb == nil {
		c.logger.DebugMsg("connect id=%d: could not allocate pcb", c.id)
		return false
	}

	if !c.tracker.fresh() {
		c.tracker.Detach()
		c.tracker = newErrorTracker(c, c.id)
	}
	c.resetCounters()
	c.secure = secureMode
	c.handshakeDone = !secureMode
	c.session = nil

	pcb.SetPrio(prioNormal)
	pcb.OnErr(c.trampolineErr())
	c.attach(pcb)

	if err := pcb.Connect(ip, port, c.trampolineConnected()); err != stack.ErrOK {
		c.logger.DebugMsg("connect id=%d: %s", c.id, err)
		c.takePCB()
		stack.ClearCallbacks(pcb)
		if pcb.Close() != stack.ErrOK {
			pcb.Abort()
		}
		return false
	}
	return true
}

// ConnectHost resolves host and connects to it. When the lookup is still
// running it records the port and returns true; failure is then reported as
// an ErrDNSFailed error followed by a disconnect.
func (c *Client) ConnectHost(host string, port uint16, secureMode bool) bool {
	if c.pcb != nil {
		c.logger.DebugMsg("connect id=%d: already connected", c.id)
		return false
	}

	tracker := c.tracker
	ip, err := c.st.Resolve(host, func(ip netip.Addr, ok bool) {
		if !tracker.HasClient() {
			return
		}
		c.dnsFound(ip, ok)
	})

	switch err {
	case stack.ErrOK:
		return c.Connect(ip, port, secureMode)
	case stack.ErrInProgress:
		c.connectPort = port
		c.connectSecure = secureMode
		return true
	}
	c.logger.DebugMsg("connect id=%d: resolve %s: %s", c.id, host, err)
	return false
}

func (c *Client) dnsFound(ip netip.Addr, ok bool) {
	if ok {
		c.Connect(ip, c.connectPort, c.connectSecure)
		return
	}
	if c.errorCb != nil {
		c.errorCb(c, stack.ErrDNSFailed)
	}
	if c.disconnectCb != nil {
		c.disconnectCb(c)
	}
}

func (c *Client) resetCounters() {
	c.busy = false
	c.closePCB = false
	c.txUnsent = 0
	c.txUnacked = 0
	c.txAcked = 0
	c.txHandshake = 0
	c.rxAckLen = 0
}

// Close acknowledges any receive debt and closes the connection, now or on
// the next poll tick.
func (c *Client) Close(now bool) {
	if c.pcb != nil && c.rxAckLen > 0 {
		c.pcb.Recved(c.rxAckLen)
		c.rxAckLen = 0
	}
	if now {
		c.close()
	} else {
		c.closePCB = true
	}
}

// Stop closes the connection on the next poll tick.
func (c *Client) Stop() {
	c.Close(false)
}

// Abort resets the connection immediately. No error callback fires for this
// connection afterwards; the disconnect callback fires once.
func (c *Client) Abort() {
	pcb := c.takePCB()
	if pcb == nil {
		return
	}
	c.abortPCB(pcb)
	if c.disconnectCb != nil {
		c.disconnectCb(c)
	}
}

// abortPCB is the only place that records ErrAbrt.
func (c *Client) abortPCB(pcb stack.PCB) {
	stack.ClearCallbacks(pcb)
	pcb.Abort()
	c.tracker.SetCloseError(stack.ErrAbrt)
}

// close tears the connection down gracefully, falling back to abort.
func (c *Client) close() {
	pcb := c.takePCB()
	if pcb == nil {
		return
	}
	stack.ClearCallbacks(pcb)
	if err := pcb.Close(); err == stack.ErrOK {
		c.tracker.SetCloseError(stack.ErrOK)
	} else {
		c.logger.DebugMsg("close id=%d: %s, aborting", c.id, err)
		c.abortPCB(pcb)
	}
	if c.disconnectCb != nil {
		c.disconnectCb(c)
	}
}

// Release closes the connection and detaches the tracker, so in-flight
// upcalls stop delivering to this client.
func (c *Client) Release() {
	if c.pcb != nil {
		c.close()
	}
	c.tracker.Detach()
}

// Free reports whether the client can be dropped without cutting a live
// connection.
func (c *Client) Free() bool {
	if c.pcb == nil {
		return true
	}
	s := c.pcb.State()
	return s == stack.Closed || s > stack.Established
}

// Write queues data and flushes it. It returns the number of bytes
// accepted, which may be less than len(data).
func (c *Client) Write(data []byte) int {
	return c.WriteFlags(data, stack.WriteFlagCopy)
}

// WriteString is Write for strings.
func (c *Client) WriteString(s string) int {
	return c.Write([]byte(s))
}

// WriteFlags is Write with explicit stack write flags.
func (c *Client) WriteFlags(data []byte, flags uint8) int {
	n := c.Add(data, flags)
	if n == 0 || !c.Send() {
		return 0
	}
	return n
}

// Add queues up to Space() bytes of data without flushing.
func (c *Client) Add(data []byte, flags uint8) int {
	if c.pcb == nil || len(data) == 0 {
		return 0
	}
	room := c.Space()
	if room == 0 {
		return 0
	}
	n := min(room, len(data))

	if c.secure {
		return c.addSecure(data[:n])
	}

	if err := c.pcb.Write(data[:n], flags); err != stack.ErrOK {
		return 0
	}
	c.txUnsent += n
	return n
}

// addSecure seals one record and puts it on the wire right away. Counters
// track wire bytes, since those are what the stack acknowledges.
func (c *Client) addSecure(pt []byte) int {
	rec, err := c.session.Seal(pt)
	if err != nil {
		c.close()
		return 0
	}
	pcb := c.pcb
	if pcb.Write(rec, stack.WriteFlagCopy) != stack.ErrOK || pcb.Output() != stack.ErrOK {
		c.close()
		return 0
	}
	c.busy = true
	c.sentAt = c.st.Now()
	c.txUnacked += len(rec)
	return len(pt)
}

// Send flushes queued data.
func (c *Client) Send() bool {
	if c.secure {
		return true
	}
	if c.pcb == nil {
		c.txUnsent = 0
		return false
	}
	if c.pcb.Output() == stack.ErrOK {
		c.busy = true
		c.sentAt = c.st.Now()
		c.txUnacked += c.txUnsent
		c.txUnsent = 0
		return true
	}
	c.txUnsent = 0
	return false
}

// Ack acknowledges up to n bytes of receive debt and returns how many were
// acknowledged.
func (c *Client) Ack(n int) int {
	n = min(n, c.rxAckLen)
	if n > 0 && c.pcb != nil {
		c.pcb.Recved(n)
	}
	c.rxAckLen -= n
	return n
}

// AckLater, called from a data callback, keeps the delivered bytes as
// receive debt instead of acknowledging them.
func (c *Client) AckLater() {
	c.ackPCB = false
}

// AckPacket acknowledges and frees a buffer handed to a packet callback.
func (c *Client) AckPacket(pb *stack.Pbuf) {
	if pb == nil {
		return
	}
	if c.pcb != nil {
		c.pcb.Recved(pb.TotLen())
	}
	c.st.FreeBuf(pb)
}

// RecvFlags returns the buffer flags of the segment being delivered.
func (c *Client) RecvFlags() uint8 { return c.rxFlags }

// RxDebt returns the bytes delivered but not yet acknowledged.
func (c *Client) RxDebt() int { return c.rxAckLen }

// Unacked returns the bytes sent but not yet acknowledged.
func (c *Client) Unacked() int { return c.txUnacked }

// Busy reports whether a write is waiting for acknowledgment.
func (c *Client) Busy() bool { return c.busy }

// Space returns how many bytes Add would accept right now.
func (c *Client) Space() int {
	if c.pcb == nil || c.pcb.State() != stack.Established || !c.handshakeDone {
		return 0
	}
	s := c.pcb.SndBuf()
	if !c.secure {
		return s
	}
	if s <= secure.Overhead {
		return 0
	}
	return min(s-secure.Overhead, secure.MaxPlaintext)
}

// CanSend reports whether nothing is in flight and there is room to write.
func (c *Client) CanSend() bool {
	return !c.busy && c.Space() > 0
}

// State returns the handle's phase, or Closed without a handle.
func (c *Client) State() stack.State {
	if c.pcb == nil {
		return stack.Closed
	}
	return c.pcb.State()
}

// StateString returns the readable phase name.
func (c *Client) StateString() string {
	return c.State().String()
}

func (c *Client) Connected() bool {
	return c.pcb != nil && c.pcb.State() == stack.Established && c.handshakeDone
}

func (c *Client) Connecting() bool {
	if c.pcb == nil {
		return false
	}
	s := c.pcb.State()
	return s > stack.Closed && s < stack.Established
}

func (c *Client) Disconnecting() bool {
	return c.pcb != nil && c.pcb.State().Closing()
}

// Disconnected is true without a handle or when the handle is closed or in
// time wait.
func (c *Client) Disconnected() bool {
	if c.pcb == nil {
		return true
	}
	s := c.pcb.State()
	return s == stack.Closed || s == stack.TimeWait
}

func (c *Client) Freeable() bool {
	if c.pcb == nil {
		return false
	}
	s := c.pcb.State()
	return s == stack.Closed || s > stack.Established
}

// Secure reports whether the connection runs the secure channel.
func (c *Client) Secure() bool { return c.secure }

// HandshakeDone reports whether application data can flow.
func (c *Client) HandshakeDone() bool { return c.handshakeDone }

// PeerKey returns the authenticated static key of a secure peer.
func (c *Client) PeerKey() []byte {
	if c.session == nil {
		return nil
	}
	return c.session.PeerKey()
}

func (c *Client) SetAckTimeout(d time.Duration) { c.ackTimeout = d }
func (c *Client) AckTimeout() time.Duration     { return c.ackTimeout }

// SetRxTimeout closes the connection after d without received data. Zero
// disables the check.
func (c *Client) SetRxTimeout(d time.Duration) { c.rxTimeout = d }
func (c *Client) RxTimeout() time.Duration     { return c.rxTimeout }

func (c *Client) SetNoDelay(on bool) {
	if c.pcb != nil {
		c.pcb.SetNoDelay(on)
	}
}

func (c *Client) NoDelay() bool {
	return c.pcb != nil && c.pcb.NoDelay()
}

// MSS returns the maximum segment size, or 0 without a handle.
func (c *Client) MSS() int {
	if c.pcb == nil {
		return 0
	}
	return c.pcb.MSS()
}

func (c *Client) RemoteAddr() netip.AddrPort {
	if c.pcb == nil {
		return netip.AddrPort{}
	}
	return c.pcb.RemoteAddr()
}

func (c *Client) LocalAddr() netip.AddrPort {
	if c.pcb == nil {
		return netip.AddrPort{}
	}
	return c.pcb.LocalAddr()
}

// Callback registration. Each event has one slot; the last registration
// wins. A packet handler takes precedence over a data handler.

func (c *Client) OnConnect(cb ConnectHandler)    { c.connectCb = cb }
func (c *Client) OnDisconnect(cb ConnectHandler) { c.disconnectCb = cb }
func (c *Client) OnData(cb DataHandler)          { c.dataCb = cb }
func (c *Client) OnPacket(cb PacketHandler)      { c.packetCb = cb }
func (c *Client) OnAck(cb AckHandler)            { c.ackCb = cb }
func (c *Client) OnError(cb ErrorHandler)        { c.errorCb = cb }
func (c *Client) OnTimeout(cb TimeoutHandler)    { c.timeoutCb = cb }
func (c *Client) OnPoll(cb ConnectHandler)       { c.pollCb = cb }

// ErrorToString returns the readable name of a stack error code.
func ErrorToString(err stack.Err) string {
	return err.String()
}
