package netstack

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"syscall"
	"time"

	"dominicbreuker/asynctcp/pkg/format"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/stack"
)

// PCB is a connection handle. A handle is either unused, a bound address
// (Bind), a listener (Listen) or a connection with its own reader and
// writer goroutines.
type PCB struct {
	st    *Stack
	state stack.State
	freed bool

	local, remote netip.AddrPort

	ln   net.Listener
	conn net.Conn
	raw  net.Conn
	in   *window
	out  *pipe
	mss  int

	recvFn       stack.RecvFn
	sentFn       stack.SentFn
	errFn        stack.ErrFn
	pollFn       stack.PollFn
	acceptFn     stack.AcceptFn
	connectedFn  stack.ConnectedFn
	pollInterval uint8
	pollTicks    int

	sndQueue []byte
	inflight int
	nodelay  bool
	prio     uint8

	// refused holds data the receive upcall did not take. It is offered
	// again on every tick.
	refused *stack.Pbuf

	closing  bool
	finSent  bool
	peerFin  bool
	finTimer *time.Timer
}

var _ stack.PCB = (*PCB)(nil)

func (p *PCB) State() stack.State { return p.state }

func (p *PCB) OnRecv(fn stack.RecvFn)     { p.recvFn = fn }
func (p *PCB) OnSent(fn stack.SentFn)     { p.sentFn = fn }
func (p *PCB) OnErr(fn stack.ErrFn)       { p.errFn = fn }
func (p *PCB) OnAccept(fn stack.AcceptFn) { p.acceptFn = fn }

func (p *PCB) OnPoll(fn stack.PollFn, interval uint8) {
	p.pollFn = fn
	p.pollInterval = interval
	p.pollTicks = 0
}

// Bind reserves the address by opening the listener right away, so a busy
// port is reported here as ErrUse.
func (p *PCB) Bind(ip netip.Addr, port uint16) stack.Err {
	if p.freed || p.state != stack.Closed || p.ln != nil {
		return stack.ErrVal
	}

	addr := ":" + strconv.Itoa(int(port))
	if ip.IsValid() && !ip.IsUnspecified() {
		addr = netip.AddrPortFrom(ip, port).String()
	}

	ln, err := p.st.listen(addr)
	if err != nil {
		p.st.logger.DebugMsg("netstack: bind %s: %s", addr, err)
		if errors.Is(err, syscall.EADDRINUSE) {
			return stack.ErrUse
		}
		return stack.ErrVal
	}

	p.ln = ln
	p.local = format.AddrPort(ln.Addr())
	return stack.ErrOK
}

// Listen moves the bound listener to a new handle, which takes over the
// receiver's slot, and starts accepting.
func (p *PCB) Listen() stack.PCB {
	if p.freed || p.ln == nil {
		return nil
	}

	l := &PCB{st: p.st, state: stack.Listen, ln: p.ln, local: p.local, mss: p.mss}
	p.ln = nil
	p.freed = true
	p.state = stack.Closed
	delete(p.st.pcbs, p)
	p.st.pcbs[l] = struct{}{}

	go p.st.acceptLoop(l, l.ln)
	return l
}

func (s *Stack) acceptLoop(l *PCB, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.DebugMsg("netstack: accept on %s: %s", ln.Addr(), err)
			}
			return
		}

		if err := s.slots.Acquire(s.ctx); err != nil {
			s.logger.DebugMsg("netstack: refusing %s: %s", conn.RemoteAddr(), err)
			conn.Close()
			s.post(func() { l.acceptFailed() })
			continue
		}

		if !s.post(func() { l.accept(conn) }) {
			conn.Close()
			return
		}
	}
}

func (l *PCB) accept(conn net.Conn) {
	if l.freed || l.state != stack.Listen {
		conn.Close()
		l.st.slots.Release()
		return
	}

	p := l.st.newPCB()
	p.nodelay = l.nodelay
	p.attach(conn)

	if l.acceptFn == nil {
		p.Abort()
		return
	}
	if err := l.acceptFn(p, stack.ErrOK); err != stack.ErrOK && err != stack.ErrAbrt {
		p.Abort()
	}
}

// acceptFailed reports a connection dropped for lack of handles.
func (l *PCB) acceptFailed() {
	if l.freed || l.acceptFn == nil {
		return
	}
	l.acceptFn(nil, stack.ErrMem)
}

// Connect dials in the background. The connected upcall fires on success;
// failure frees the handle and fires the error upcall.
func (p *PCB) Connect(ip netip.Addr, port uint16, fn stack.ConnectedFn) stack.Err {
	if p.freed {
		return stack.ErrVal
	}
	if p.state != stack.Closed || p.ln != nil {
		return stack.ErrIsConn
	}

	p.connectedFn = fn
	p.state = stack.SynSent
	p.remote = netip.AddrPortFrom(ip, port)

	s := p.st
	addr := p.remote.String()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout)
		defer cancel()

		conn, err := s.dial(ctx, addr)
		if !s.post(func() { p.connected(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
	return stack.ErrOK
}

func (p *PCB) connected(conn net.Conn, err error) {
	if p.freed || p.state != stack.SynSent {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		p.st.logger.DebugMsg("netstack: connect %s: %s", p.remote, err)
		p.fail(dialErr(err))
		return
	}

	p.attach(conn)
	if p.connectedFn != nil {
		p.connectedFn(p, stack.ErrOK)
	}
}

// attach makes p an established connection over conn and starts its
// goroutines.
func (p *PCB) attach(conn net.Conn) {
	p.raw = conn
	if mss, ok := segmentSize(conn); ok {
		p.mss = mss
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(p.nodelay)
	}
	if p.st.capture != "" {
		if c, err := log.NewLoggedConn(conn, p.st.capture); err != nil {
			p.st.logger.ErrorMsg("capture: %s\n", err)
		} else {
			conn = c
		}
	}

	p.conn = conn
	p.state = stack.Established
	p.local = format.AddrPort(conn.LocalAddr())
	p.remote = format.AddrPort(conn.RemoteAddr())
	p.in = newWindow(p.st.rxWnd)
	p.out = newPipe()

	go p.readLoop(conn, p.in, p.mss)
	go p.writeLoop(conn, p.raw, p.out)
}

func (p *PCB) readLoop(conn net.Conn, in *window, mss int) {
	s := p.st
	buf := make([]byte, mss)
	for {
		n, ok := in.wait(len(buf))
		if !ok {
			return
		}

		n, err := conn.Read(buf[:n])
		if n > 0 {
			in.consume(n)
			data := append([]byte(nil), buf[:n]...)
			if !s.post(func() { p.deliver(conn, data) }) {
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.post(func() { p.eof(conn) })
			} else {
				s.post(func() { p.readFailed(conn, err) })
			}
			return
		}
	}
}

// writeLoop writes through conn, which may be a capture wrapper, and half
// closes raw.
func (p *PCB) writeLoop(conn, raw net.Conn, out *pipe) {
	s := p.st
	for {
		data, fin, ok := out.next()
		if !ok {
			return
		}

		if fin {
			closeWrite(raw)
			s.post(func() { p.finWritten(conn) })
			return
		}

		if _, err := conn.Write(data); err != nil {
			s.post(func() { p.readFailed(conn, err) })
			return
		}
		n := len(data)
		if !s.post(func() { p.sent(conn, n) }) {
			return
		}
	}
}

// current reports whether an event from conn's goroutines still applies.
func (p *PCB) current(conn net.Conn) bool {
	return !p.freed && p.conn == conn
}

func (p *PCB) deliver(conn net.Conn, data []byte) {
	if !p.current(conn) {
		return
	}
	if p.closing || p.recvFn == nil {
		p.in.give(len(data))
		return
	}

	pb := &stack.Pbuf{Payload: data, Flags: stack.PbufFlagPush}
	if p.refused != nil {
		p.refused = stack.Chain(p.refused, pb)
		return
	}
	p.offer(pb)
}

// offer hands pb to the receive upcall, keeping it when refused.
func (p *PCB) offer(pb *stack.Pbuf) {
	switch err := p.recvFn(p, pb, stack.ErrOK); err {
	case stack.ErrOK, stack.ErrAbrt:
	default:
		if !p.freed {
			p.refused = pb
		}
	}
}

func (p *PCB) eof(conn net.Conn) {
	if !p.current(conn) {
		return
	}
	p.peerFin = true

	if p.closing {
		if p.finSent {
			p.release(conn)
		} else {
			p.state = stack.Closing
		}
		return
	}

	p.state = stack.CloseWait
	if p.recvFn != nil {
		p.recvFn(p, nil, stack.ErrOK)
	}
}

func (p *PCB) readFailed(conn net.Conn, err error) {
	if !p.current(conn) {
		return
	}
	if p.closing {
		p.release(conn)
		return
	}
	p.st.logger.DebugMsg("netstack: %s: %s", p.remote, err)
	p.fail(connErr(err))
}

func (p *PCB) sent(conn net.Conn, n int) {
	if !p.current(conn) {
		return
	}
	p.inflight = max(p.inflight-n, 0)
	if p.sentFn != nil {
		p.sentFn(p, n)
	}
}

func (p *PCB) finWritten(conn net.Conn) {
	if !p.current(conn) {
		return
	}
	p.finSent = true
	if p.peerFin {
		p.release(conn)
		return
	}
	p.state = stack.FinWait2
}

func (p *PCB) tick() {
	if p.freed {
		return
	}

	if p.refused != nil && p.recvFn != nil && !p.closing {
		pb := p.refused
		p.refused = nil
		p.offer(pb)
		if p.freed {
			return
		}
	}

	if p.pollFn == nil || p.state == stack.Listen {
		return
	}
	p.pollTicks++
	if p.pollTicks < int(p.pollInterval) {
		return
	}
	p.pollTicks = 0
	p.pollFn(p)
}

// Write copies data into the send queue.
func (p *PCB) Write(data []byte, flags uint8) stack.Err {
	if p.freed || p.closing {
		return stack.ErrConn
	}
	if p.state != stack.Established && p.state != stack.CloseWait {
		return stack.ErrConn
	}
	if len(data) > p.SndBuf() {
		return stack.ErrMem
	}
	p.sndQueue = append(p.sndQueue, data...)
	return stack.ErrOK
}

// Output hands the send queue to the writer.
func (p *PCB) Output() stack.Err {
	if p.freed || p.out == nil {
		return stack.ErrConn
	}
	p.flush()
	return stack.ErrOK
}

func (p *PCB) flush() {
	if len(p.sndQueue) == 0 {
		return
	}
	p.inflight += len(p.sndQueue)
	p.out.push(p.sndQueue)
	p.sndQueue = nil
}

func (p *PCB) Recved(n int) {
	if p.freed || p.in == nil {
		return
	}
	p.in.give(n)
}

func (p *PCB) SndBuf() int {
	return max(p.st.sndBuf-len(p.sndQueue)-p.inflight, 0)
}

func (p *PCB) MSS() int { return p.mss }

func (p *PCB) SetNoDelay(on bool) {
	p.nodelay = on
	if tc, ok := p.raw.(*net.TCPConn); ok {
		tc.SetNoDelay(on)
	}
}

func (p *PCB) NoDelay() bool      { return p.nodelay }
func (p *PCB) SetPrio(prio uint8) { p.prio = prio }

func (p *PCB) LocalAddr() netip.AddrPort  { return p.local }
func (p *PCB) RemoteAddr() netip.AddrPort { return p.remote }

// Close shuts a connection down gracefully: queued data is written, then
// the write side is closed and the handle lives on until the peer closes too
// or the FIN timeout expires. Other handles are freed at once.
func (p *PCB) Close() stack.Err {
	if p.freed {
		return stack.ErrConn
	}
	if p.closing {
		return stack.ErrOK
	}

	if p.conn == nil {
		if p.ln != nil {
			p.ln.Close()
		}
		p.freed = true
		p.state = stack.Closed
		p.st.free(p)
		return stack.ErrOK
	}

	p.closing = true
	p.refused = nil
	p.flush()
	p.out.finish()
	if p.peerFin {
		p.state = stack.LastAck
	} else {
		p.state = stack.FinWait1
	}

	conn := p.conn
	p.finTimer = time.AfterFunc(p.st.finTimeout, func() {
		p.st.post(func() { p.release(conn) })
	})
	return stack.ErrOK
}

// Abort resets the connection, frees the handle and fires the error upcall
// with ErrAbrt.
func (p *PCB) Abort() {
	if p.freed {
		return
	}
	if tc, ok := p.raw.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	p.teardown()
	if p.errFn != nil {
		p.errFn(stack.ErrAbrt)
	}
}

// fail frees the handle after a fatal error and reports err.
func (p *PCB) fail(err stack.Err) {
	p.teardown()
	if p.errFn != nil {
		p.errFn(err)
	}
}

func (p *PCB) release(conn net.Conn) {
	if !p.current(conn) {
		return
	}
	p.teardown()
}

// teardown closes everything p holds and frees it without upcalls.
func (p *PCB) teardown() {
	if p.freed {
		return
	}
	p.freed = true
	p.state = stack.Closed
	p.refused = nil

	if p.finTimer != nil {
		p.finTimer.Stop()
	}
	if p.in != nil {
		p.in.close()
	}
	if p.out != nil {
		p.out.close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	if p.ln != nil {
		p.ln.Close()
	}
	p.st.free(p)
}

func dialErr(err error) stack.Err {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return stack.ErrRst
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return stack.ErrTimeout
	case errors.Is(err, context.Canceled):
		return stack.ErrAbrt
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return stack.ErrTimeout
	}
	return stack.ErrRte
}

func connErr(err error) stack.Err {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return stack.ErrTimeout
	}
	if errors.Is(err, syscall.ECONNABORTED) {
		return stack.ErrAbrt
	}
	return stack.ErrRst
}

// closeWrite sends FIN where the connection supports half close and closes
// it completely otherwise.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if cw.CloseWrite() == nil {
			return
		}
	}
	conn.Close()
}
