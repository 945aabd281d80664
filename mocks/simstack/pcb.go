package simstack

import (
	"net/netip"

	"dominicbreuker/asynctcp/pkg/stack"
)

// PCB is a simulated connection handle. A handle without a receive callback
// acts as a raw test peer: it collects everything it receives in Received.
type PCB struct {
	st *Stack

	state         stack.State
	local, remote netip.AddrPort
	peer          *PCB

	recvFn       stack.RecvFn
	sentFn       stack.SentFn
	errFn        stack.ErrFn
	pollFn       stack.PollFn
	acceptFn     stack.AcceptFn
	connectedFn  stack.ConnectedFn
	pollInterval uint8
	pollTicks    int

	sndBuf   int
	sndQueue []byte
	inflight int
	nodelay  bool
	prio     uint8

	freed   bool
	aborted bool
	finSent bool
	peerFin bool

	// HoldAcks keeps the stack from acknowledging output; the test injects
	// acknowledgments with InjectSent.
	HoldAcks   bool
	FailWrite  bool
	FailOutput bool
	FailClose  bool

	// Written is every byte this handle has put on the wire.
	Written []byte
	// Received is what a raw peer has received.
	Received []byte
	// RecvedTotal sums the receive window updates.
	RecvedTotal int
}

func (p *PCB) check(op string) bool {
	if p.freed {
		p.st.violation("pcb %s: %s on freed handle", p.local, op)
		return false
	}
	return true
}

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

func (p *PCB) Bind(ip netip.Addr, port uint16) stack.Err {
	if !p.check("bind") {
		return stack.ErrVal
	}
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	ap := netip.AddrPortFrom(ip, port)
	if p.st.lookupListener(ap) != nil {
		return stack.ErrUse
	}
	p.local = ap
	return stack.ErrOK
}

func (p *PCB) Listen() stack.PCB {
	if !p.check("listen") || p.st.FailListen {
		return nil
	}
	l := p.st.newPCB()
	l.state = stack.Listen
	l.local = p.local
	p.st.free(p)
	p.st.listeners[l.local] = l
	return l
}

func (p *PCB) Connect(ip netip.Addr, port uint16, fn stack.ConnectedFn) stack.Err {
	if !p.check("connect") {
		return stack.ErrVal
	}
	if p.state != stack.Closed {
		return stack.ErrIsConn
	}
	p.connectedFn = fn
	p.state = stack.SynSent
	p.remote = netip.AddrPortFrom(ip, port)
	if p.local.Port() == 0 {
		p.local = netip.AddrPortFrom(p.st.IP, p.st.ephemeral())
	}
	p.st.enqueue(func() { p.st.handshake(p) })
	return stack.ErrOK
}

func (p *PCB) Write(data []byte, flags uint8) stack.Err {
	if !p.check("write") {
		return stack.ErrConn
	}
	if p.state != stack.Established && p.state != stack.CloseWait {
		return stack.ErrConn
	}
	if p.FailWrite || len(data) > p.SndBuf() {
		return stack.ErrMem
	}
	p.sndQueue = append(p.sndQueue, data...)
	return stack.ErrOK
}

func (p *PCB) Output() stack.Err {
	if !p.check("output") {
		return stack.ErrConn
	}
	if p.FailOutput {
		return stack.ErrRte
	}
	p.transmit()
	return stack.ErrOK
}

func (p *PCB) transmit() {
	if len(p.sndQueue) == 0 {
		return
	}
	data := p.sndQueue
	p.sndQueue = nil
	p.inflight += len(data)
	p.Written = append(p.Written, data...)

	peer := p.peer
	p.st.enqueue(func() {
		p.st.deliver(peer, data)
		if !p.HoldAcks {
			p.st.enqueue(func() { p.st.ack(p, len(data)) })
		}
	})
}

func (p *PCB) Recved(n int) {
	if !p.check("recved") {
		return
	}
	p.RecvedTotal += n
}

func (p *PCB) SndBuf() int {
	return max(p.sndBuf-len(p.sndQueue)-p.inflight, 0)
}

// SetSndBuf changes the send buffer capacity.
func (p *PCB) SetSndBuf(n int) { p.sndBuf = n }

func (p *PCB) MSS() int { return p.st.MSS }

func (p *PCB) SetNoDelay(on bool) { p.nodelay = on }
func (p *PCB) NoDelay() bool      { return p.nodelay }
func (p *PCB) SetPrio(prio uint8) { p.prio = prio }

func (p *PCB) LocalAddr() netip.AddrPort  { return p.local }
func (p *PCB) RemoteAddr() netip.AddrPort { return p.remote }

func (p *PCB) Close() stack.Err {
	if !p.check("close") {
		return stack.ErrConn
	}
	if p.FailClose {
		return stack.ErrMem
	}
	switch p.state {
	case stack.Closed, stack.Listen, stack.SynSent:
		p.st.free(p)
		return stack.ErrOK
	}
	if p.finSent {
		return stack.ErrOK
	}
	p.transmit()
	p.finSent = true
	if p.peerFin {
		p.st.free(p)
	} else {
		p.state = stack.FinWait1
	}
	peer := p.peer
	p.st.enqueue(func() { p.st.fin(peer) })
	return stack.ErrOK
}

func (p *PCB) Abort() {
	if !p.check("abort") {
		return
	}
	p.aborted = true
	p.st.free(p)
	if peer := p.peer; peer != nil {
		p.st.enqueue(func() { p.st.rst(peer) })
	}
	if p.errFn != nil {
		p.errFn(stack.ErrAbrt)
	}
}

// Freed reports whether the stack has released the handle.
func (p *PCB) Freed() bool { return p.freed }

// Aborted reports whether the handle was reset locally.
func (p *PCB) Aborted() bool { return p.aborted }

// Peer returns the other end of an established connection.
func (p *PCB) Peer() *PCB { return p.peer }

// HasCallbacks reports whether any connection upcall is registered.
func (p *PCB) HasCallbacks() bool {
	return p.recvFn != nil || p.sentFn != nil || p.errFn != nil || p.pollFn != nil
}

// Send writes and flushes data, for raw test peers.
func (p *PCB) Send(data []byte) stack.Err {
	if err := p.Write(data, stack.WriteFlagCopy); err != stack.ErrOK {
		return err
	}
	return p.Output()
}

// InjectRecv delivers data to p right away and returns the upcall's result.
func (p *PCB) InjectRecv(data []byte) stack.Err {
	return p.InjectPbuf(stack.NewPbuf(data, p.st.MSS))
}

// InjectPbuf delivers a prepared chain to p.
func (p *PCB) InjectPbuf(pb *stack.Pbuf) stack.Err {
	for b := pb; b != nil; b = b.Next {
		p.st.LiveBufs++
	}
	if p.recvFn == nil {
		p.st.FreeBuf(pb)
		return stack.ErrOK
	}
	return p.st.upcall(p, func() stack.Err { return p.recvFn(p, pb, stack.ErrOK) })
}

// InjectRecvErr delivers a receive upcall carrying err and no data.
func (p *PCB) InjectRecvErr(err stack.Err) stack.Err {
	if p.recvFn == nil {
		return stack.ErrOK
	}
	return p.st.upcall(p, func() stack.Err { return p.recvFn(p, nil, err) })
}

// InjectFIN delivers a clean close from the peer.
func (p *PCB) InjectFIN() {
	p.st.fin(p)
}

// InjectSent acknowledges n bytes.
func (p *PCB) InjectSent(n int) stack.Err {
	p.inflight = max(p.inflight-n, 0)
	if p.sentFn == nil {
		return stack.ErrOK
	}
	return p.st.upcall(p, func() stack.Err { return p.sentFn(p, n) })
}

// InjectPoll runs the poll upcall once, ignoring the interval.
func (p *PCB) InjectPoll() stack.Err {
	if p.pollFn == nil {
		return stack.ErrOK
	}
	return p.st.upcall(p, func() stack.Err { return p.pollFn(p) })
}

// InjectErr frees p as the stack does on a fatal error and runs the error
// upcall.
func (p *PCB) InjectErr(err stack.Err) {
	p.st.free(p)
	if p.errFn != nil {
		p.errFn(err)
	}
}

// InjectAcceptErr runs a listener's accept upcall with an error.
func (p *PCB) InjectAcceptErr(err stack.Err) stack.Err {
	if p.acceptFn == nil {
		return stack.ErrOK
	}
	return p.acceptFn(nil, err)
}
