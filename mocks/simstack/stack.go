// Package simstack is a deterministic, in-memory implementation of the
// callback stack contract for tests. Nothing happens on its own: events are
// queued and delivered when the test calls Run, and time only moves with
// Advance. The stack also records contract violations, such as touching a
// freed handle or returning ErrAbrt for a live one.
package simstack

import (
	"fmt"
	"net/netip"
	"time"

	"dominicbreuker/asynctcp/pkg/stack"
)

const (
	DefaultMSS    = 1460
	DefaultSndBuf = 5744

	maxEvents = 100000
)

// Stack is a simulated network with one local address.
type Stack struct {
	IP     netip.Addr
	MSS    int
	SndBuf int

	// FailAlloc makes the next n NewPCB calls return nil.
	FailAlloc int
	// FailListen makes Listen return nil.
	FailListen bool
	// AsyncDNS delays name resolution until Run.
	AsyncDNS bool

	// LiveBufs counts receive segments handed out and not yet freed.
	LiveBufs int
	// AbortReturns counts upcalls that returned ErrAbrt.
	AbortReturns int
	Violations   []string

	now       time.Time
	pcbs      []*PCB
	listeners map[netip.AddrPort]*PCB
	hosts     map[string]netip.Addr
	queue     []func()
	nextPort  uint16
}

// New returns an empty simulated stack.
func New() *Stack {
	return &Stack{
		IP:        netip.MustParseAddr("10.0.0.1"),
		MSS:       DefaultMSS,
		SndBuf:    DefaultSndBuf,
		now:       time.Unix(1700000000, 0),
		listeners: make(map[netip.AddrPort]*PCB),
		hosts:     make(map[string]netip.Addr),
		nextPort:  49152,
	}
}

// AddHost registers a name for Resolve.
func (s *Stack) AddHost(name string, ip netip.Addr) {
	s.hosts[name] = ip
}

func (s *Stack) NewPCB() stack.PCB {
	if s.FailAlloc > 0 {
		s.FailAlloc--
		return nil
	}
	return s.newPCB()
}

func (s *Stack) newPCB() *PCB {
	p := &PCB{st: s, sndBuf: s.SndBuf}
	s.pcbs = append(s.pcbs, p)
	return p
}

func (s *Stack) Resolve(host string, fn stack.ResolveFn) (netip.Addr, stack.Err) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, stack.ErrOK
	}
	ip, ok := s.hosts[host]
	if !s.AsyncDNS {
		if !ok {
			return netip.Addr{}, stack.ErrArg
		}
		return ip, stack.ErrOK
	}
	s.enqueue(func() { fn(ip, ok) })
	return netip.Addr{}, stack.ErrInProgress
}

func (s *Stack) FreeBuf(pb *stack.Pbuf) {
	for q := pb; q != nil; q = q.Next {
		s.LiveBufs--
	}
}

func (s *Stack) Now() time.Time { return s.now }

// Advance moves the clock.
func (s *Stack) Advance(d time.Duration) { s.now = s.now.Add(d) }

// Run delivers queued events until none are left.
func (s *Stack) Run() {
	for n := 0; len(s.queue) > 0; n++ {
		if n > maxEvents {
			panic("simstack: event storm")
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		ev()
	}
}

// Tick runs one coarse timer round: every handle with a poll callback is
// polled when its interval has elapsed.
func (s *Stack) Tick() {
	for _, p := range append([]*PCB(nil), s.pcbs...) {
		if p.freed || p.pollFn == nil {
			continue
		}
		p.pollTicks++
		if p.pollTicks < int(p.pollInterval) {
			continue
		}
		p.pollTicks = 0
		s.upcall(p, func() stack.Err { return p.pollFn(p) })
	}
}

// Step advances the clock by d, ticks and runs.
func (s *Stack) Step(d time.Duration) {
	s.Advance(d)
	s.Tick()
	s.Run()
}

// Live returns the handles that have not been freed.
func (s *Stack) Live() []*PCB {
	return append([]*PCB(nil), s.pcbs...)
}

func (s *Stack) enqueue(ev func()) {
	s.queue = append(s.queue, ev)
}

func (s *Stack) violation(format string, a ...interface{}) {
	s.Violations = append(s.Violations, fmt.Sprintf(format, a...))
}

// upcall runs fn for p and checks the returned value against what happened
// to p during the call.
func (s *Stack) upcall(p *PCB, fn func() stack.Err) stack.Err {
	wasAborted := p.aborted
	ret := fn()
	if ret == stack.ErrAbrt {
		s.AbortReturns++
		if !p.aborted {
			s.violation("pcb %s: ErrAbrt returned for a live handle", p.local)
		}
	} else if p.aborted && !wasAborted {
		s.violation("pcb %s: aborted during upcall but returned %s", p.local, ret)
	}
	return ret
}

func (s *Stack) free(p *PCB) {
	if p.freed {
		return
	}
	p.freed = true
	p.state = stack.Closed
	for i, q := range s.pcbs {
		if q == p {
			s.pcbs = append(s.pcbs[:i], s.pcbs[i+1:]...)
			break
		}
	}
	for k, l := range s.listeners {
		if l == p {
			delete(s.listeners, k)
		}
	}
}

func (s *Stack) ephemeral() uint16 {
	s.nextPort++
	return s.nextPort
}

func (s *Stack) lookupListener(ap netip.AddrPort) *PCB {
	if l, ok := s.listeners[ap]; ok && !l.freed {
		return l
	}
	wildcard := netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	if l, ok := s.listeners[wildcard]; ok && !l.freed {
		return l
	}
	return nil
}

// handshake completes an outbound connect started by p.
func (s *Stack) handshake(p *PCB) {
	if p.freed || p.state != stack.SynSent {
		return
	}
	l := s.lookupListener(p.remote)
	if l == nil {
		s.free(p)
		if p.errFn != nil {
			p.errFn(stack.ErrRst)
		}
		return
	}

	srv := s.newPCB()
	srv.state = stack.Established
	srv.local = p.remote
	if !srv.local.Addr().IsValid() || srv.local.Addr().IsUnspecified() {
		srv.local = netip.AddrPortFrom(s.IP, p.remote.Port())
	}
	srv.remote = p.local
	srv.peer = p
	p.peer = srv
	p.state = stack.Established

	// queued first so the listener sees the handle before any data
	s.enqueue(func() { s.accept(l, srv) })
	if p.connectedFn != nil {
		s.upcall(p, func() stack.Err { return p.connectedFn(p, stack.ErrOK) })
	}
}

func (s *Stack) accept(l, srv *PCB) {
	if srv.freed {
		return
	}
	if l.freed || l.acceptFn == nil {
		srv.Abort()
		return
	}
	s.upcall(srv, func() stack.Err { return l.acceptFn(srv, stack.ErrOK) })
}

// deliver hands data to q as a chain of MSS sized segments.
func (s *Stack) deliver(q *PCB, data []byte) {
	if q == nil || q.freed {
		return
	}
	pb := stack.NewPbuf(data, s.MSS)
	for b := pb; b != nil; b = b.Next {
		s.LiveBufs++
	}
	if q.recvFn == nil {
		q.Received = append(q.Received, data...)
		q.RecvedTotal += len(data)
		s.FreeBuf(pb)
		return
	}
	s.upcall(q, func() stack.Err { return q.recvFn(q, pb, stack.ErrOK) })
}

func (s *Stack) ack(p *PCB, n int) {
	if p.freed {
		return
	}
	p.inflight -= n
	if p.sentFn != nil {
		s.upcall(p, func() stack.Err { return p.sentFn(p, n) })
	}
}

func (s *Stack) fin(q *PCB) {
	if q == nil || q.freed {
		return
	}
	q.peerFin = true
	switch q.state {
	case stack.Established:
		q.state = stack.CloseWait
		if q.recvFn != nil {
			s.upcall(q, func() stack.Err { return q.recvFn(q, nil, stack.ErrOK) })
		}
	case stack.FinWait1, stack.FinWait2, stack.Closing:
		s.free(q)
		q.state = stack.TimeWait
	}
}

func (s *Stack) rst(q *PCB) {
	if q == nil || q.freed {
		return
	}
	s.free(q)
	if q.errFn != nil {
		q.errFn(stack.ErrRst)
	}
}
