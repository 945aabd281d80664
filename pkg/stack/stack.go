// Package stack defines the contract of a raw, single-threaded, callback
// based TCP stack. Every event arrives as a synchronous upcall into one of the
// callback slots registered on a PCB, and the value returned by the upcall is
// consumed by the stack.
//
// Implementations live in pkg/netstack (real connections) and mocks/simstack
// (deterministic, for tests).
package stack

import (
	"net/netip"
	"time"
)

// Write flags accepted by PCB.Write.
const (
	WriteFlagCopy uint8 = 0x01
	WriteFlagMore uint8 = 0x02
)

// Upcall signatures. A callback that has aborted the PCB it was called for
// must return ErrAbrt exactly once so the stack stops touching the handle.
type (
	RecvFn      func(pcb PCB, pb *Pbuf, err Err) Err
	SentFn      func(pcb PCB, n int) Err
	PollFn      func(pcb PCB) Err
	ConnectedFn func(pcb PCB, err Err) Err
	AcceptFn    func(pcb PCB, err Err) Err
	// ErrFn is called after the stack has already freed the handle.
	ErrFn func(err Err)
)

// PCB is an opaque per-connection handle owned by the stack.
type PCB interface {
	State() State

	OnRecv(fn RecvFn)
	OnSent(fn SentFn)
	OnErr(fn ErrFn)
	// OnPoll registers fn to run every interval coarse timer ticks.
	OnPoll(fn PollFn, interval uint8)
	OnAccept(fn AcceptFn)

	Bind(ip netip.Addr, port uint16) Err
	// Listen turns a bound handle into a listening one. The returned handle
	// replaces the receiver, which must not be used afterwards. It is nil when
	// the stack is out of memory.
	Listen() PCB
	Connect(ip netip.Addr, port uint16, fn ConnectedFn) Err

	// Write queues data for sending. It never blocks.
	Write(data []byte, flags uint8) Err
	// Output flushes queued data.
	Output() Err
	// Recved opens the receive window by n bytes.
	Recved(n int)
	// SndBuf is the free space in the send queue.
	SndBuf() int
	MSS() int

	SetNoDelay(on bool)
	NoDelay() bool
	SetPrio(prio uint8)

	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort

	// Close starts a graceful shutdown. On error the handle is still owned
	// by the caller and should be aborted.
	Close() Err
	// Abort sends a reset and frees the handle. The err upcall fires with
	// ErrAbrt before Abort returns.
	Abort()
}

// ResolveFn receives the result of an asynchronous name lookup.
type ResolveFn func(ip netip.Addr, ok bool)

// Stack is the stack-wide part of the contract.
type Stack interface {
	// NewPCB allocates a fresh handle, or returns nil when out of memory.
	NewPCB() PCB
	// Resolve looks up host. It returns ErrOK with the address when the
	// answer is immediately known, ErrInProgress when fn will be called
	// later, or another code on failure.
	Resolve(host string, fn ResolveFn) (netip.Addr, Err)
	// FreeBuf releases a receive buffer chain.
	FreeBuf(pb *Pbuf)
	Now() time.Time
}

// ClearCallbacks detaches every upcall from pcb.
func ClearCallbacks(pcb PCB) {
	pcb.OnRecv(nil)
	pcb.OnSent(nil)
	pcb.OnErr(nil)
	pcb.OnPoll(nil, 0)
}
