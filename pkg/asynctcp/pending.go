package asynctcp

import "dominicbreuker/asynctcp/pkg/stack"

// pendingConn is an accepted secure handle waiting for the handshake slot,
// together with whatever the peer sent in the meantime.
type pendingConn struct {
	pcb  stack.PCB
	pb   *stack.Pbuf
	next *pendingConn
}

// enqueue parks pcb at the tail of the pending queue. The server observes
// the handle's polls and receives until it can be promoted.
func (s *Server) enqueue(pcb stack.PCB) stack.Err {
	if s.maxPending > 0 && s.Pending() >= s.maxPending {
		s.logger.DebugMsg("accept: pending queue full, closing")
		return closeOrAbort(pcb)
	}

	p := &pendingConn{pcb: pcb}
	pcb.SetPrio(prioNormal)
	pcb.OnPoll(s.pendingPoll, 1)
	pcb.OnRecv(s.pendingRecv)
	pcb.OnErr(func(err stack.Err) { s.pendingErr(p, err) })

	if s.pending == nil {
		s.pending = p
	} else {
		q := s.pending
		for q.next != nil {
			q = q.next
		}
		q.next = p
	}
	pendingConnections.Inc()
	s.logger.DebugMsg("pending: put, %d waiting", s.Pending())
	return stack.ErrOK
}

// unlink removes and returns the queue entry for pcb.
func (s *Server) unlink(pcb stack.PCB) *pendingConn {
	var prev *pendingConn
	for p := s.pending; p != nil; prev, p = p, p.next {
		if p.pcb != pcb {
			continue
		}
		if prev == nil {
			s.pending = p.next
		} else {
			prev.next = p.next
		}
		p.next = nil
		pendingConnections.Dec()
		return p
	}
	return nil
}

func (s *Server) find(pcb stack.PCB) *pendingConn {
	for p := s.pending; p != nil; p = p.next {
		if p.pcb == pcb {
			return p
		}
	}
	return nil
}

func (s *Server) pendingPoll(pcb stack.PCB) stack.Err {
	return s.promote(pcb)
}

// pendingRecv buffers data for a queued handle. A clean close or an error
// drops the handle; it is never promoted.
func (s *Server) pendingRecv(pcb stack.PCB, pb *stack.Pbuf, err stack.Err) stack.Err {
	if pb == nil || err != stack.ErrOK {
		p := s.unlink(pcb)
		if pb != nil {
			s.st.FreeBuf(pb)
		}
		if p == nil {
			return stack.ErrOK
		}
		s.logger.DebugMsg("pending: peer closed, %d waiting", s.Pending())
		if p.pb != nil {
			s.st.FreeBuf(p.pb)
		}
		return closeOrAbort(pcb)
	}

	p := s.find(pcb)
	if p == nil {
		s.st.FreeBuf(pb)
		return stack.ErrOK
	}
	p.pb = stack.Chain(p.pb, pb)
	return s.promote(pcb)
}

// pendingErr drops a queued handle the stack has already freed.
func (s *Server) pendingErr(p *pendingConn, err stack.Err) {
	if s.unlink(p.pcb) == nil {
		return
	}
	s.logger.DebugMsg("pending: %s, %d waiting", err, s.Pending())
	if p.pb != nil {
		s.st.FreeBuf(p.pb)
		p.pb = nil
	}
	s.countEvent(EventErrorCB)
}

// promote moves queued handles into clients, oldest first, while the
// handshake slot is free. current is the handle whose upcall is running;
// the result is the value that upcall must return.
func (s *Server) promote(current stack.PCB) stack.Err {
	ret := stack.ErrOK
	for s.sctx != nil && !s.sctx.HasActive() && s.pending != nil {
		p := s.pending
		s.pending = p.next
		p.next = nil
		pendingConnections.Dec()
		s.logger.DebugMsg("pending: promote, %d waiting", s.Pending())

		stack.ClearCallbacks(p.pcb)
		c := s.newSecureClient(p.pcb)
		if c == nil {
			if p.pb != nil {
				s.st.FreeBuf(p.pb)
			}
			if r := closeOrAbort(p.pcb); p.pcb == current {
				ret = r
			}
			continue
		}

		tr := c.tracker
		if p.pb != nil {
			c.recv(tr, p.pcb, p.pb, stack.ErrOK)
		}
		if p.pcb == current {
			ret = tr.CallbackReturn()
		}
	}
	return ret
}

// Pending returns the number of queued handles.
func (s *Server) Pending() int {
	n := 0
	for p := s.pending; p != nil; p = p.next {
		n++
	}
	return n
}
