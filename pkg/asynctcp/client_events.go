package asynctcp

import (
	"errors"

	"dominicbreuker/asynctcp/pkg/secure"
	"dominicbreuker/asynctcp/pkg/stack"
)

// Trampolines. Each one takes the tracker before calling into the client and
// computes its return value from the tracker alone, because the client may
// have been released by application code during the upcall.

func (c *Client) trampolineConnected() stack.ConnectedFn {
	return func(pcb stack.PCB, err stack.Err) stack.Err {
		tr := c.tracker
		c.connected(tr, pcb, err)
		return tr.CallbackReturn()
	}
}

func (c *Client) trampolineRecv() stack.RecvFn {
	return func(pcb stack.PCB, pb *stack.Pbuf, err stack.Err) stack.Err {
		tr := c.tracker
		c.recv(tr, pcb, pb, err)
		return tr.CallbackReturn()
	}
}

func (c *Client) trampolineSent() stack.SentFn {
	return func(pcb stack.PCB, n int) stack.Err {
		tr := c.tracker
		c.sent(tr, n)
		return tr.CallbackReturn()
	}
}

func (c *Client) trampolinePoll() stack.PollFn {
	return func(pcb stack.PCB) stack.Err {
		tr := c.tracker
		c.poll(tr)
		return tr.CallbackReturn()
	}
}

func (c *Client) trampolineErr() stack.ErrFn {
	return func(err stack.Err) {
		tr := c.tracker
		tr.SetCloseError(err)
		tr.SetErrored(EventErrorCB)
		c.stackError(err)
	}
}

func (c *Client) installHandlers(pcb stack.PCB) {
	pcb.OnRecv(c.trampolineRecv())
	pcb.OnSent(c.trampolineSent())
	pcb.OnPoll(c.trampolinePoll(), 1)
}

// connected handles the outcome of an outbound connect.
func (c *Client) connected(tr *ErrorTracker, pcb stack.PCB, err stack.Err) {
	if pcb == nil || err != stack.ErrOK {
		c.logger.DebugMsg("connected id=%d: %s", c.id, err)
		tr.SetCloseError(err)
		tr.SetErrored(EventConnectedCB)
		if p := c.takePCB(); p != nil {
			stack.ClearCallbacks(p)
		}
		c.fireError(err)
		return
	}

	c.pcb = pcb
	c.busy = false
	c.rxLastPacket = c.st.Now()
	pcb.SetPrio(prioNormal)
	c.installHandlers(pcb)

	if !c.secure {
		if c.connectCb != nil {
			c.connectCb(c)
		}
		return
	}

	session, serr := secure.NewClientSession(secure.ClientConfig{
		StaticKey: c.staticKey,
		PeerKey:   c.peerPin,
	})
	if serr != nil {
		c.logger.DebugMsg("connected id=%d: %s", c.id, serr)
		c.close()
		return
	}
	c.session = session
	out, serr := session.Start()
	if serr != nil {
		c.secureError(serr)
		return
	}
	c.sendHandshake([][]byte{out})
}

// recv handles a receive upcall.
func (c *Client) recv(tr *ErrorTracker, pcb stack.PCB, pb *stack.Pbuf, err stack.Err) {
	if pcb == nil || err != stack.ErrOK {
		c.logger.DebugMsg("recv id=%d: %s", c.id, err)
		if pb != nil {
			c.st.FreeBuf(pb)
		}
		tr.SetCloseError(err)
		tr.SetErrored(EventRecvCB)
		if p := c.takePCB(); p != nil {
			stack.ClearCallbacks(p)
		}
		c.fireError(err)
		return
	}

	if pb == nil {
		c.logger.DebugMsg("recv id=%d: peer closed, closing", c.id)
		c.close()
		return
	}

	c.rxLastPacket = c.st.Now()
	tr.SetCloseError(stack.ErrOK)

	if c.secure {
		c.recvSecure(tr, pcb, pb)
		return
	}

	for pb != nil {
		if !tr.HasClient() || c.pcb != pcb {
			c.st.FreeBuf(pb)
			return
		}

		// the application must see the data before it is acknowledged
		c.ackPCB = true
		b := pb
		pb = b.Next
		b.Next = nil

		if c.packetCb != nil {
			c.packetCb(c, b)
			continue
		}

		n := len(b.Payload)
		if c.dataCb != nil {
			c.rxFlags = b.Flags
			c.dataCb(c, b.Payload)
		}
		if tr.HasClient() && c.pcb == pcb {
			if c.ackPCB {
				pcb.Recved(n)
			} else {
				c.rxAckLen += n
			}
		}
		c.st.FreeBuf(b)
	}
}

// recvSecure feeds wire bytes to the session. Wire bytes are acknowledged as
// soon as the session has consumed them.
func (c *Client) recvSecure(tr *ErrorTracker, pcb stack.PCB, pb *stack.Pbuf) {
	data := pb.Bytes()
	c.st.FreeBuf(pb)
	pcb.Recved(len(data))

	if c.session == nil {
		return
	}
	res, err := c.session.Read(data)
	if len(res.Out) > 0 {
		c.sendHandshake(res.Out)
	}
	if err != nil {
		c.secureError(err)
		return
	}
	if res.Completed && c.pcb == pcb {
		c.handshakeDone = true
		c.logger.DebugMsg("handshake id=%d: complete", c.id)
		if c.connectCb != nil {
			c.connectCb(c)
		}
	}
	for _, pt := range res.Plain {
		if !tr.HasClient() || c.pcb != pcb {
			return
		}
		if c.dataCb != nil {
			c.dataCb(c, pt)
		}
	}
}

// sendHandshake writes handshake frames. Their acknowledgments are consumed
// before any application byte is counted.
func (c *Client) sendHandshake(frames [][]byte) {
	pcb := c.pcb
	if pcb == nil {
		return
	}
	for _, f := range frames {
		if pcb.Write(f, stack.WriteFlagCopy) != stack.ErrOK {
			c.close()
			return
		}
		c.txHandshake += len(f)
	}
	if pcb.Output() != stack.ErrOK {
		c.close()
	}
}

// secureError reports a session failure in the secure error band and closes.
func (c *Client) secureError(err error) {
	code := secure.CodeHandshake
	var serr *secure.Error
	if errors.As(err, &serr) {
		code = serr.Code
	}
	c.logger.DebugMsg("secure id=%d: %s", c.id, err)
	if c.errorCb != nil {
		c.errorCb(c, stack.Err(int(code)+stack.SecureErrOffset))
	}
	c.close()
}

// sent handles a send acknowledgment of n bytes.
func (c *Client) sent(tr *ErrorTracker, n int) {
	if c.txHandshake > 0 {
		d := min(n, c.txHandshake)
		c.txHandshake -= d
		n -= d
		if n == 0 {
			return
		}
	}
	if c.secure && !c.handshakeDone {
		return
	}

	now := c.st.Now()
	c.rxLastPacket = now
	c.txUnacked -= n
	c.txAcked += n

	if c.txUnacked <= 0 {
		c.txUnacked = 0
		c.busy = false
		tr.SetCloseError(stack.ErrOK)

		total := c.txAcked
		c.txAcked = 0
		if c.ackCb != nil {
			c.ackCb(c, total, now.Sub(c.sentAt))
		}
	}
}

// poll runs the periodic checks, first match wins.
func (c *Client) poll(tr *ErrorTracker) {
	tr.SetCloseError(stack.ErrOK)

	if c.closePCB {
		c.closePCB = false
		c.close()
		return
	}

	now := c.st.Now()

	if c.busy && c.ackTimeout > 0 && now.Sub(c.sentAt) >= c.ackTimeout {
		c.busy = false
		if c.timeoutCb != nil {
			c.timeoutCb(c, now.Sub(c.sentAt))
		}
		return
	}

	if c.rxTimeout > 0 && now.Sub(c.rxLastPacket) >= c.rxTimeout {
		c.logger.DebugMsg("poll id=%d: rx timeout", c.id)
		c.close()
		return
	}

	if c.secure && !c.handshakeDone && now.Sub(c.rxLastPacket) >= HandshakeTimeout {
		c.logger.DebugMsg("poll id=%d: handshake timeout", c.id)
		c.close()
		return
	}

	if c.pollCb != nil {
		c.pollCb(c)
	}
}

// stackError handles the stack's error upcall. The handle is already gone.
func (c *Client) stackError(err stack.Err) {
	c.logger.DebugMsg("error id=%d: %s", c.id, err)
	c.takePCB()
	c.fireError(err)
}

// fireError delivers the error callback and then the disconnect callback.
func (c *Client) fireError(err stack.Err) {
	if c.errorCb != nil {
		c.errorCb(c, err)
	}
	if c.disconnectCb != nil {
		c.disconnectCb(c)
	}
}
