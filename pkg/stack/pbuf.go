package stack

// Pbuf is one segment of a chained receive buffer.
type Pbuf struct {
	Payload []byte
	Next    *Pbuf
	Flags   uint8
}

// PbufFlagPush marks the last segment of a pushed packet.
const PbufFlagPush uint8 = 0x01

// TotLen is the length of p and every segment chained after it.
func (p *Pbuf) TotLen() int {
	n := 0
	for q := p; q != nil; q = q.Next {
		n += len(q.Payload)
	}
	return n
}

// Chain appends tail to the end of p. Either argument may be nil.
func Chain(p, tail *Pbuf) *Pbuf {
	if p == nil {
		return tail
	}
	q := p
	for q.Next != nil {
		q = q.Next
	}
	q.Next = tail
	return p
}

// NewPbuf splits data into a chain of segments of at most seg bytes.
func NewPbuf(data []byte, seg int) *Pbuf {
	if len(data) == 0 {
		return nil
	}
	if seg <= 0 {
		seg = len(data)
	}
	var head, tail *Pbuf
	for len(data) > 0 {
		n := min(seg, len(data))
		b := &Pbuf{Payload: append([]byte(nil), data[:n]...)}
		data = data[n:]
		if head == nil {
			head = b
		} else {
			tail.Next = b
		}
		tail = b
	}
	tail.Flags |= PbufFlagPush
	return head
}

// Bytes flattens the chain.
func (p *Pbuf) Bytes() []byte {
	out := make([]byte, 0, p.TotLen())
	for q := p; q != nil; q = q.Next {
		out = append(out, q.Payload...)
	}
	return out
}
