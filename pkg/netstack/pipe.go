package netstack

import "sync"

// pipe carries send batches from the loop to a writer goroutine.
type pipe struct {
	mu     sync.Mutex
	queue  [][]byte
	fin    bool
	closed bool
	wake   chan struct{}
}

func newPipe() *pipe {
	return &pipe{wake: make(chan struct{}, 1)}
}

func (q *pipe) push(b []byte) {
	q.mu.Lock()
	q.queue = append(q.queue, b)
	q.mu.Unlock()
	q.signal()
}

// finish asks the writer to half close once the queue is drained.
func (q *pipe) finish() {
	q.mu.Lock()
	q.fin = true
	q.mu.Unlock()
	q.signal()
}

// close drops whatever is queued and stops the writer.
func (q *pipe) close() {
	q.mu.Lock()
	q.closed = true
	q.queue = nil
	q.mu.Unlock()
	q.signal()
}

func (q *pipe) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks for the next batch. fin is set once everything queued before
// finish has been returned; ok is false after close.
func (q *pipe) next() (b []byte, fin, ok bool) {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return nil, false, false
		case len(q.queue) > 0:
			b = q.queue[0]
			q.queue[0] = nil
			q.queue = q.queue[1:]
			q.mu.Unlock()
			return b, false, true
		case q.fin:
			q.mu.Unlock()
			return nil, true, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// window is the receive window. The reader waits while it is shut and the
// loop reopens it through Recved.
type window struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	avail  int
	closed bool
}

func newWindow(size int) *window {
	w := &window{size: size, avail: size}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// wait blocks until at least one byte may be read and returns how many, at
// most limit.
func (w *window) wait(limit int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.avail <= 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return 0, false
	}
	return min(limit, w.avail), true
}

func (w *window) consume(n int) {
	w.mu.Lock()
	w.avail -= n
	w.mu.Unlock()
}

func (w *window) give(n int) {
	w.mu.Lock()
	w.avail = min(w.avail+n, w.size)
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *window) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// outstanding is the number of delivered bytes not yet acknowledged.
func (w *window) outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size - w.avail
}
