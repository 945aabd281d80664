package asynctcp

import "dominicbreuker/asynctcp/pkg/stack"

// ErrorEvent classifies the first stack path that observed a connection
// failure.
type ErrorEvent uint8

const (
	EventOK ErrorEvent = iota
	EventConnectedCB
	EventRecvCB
	EventErrorCB
	EventAborted
	EventAcceptCB
	eventMax
)

func (e ErrorEvent) String() string {
	switch e {
	case EventOK:
		return "ok"
	case EventConnectedCB:
		return "connected_cb"
	case EventRecvCB:
		return "recv_cb"
	case EventErrorCB:
		return "error_cb"
	case EventAborted:
		return "aborted"
	case EventAcceptCB:
		return "accept_cb"
	}
	return "unknown"
}

// Result is what a trampoline has to tell the stack after an upcall.
type Result uint8

const (
	// Continue passes the recorded close error through, normally ErrOK.
	Continue Result = iota
	// AbortSignaled means the handle was aborted during the upcall and the
	// stack must be told so now.
	AbortSignaled
	// AlreadyReported means a failure is recorded and has been reported.
	AlreadyReported
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case AbortSignaled:
		return "abort"
	case AlreadyReported:
		return "reported"
	}
	return "unknown"
}

// classify is the pure decision behind ErrorTracker.CallbackReturn.
func classify(closeErr stack.Err, errored ErrorEvent) Result {
	switch {
	case errored != EventOK:
		return AlreadyReported
	case closeErr == stack.ErrAbrt:
		return AbortSignaled
	}
	return Continue
}

// ErrorTracker records the first close error and the first error
// classification of one connection. Trampolines hold on to the tracker
// across an upcall, so it stays valid after the Client has been released.
type ErrorTracker struct {
	client   *Client
	id       uint64
	closeErr stack.Err
	errored  ErrorEvent
	observer func(ErrorEvent)
}

func newErrorTracker(c *Client, id uint64) *ErrorTracker {
	return &ErrorTracker{client: c, id: id}
}

// SetCloseError records code. It is ignored once a classification exists.
// ErrOK resets a previously recorded code; otherwise the first non-OK code
// wins.
func (t *ErrorTracker) SetCloseError(code stack.Err) {
	if t.errored != EventOK {
		return
	}
	if code == stack.ErrOK || t.closeErr == stack.ErrOK {
		t.closeErr = code
	}
}

// SetErrored records the classification if none exists yet. The observer is
// told about every call.
func (t *ErrorTracker) SetErrored(kind ErrorEvent) {
	if t.errored == EventOK {
		t.errored = kind
	}
	errorEvents.WithLabelValues(kind.String()).Inc()
	if t.observer != nil {
		t.observer(kind)
	}
}

// Result reports the tagged outcome without changing state.
func (t *ErrorTracker) Result() Result {
	return classify(t.closeErr, t.errored)
}

// CallbackReturn is the value a trampoline hands back to the stack. ErrAbrt
// is returned at most once; afterwards the tracker is classified as aborted
// and every query yields ErrOK.
func (t *ErrorTracker) CallbackReturn() stack.Err {
	switch t.Result() {
	case AlreadyReported:
		return stack.ErrOK
	case AbortSignaled:
		t.SetErrored(EventAborted)
	}
	return t.closeErr
}

// CloseError returns the recorded close error.
func (t *ErrorTracker) CloseError() stack.Err { return t.closeErr }

// Errored returns the recorded classification.
func (t *ErrorTracker) Errored() ErrorEvent { return t.errored }

// Detach clears the back reference to the client.
func (t *ErrorTracker) Detach() { t.client = nil }

// HasClient reports whether the owning client is still alive.
func (t *ErrorTracker) HasClient() bool { return t.client != nil }

// ConnectionID returns the id of the owning client.
func (t *ErrorTracker) ConnectionID() uint64 { return t.id }

// OnErrorEvent installs an observer called on every SetErrored.
func (t *ErrorTracker) OnErrorEvent(fn func(ErrorEvent)) { t.observer = fn }

// fresh reports whether the tracker can serve a new handle.
func (t *ErrorTracker) fresh() bool {
	return t.errored == EventOK && t.closeErr == stack.ErrOK
}
