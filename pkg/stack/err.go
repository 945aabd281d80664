package stack

import "strconv"

// Err is a numeric stack error code. Values mirror the raw TCP stack's own
// error space so codes can be passed through unchanged.
type Err int

const (
	ErrOK         Err = 0
	ErrMem        Err = -1
	ErrBuf        Err = -2
	ErrTimeout    Err = -3
	ErrRte        Err = -4
	ErrInProgress Err = -5
	ErrVal        Err = -6
	ErrWouldBlock Err = -7
	ErrUse        Err = -8
	ErrAlready    Err = -9
	ErrIsConn     Err = -10
	ErrConn       Err = -11
	ErrIf         Err = -12
	ErrAbrt       Err = -13
	ErrRst        Err = -14
	ErrClsd       Err = -15
	ErrArg        Err = -16

	// ErrDNSFailed is synthesized when asynchronous name resolution fails.
	ErrDNSFailed Err = -55
)

// SecureErrOffset is added to secure session error codes before they are
// reported through an error callback, keeping them out of the stack's range.
const SecureErrOffset = 64

var errNames = map[Err]string{
	ErrOK:         "OK",
	ErrMem:        "Out of memory error",
	ErrBuf:        "Buffer error",
	ErrTimeout:    "Timeout",
	ErrRte:        "Routing problem",
	ErrInProgress: "Operation in progress",
	ErrVal:        "Illegal value",
	ErrWouldBlock: "Operation would block",
	ErrUse:        "Address in use",
	ErrAlready:    "Already connected",
	ErrIsConn:     "Already connected",
	ErrConn:       "Not connected",
	ErrIf:         "Low-level netif error",
	ErrAbrt:       "Connection aborted",
	ErrRst:        "Connection reset",
	ErrClsd:       "Connection closed",
	ErrArg:        "Illegal argument",
	ErrDNSFailed:  "DNS failed",
}

// String returns the human readable name of the code, or "UNKNOWN".
func (e Err) String() string {
	if s, ok := errNames[e]; ok {
		return s
	}
	return "UNKNOWN"
}

// Error lets an Err travel as a Go error where that is convenient.
func (e Err) Error() string {
	return e.String() + " (" + strconv.Itoa(int(e)) + ")"
}

// Fatal reports whether the code means the handle is already gone.
func (e Err) Fatal() bool {
	return e == ErrAbrt || e == ErrRst || e == ErrClsd
}
