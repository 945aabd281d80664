package stack

// State is the phase of a native connection handle.
type State uint8

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

var stateNames = [...]string{
	Closed:      "Closed",
	Listen:      "Listen",
	SynSent:     "SYN Sent",
	SynReceived: "SYN Received",
	Established: "Established",
	FinWait1:    "FIN Wait 1",
	FinWait2:    "FIN Wait 2",
	CloseWait:   "Close Wait",
	Closing:     "Closing",
	LastAck:     "Last ACK",
	TimeWait:    "Time Wait",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Closing reports whether the handle is in one of the shutdown phases.
func (s State) Closing() bool {
	return s > Established && s < TimeWait
}
