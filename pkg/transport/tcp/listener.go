package tcp

import (
	"fmt"
	"net"

	"dominicbreuker/asynctcp/pkg/config"
)

// NewListener binds addr through deps.TCPListener, or net.Listen when unset.
func NewListener(addr string, deps *config.Dependencies) (net.Listener, error) {
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	l, err := config.GetTCPListenerFunc(deps)("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen(tcp, %s): %w", addr, err)
	}
	return l, nil
}
