package asynctcp

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// connectionID is the process wide monotonic counter handing out ids to new
// clients. Clients run on one event goroutine, but several stacks may
// coexist in a process, so the counter is atomic.
var connectionID atomic.Uint64

func nextConnectionID() uint64 {
	return connectionID.Add(1)
}

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynctcp_connections_total",
		Help: "Clients attached to a native handle, inbound and outbound",
	})
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asynctcp_active_connections",
		Help: "Clients currently holding a native handle",
	})
	pendingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asynctcp_pending_connections",
		Help: "Inbound secure handles waiting for the handshake slot",
	})
	errorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asynctcp_error_events_total",
		Help: "Error classifications recorded by connection error trackers",
	}, []string{"event"})
)
