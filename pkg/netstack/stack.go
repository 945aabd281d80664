// Package netstack implements the stack contract over real stream
// connections. One event loop goroutine (Run) delivers every upcall; each
// connection has a reader and a writer goroutine that only talk to the loop
// by posting closures.
package netstack

import (
	"context"
	"net"
	"net/netip"
	"time"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/log"
	"dominicbreuker/asynctcp/pkg/semaphore"
	"dominicbreuker/asynctcp/pkg/stack"
	"dominicbreuker/asynctcp/pkg/transport"
)

const (
	// DefaultSndBuf is the per-connection send buffer, four segments of 1436
	// bytes as on small embedded lwIP builds.
	DefaultSndBuf = 5744
	// DefaultRecvWindow bounds unacknowledged received bytes.
	DefaultRecvWindow = 5744
	// DefaultMSS is reported when the transport has no segment size.
	DefaultMSS = 1460
	// DefaultPollInterval is the coarse timer period.
	DefaultPollInterval = 500 * time.Millisecond

	defaultDialTimeout = 20 * time.Second
	defaultFinTimeout  = 5 * time.Second
	defaultAcceptWait  = time.Second
	resolveTimeout     = 10 * time.Second
	eventBacklog       = 256
)

// Option configures a Stack.
type Option func(*Stack)

// WithTransport sets how connections are dialed and listened for.
func WithTransport(t *transport.Transport) Option {
	return func(s *Stack) {
		s.dial = t.Dial
		s.listen = t.Listen
	}
}

// WithMaxPCBs caps the number of live handles, listeners included.
// NewPCB returns nil when the cap is reached; accepted connections wait a
// moment for a slot and are then refused.
func WithMaxPCBs(n int) Option {
	return func(s *Stack) {
		if n > 0 {
			s.slots = semaphore.New(n, defaultAcceptWait)
		}
	}
}

func WithSndBuf(n int) Option {
	return func(s *Stack) { s.sndBuf = n }
}

func WithRecvWindow(n int) Option {
	return func(s *Stack) { s.rxWnd = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Stack) { s.pollInterval = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *Stack) { s.dialTimeout = d }
}

// WithFinTimeout bounds how long a closed connection waits for the peer's
// FIN before it is torn down.
func WithFinTimeout(d time.Duration) Option {
	return func(s *Stack) { s.finTimeout = d }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Stack) { s.logger = l }
}

// WithCapture hex dumps all connection traffic to the file at path.
func WithCapture(path string) Option {
	return func(s *Stack) { s.capture = path }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r *net.Resolver) Option {
	return func(s *Stack) { s.resolver = r }
}

// Stack is a stack.Stack over net.Conn streams. Apart from New, Run and Do
// its methods, and those of its handles, must be called on the loop.
type Stack struct {
	dial   transport.DialFunc
	listen transport.ListenFunc
	slots  *semaphore.Slots

	sndBuf       int
	rxWnd        int
	pollInterval time.Duration
	dialTimeout  time.Duration
	finTimeout   time.Duration
	capture      string
	resolver     *net.Resolver
	logger       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()

	// loop only
	pcbs map[*PCB]struct{}
}

var _ stack.Stack = (*Stack)(nil)

// New returns a stack. Without WithTransport it uses plain TCP.
func New(opts ...Option) *Stack {
	s := &Stack{
		sndBuf:       DefaultSndBuf,
		rxWnd:        DefaultRecvWindow,
		pollInterval: DefaultPollInterval,
		dialTimeout:  defaultDialTimeout,
		finTimeout:   defaultFinTimeout,
		resolver:     net.DefaultResolver,
		events:       make(chan func(), eventBacklog),
		pcbs:         make(map[*PCB]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	if s.dial == nil || s.listen == nil {
		t, _ := transport.New(s.ctx, config.ProtoTCP, nil, s.logger)
		if s.dial == nil {
			s.dial = t.Dial
		}
		if s.listen == nil {
			s.listen = t.Listen
		}
	}
	return s
}

// Run is the event loop. It returns when ctx ends, after closing every
// connection without upcalls. A stack runs once.
func (s *Stack) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			s.tick()
		}
	}
}

// Do schedules fn on the loop. It must not be called from the loop itself
// and is dropped once the loop has ended.
func (s *Stack) Do(fn func()) {
	s.post(fn)
}

func (s *Stack) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stack) shutdown() {
	s.cancel()
	for p := range s.pcbs {
		p.teardown()
	}
}

// tick runs the coarse timer: poll upcalls and redelivery of refused data.
func (s *Stack) tick() {
	live := make([]*PCB, 0, len(s.pcbs))
	for p := range s.pcbs {
		live = append(live, p)
	}
	for _, p := range live {
		p.tick()
	}
}

// NewPCB allocates a handle, or returns nil when the handle cap is reached.
func (s *Stack) NewPCB() stack.PCB {
	if !s.slots.TryAcquire() {
		s.logger.DebugMsg("netstack: out of handles")
		return nil
	}
	return s.newPCB()
}

func (s *Stack) newPCB() *PCB {
	p := &PCB{st: s, mss: DefaultMSS}
	s.pcbs[p] = struct{}{}
	return p
}

func (s *Stack) free(p *PCB) {
	if _, ok := s.pcbs[p]; !ok {
		return
	}
	delete(s.pcbs, p)
	s.slots.Release()
}

// Resolve answers IP literals at once and looks anything else up in the
// background.
func (s *Stack) Resolve(host string, fn stack.ResolveFn) (netip.Addr, stack.Err) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), stack.ErrOK
	}
	if host == "" {
		return netip.Addr{}, stack.ErrArg
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, resolveTimeout)
		defer cancel()

		ips, err := s.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			s.logger.DebugMsg("netstack: resolve %s: %s", host, err)
		}
		ip, ok := pickAddr(ips)
		s.post(func() { fn(ip, ok) })
	}()
	return netip.Addr{}, stack.ErrInProgress
}

// pickAddr prefers IPv4.
func pickAddr(ips []netip.Addr) (netip.Addr, bool) {
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), true
		}
	}
	if len(ips) > 0 {
		return ips[0], true
	}
	return netip.Addr{}, false
}

// FreeBuf is a no-op, buffers are garbage collected.
func (s *Stack) FreeBuf(*stack.Pbuf) {}

func (s *Stack) Now() time.Time { return time.Now() }

// Live is the number of allocated handles.
func (s *Stack) Live() int { return len(s.pcbs) }
