package lib

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
)

// Protocol selects the transport of an outbound.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return "unknown"
}

// State is the connection state of an outbound. closed is terminal.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StateChangedFunc observes state transitions. It runs inline on the
// transitioning goroutine, after the fields backing the new state are
// written; it must not block or call back into the outbound.
type StateChangedFunc func(o Outbound, s State)

// Options configures an outbound. The record is immutable after
// construction.
type Options struct {
	Protocol        Protocol
	ConnectTimeout  time.Duration // spans resolve+connect, 0 = none
	ReadTimeout     time.Duration // 0 = none
	WriteTimeout    time.Duration // 0 = none
	IdleTimeout     time.Duration // 0 = none
	RetryCount      int           // < 0 = infinite
	RetryDelay      time.Duration
	MaxPacketSize   int   // UDP datagram ceiling
	KeepAlive       bool  // TCP
	CongestionLimit int64 // TCP write backpressure in bytes, 0 = none
	OnStateChanged  StateChangedFunc
	Resolver        *Resolver // nil = package default
}

// DefaultOptions returns the explicit defaults for every recognized
// option.
func DefaultOptions() *Options {
	return &Options{
		Protocol:        TCP,
		ConnectTimeout:  0,
		ReadTimeout:     0,
		WriteTimeout:    0,
		IdleTimeout:     0,
		RetryCount:      0,
		RetryDelay:      0,
		MaxPacketSize:   16384,
		KeepAlive:       true,
		CongestionLimit: 0,
	}
}

// Outbound is one outgoing network flow, TCP or UDP.
type Outbound interface {
	// Bind records the requested local endpoint for the upcoming
	// connect.
	Bind(ip string, port uint16) error
	// Connect starts the attempt sequence toward (host, port). It
	// must be called at most once.
	Connect(host string, port uint16)
	// Send ingests one downward event.
	Send(evt Event)
	// Close tears the flow down silently; no StreamEnd is emitted.
	Close()

	State() State
	Protocol() Protocol
	ProtocolName() string
	// Address is the peer label "[host]:port".
	Address() string
	LocalAddress() string
	LocalPort() uint16
	RemoteAddress() string
	RemotePort() uint16
	LastError() ErrorCode
	// ConnectionTime is the accumulated time spent connecting across
	// all successful attempts.
	ConnectionTime() time.Duration

	trafficDeltas() (in, out uint64)
}

// outbound carries the state shared by the TCP and UDP flavors.
type outbound struct {
	self  Outbound
	id    string
	opts  Options
	input Input

	mu         sync.Mutex
	stateVal   atomic.Int32
	host       string
	port       uint16
	remoteAddr string
	localAddr  string
	localPort  uint16
	retries    int
	lastErr    ErrorCode
	startTime  time.Time
	connTime   time.Duration
	epoch      uint64

	metrics *Metrics
	labels  [2]string // {protocol, peer}, set on Connect

	// deliverMu spans event staging and flush per async completion,
	// keeping each upward delivery atomic and in completion order.
	deliverMu sync.Mutex

	// ops pairs one Add with one Done per in-flight async leg.
	ops sync.WaitGroup
}

func (o *outbound) init(self Outbound, input Input, opts *Options) {
	o.self = self
	o.id = nuid.Next()
	o.input = input
	if opts != nil {
		o.opts = *opts
	} else {
		o.opts = *DefaultOptions()
	}
	logger.Debug().Msgf("[outbound %s] ++", o.id)
	registerOutbound(self)
}

func (o *outbound) resolver() *Resolver {
	if o.opts.Resolver != nil {
		return o.opts.Resolver
	}
	return DefaultResolver()
}

func (o *outbound) Protocol() Protocol {
	return o.opts.Protocol
}

func (o *outbound) ProtocolName() string {
	return o.opts.Protocol.String()
}

func (o *outbound) State() State {
	return State(o.stateVal.Load())
}

func (o *outbound) Address() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return peerLabel(o.host, o.port)
}

func (o *outbound) LocalAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localAddr
}

func (o *outbound) LocalPort() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localPort
}

func (o *outbound) RemoteAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remoteAddr
}

func (o *outbound) RemotePort() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.port
}

func (o *outbound) LastError() ErrorCode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *outbound) ConnectionTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connTime
}

// trafficDeltas is overridden by the TCP flavor; UDP accounts inline.
func (o *outbound) trafficDeltas() (uint64, uint64) {
	return 0, 0
}

// setStateLocked is the single funnel for observable transitions. The
// caller holds o.mu; the state-change callback fires inline so
// transitions are observed in the order they happen.
func (o *outbound) setStateLocked(s State) {
	o.stateVal.Store(int32(s))
	if f := o.opts.OnStateChanged; f != nil {
		f(o.self, s)
	}
}

// closeStateLocked writes the closed state directly, bypassing the
// callback. Used for user-requested close only.
func (o *outbound) closeStateLocked() {
	o.stateVal.Store(int32(StateClosed))
}

// failLocked records err, emits the terminal StreamEnd and transitions
// to closed. The caller holds o.mu.
func (o *outbound) failLocked(err ErrorCode, ic *InputContext) {
	o.lastErr = err
	ic.pushEvent(&StreamEnd{Err: err})
	o.setStateLocked(StateClosed)
	self := o.self
	ic.pushFunc(func() { deregisterOutbound(self) })
}

// attachMetricsLocked resolves the metric handles for this outbound's
// labels. Called from Connect with o.mu held.
func (o *outbound) attachMetricsLocked() {
	o.metrics = getMetrics()
	o.labels = [2]string{o.opts.Protocol.String(), peerLabel(o.host, o.port)}
}

func (o *outbound) observeConnTimeLocked(d time.Duration) {
	o.connTime += d
	if o.metrics != nil {
		o.metrics.observeConnTime(o.labels[0], o.labels[1], d)
	}
}

func (o *outbound) describeLocked() string {
	local := o.localAddr
	if local == "" {
		local = "0.0.0.0"
	}
	return fmt.Sprintf("[outbound %s] [%s]:%d -> [%s]:%d (%s)",
		o.id, local, o.localPort, o.remoteAddr, o.port, o.host)
}

// peerLabel renders the "[host]:port" metric label.
func peerLabel(host string, port uint16) string {
	return fmt.Sprintf("[%s]:%d", host, port)
}
