package lib

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// OutboundTCP is an outgoing TCP flow: resolve, connect, then a
// full-duplex byte pump, with bounded retries on resolve and connect
// failures.
type OutboundTCP struct {
	outbound
	sock     *socketTCP
	localTCP *net.TCPAddr // requested local endpoint, from Bind

	connectTimer  *time.Timer
	retryTimer    *time.Timer
	resolveCancel context.CancelFunc
	dialCancel    context.CancelFunc
}

// NewOutboundTCP creates a TCP outbound delivering upward events into
// input.
func NewOutboundTCP(input Input, opts *Options) *OutboundTCP {
	o := &OutboundTCP{}
	o.sock = newSocketTCP(o)
	o.init(o, input, opts)
	o.opts.Protocol = TCP
	return o
}

// Bind records the local endpoint the connect will be issued from.
// The address must be an IP literal.
func (o *OutboundTCP) Bind(ip string, port uint16) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("bind [%s]:%d: invalid address", ip, port)
	}
	o.mu.Lock()
	o.localTCP = &net.TCPAddr{IP: parsed, Port: int(port)}
	o.localAddr = parsed.String()
	o.localPort = port
	o.mu.Unlock()
	return nil
}

// Connect starts the attempt sequence toward (host, port).
func (o *OutboundTCP) Connect(host string, port uint16) {
	o.mu.Lock()
	o.host = host
	o.port = port
	o.attachMetricsLocked()
	o.startLocked(0)
	o.mu.Unlock()
}

// Send ingests one downward event. Data is written to the peer;
// StreamEnd flushes pending writes and half-closes the write side.
func (o *OutboundTCP) Send(evt Event) {
	o.sock.output(evt)
}

// Close tears the flow down. No StreamEnd is emitted; the caller
// requested the close and needs no notification.
func (o *OutboundTCP) Close() {
	o.deliverMu.Lock()
	o.mu.Lock()
	switch o.State() {
	case StateResolving, StateConnecting:
		o.cancelAttemptLocked()
	case StateConnected:
		o.epoch++
	case StateClosed:
		o.mu.Unlock()
		o.deliverMu.Unlock()
		return
	default:
		o.cancelAttemptLocked()
	}
	o.retries = 0
	o.closeStateLocked()
	self := o.self
	o.mu.Unlock()
	o.deliverMu.Unlock()

	o.sock.shutdown()
	deregisterOutbound(self)
}

func (o *OutboundTCP) trafficDeltas() (uint64, uint64) {
	if o.sock == nil {
		return 0, 0
	}
	return o.sock.drainTraffic()
}

// startLocked begins one attempt, after delay when retrying.
func (o *OutboundTCP) startLocked(delay time.Duration) {
	if delay > 0 {
		epoch := o.epoch
		o.retryTimer = time.AfterFunc(delay, func() {
			o.mu.Lock()
			if o.epoch == epoch && o.State() == StateIdle {
				o.resolveLocked()
			}
			o.mu.Unlock()
		})
		o.setStateLocked(StateIdle)
	} else {
		o.resolveLocked()
	}
}

// resolveLocked issues the async resolve leg; failures surface in its
// completion goroutine.
func (o *OutboundTCP) resolveLocked() {
	host := o.host
	ctx, cancel := context.WithCancel(context.Background())
	o.resolveCancel = cancel

	if o.opts.ConnectTimeout > 0 {
		epoch := o.epoch
		o.connectTimer = time.AfterFunc(o.opts.ConnectTimeout, func() {
			o.onConnectTimeout(epoch)
		})
	}

	o.startTime = time.Now()

	if o.retries > 0 {
		logger.Warn().Msgf("%s retry connecting... (retries = %d)", o.describeLocked(), o.retries)
	}
	logger.Debug().Msgf("%s resolving hostname...", o.describeLocked())

	epoch := o.epoch
	o.ops.Add(1)
	o.setStateLocked(StateResolving)

	go func() {
		defer o.ops.Done()
		ip, err := o.resolver().Resolve(ctx, host)

		o.deliverMu.Lock()
		ic := newInputContext(o.input)
		o.mu.Lock()
		if o.epoch != epoch { // attempt was canceled
			o.mu.Unlock()
			o.deliverMu.Unlock()
			return
		}
		if err != nil {
			if o.connectTimer != nil {
				o.connectTimer.Stop()
			}
			logger.Error().Msgf("%s cannot resolve hostname: %v", o.describeLocked(), err)
			o.connectErrorLocked(CannotResolve, ic)
		} else if o.State() == StateResolving {
			o.remoteAddr = ip.String()
			o.connectToLocked(ip)
		}
		o.mu.Unlock()
		ic.flush()
		o.deliverMu.Unlock()
	}()
}

func (o *OutboundTCP) connectToLocked(ip net.IP) {
	ctx, cancel := context.WithCancel(context.Background())
	o.dialCancel = cancel

	raddr := net.JoinHostPort(ip.String(), strconv.Itoa(int(o.port)))
	laddr := o.localTCP

	logger.Debug().Msgf("%s connecting...", o.describeLocked())

	epoch := o.epoch
	o.ops.Add(1)
	o.setStateLocked(StateConnecting)

	go func() {
		defer o.ops.Done()
		d := net.Dialer{}
		if laddr != nil {
			d.LocalAddr = laddr
		}
		conn, err := d.DialContext(ctx, "tcp", raddr)

		o.deliverMu.Lock()
		ic := newInputContext(o.input)
		o.mu.Lock()
		if o.epoch != epoch {
			o.mu.Unlock()
			o.deliverMu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if o.connectTimer != nil {
			o.connectTimer.Stop()
		}
		if err != nil {
			logger.Error().Msgf("%s cannot connect: %v", o.describeLocked(), err)
			o.connectErrorLocked(ConnectionRefused, ic)
		} else if o.State() == StateConnecting {
			tcpConn := conn.(*net.TCPConn)
			if la, ok := tcpConn.LocalAddr().(*net.TCPAddr); ok {
				o.localAddr = la.IP.String()
				o.localPort = uint16(la.Port)
			}
			connTime := time.Since(o.startTime)
			o.observeConnTimeLocked(connTime)
			o.retries = 0
			logger.Debug().Msgf("%s connected in %v", o.describeLocked(), connTime)
			o.setStateLocked(StateConnected)
			o.sock.start(tcpConn)
		} else {
			conn.Close()
		}
		o.mu.Unlock()
		ic.flush()
		o.deliverMu.Unlock()
	}()
}

// onConnectTimeout fires when resolve+connect overruns ConnectTimeout.
func (o *OutboundTCP) onConnectTimeout(epoch uint64) {
	o.deliverMu.Lock()
	ic := newInputContext(o.input)
	o.mu.Lock()
	if o.epoch == epoch {
		switch o.State() {
		case StateResolving, StateConnecting:
			o.connectErrorLocked(ConnectionTimeout, ic)
		}
	}
	o.mu.Unlock()
	ic.flush()
	o.deliverMu.Unlock()
}

// connectErrorLocked applies the retry policy to a failed attempt.
func (o *OutboundTCP) connectErrorLocked(err ErrorCode, ic *InputContext) {
	if o.opts.RetryCount >= 0 && o.retries >= o.opts.RetryCount {
		o.cancelAttemptLocked()
		o.failLocked(err, ic)
	} else {
		o.retries++
		o.cancelAttemptLocked()
		o.setStateLocked(StateIdle)
		o.startLocked(o.opts.RetryDelay)
	}
}

// cancelAttemptLocked invalidates the in-flight attempt: pending
// resolver and dial legs see the epoch change and do no state work.
func (o *OutboundTCP) cancelAttemptLocked() {
	o.epoch++
	if o.resolveCancel != nil {
		o.resolveCancel()
		o.resolveCancel = nil
	}
	if o.dialCancel != nil {
		o.dialCancel()
		o.dialCancel = nil
	}
	if o.connectTimer != nil {
		o.connectTimer.Stop()
		o.connectTimer = nil
	}
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

// emitData delivers one received chunk upstream.
func (o *OutboundTCP) emitData(chunk []byte) {
	o.deliverMu.Lock()
	ic := newInputContext(o.input)
	o.mu.Lock()
	if o.State() == StateConnected {
		ic.pushEvent(NewData(chunk))
	}
	o.mu.Unlock()
	ic.flush()
	o.deliverMu.Unlock()
}

// endStream terminates the flow from the socket driver: peer close,
// I/O error or timeout.
func (o *OutboundTCP) endStream(err ErrorCode, detail string) {
	o.deliverMu.Lock()
	ic := newInputContext(o.input)
	o.mu.Lock()
	if o.State() != StateConnected {
		o.mu.Unlock()
		o.deliverMu.Unlock()
		return
	}
	if err == NoError {
		logger.Debug().Msgf("%s connection closed by peer", o.describeLocked())
	} else {
		logger.Warn().Msgf("%s %s: %s", o.describeLocked(), err, detail)
	}
	o.epoch++
	o.failLocked(err, ic)
	o.mu.Unlock()

	o.sock.shutdown()
	ic.flush()
	o.deliverMu.Unlock()
}
