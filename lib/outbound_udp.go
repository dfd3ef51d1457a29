package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// OutboundUDP is an outgoing UDP flow. Downward
// MessageStart/Data*/MessageEnd groups are coalesced into exactly one
// datagram each; every received datagram is delivered upstream as one
// such group. The flow closes after IdleTimeout with no traffic in
// either direction.
type OutboundUDP struct {
	outbound
	conn     *net.UDPConn
	localUDP *net.UDPAddr // requested local endpoint, from Bind

	staging        ChunkBuffer  // in-progress message body
	pending        PendingQueue // ready-to-send datagrams
	messageStarted bool
	ended          bool
	connecting     bool // Connect called and not yet finished

	connectTimer  *time.Timer
	retryTimer    *time.Timer
	idleTimer     *time.Timer
	resolveCancel context.CancelFunc

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewOutboundUDP creates a UDP outbound delivering upward events into
// input.
func NewOutboundUDP(input Input, opts *Options) *OutboundUDP {
	o := &OutboundUDP{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	o.init(o, input, opts)
	o.opts.Protocol = UDP
	if o.opts.MaxPacketSize <= 0 {
		o.opts.MaxPacketSize = DefaultOptions().MaxPacketSize
	}
	return o
}

// Bind records the local endpoint the flow will be issued from. The
// address must be an IP literal.
func (o *OutboundUDP) Bind(ip string, port uint16) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("bind [%s]:%d: invalid address", ip, port)
	}
	o.mu.Lock()
	o.localUDP = &net.UDPAddr{IP: parsed, Port: int(port)}
	o.localAddr = parsed.String()
	o.localPort = port
	o.mu.Unlock()
	return nil
}

// Connect starts the attempt sequence toward (host, port).
func (o *OutboundUDP) Connect(host string, port uint16) {
	o.mu.Lock()
	o.host = host
	o.port = port
	o.connecting = true
	o.attachMetricsLocked()
	o.startLocked(0)
	o.mu.Unlock()
}

// Send ingests one downward event per the coalescing state machine.
func (o *OutboundUDP) Send(evt Event) {
	o.mu.Lock()
	switch evt := evt.(type) {
	case *MessageStart:
		if !o.ended {
			o.messageStarted = true
			o.staging.Clear()
		}
	case *Data:
		if o.messageStarted {
			o.staging.PushData(evt)
		}
	case *MessageEnd:
		if o.messageStarted {
			o.pending.Push(o.staging.MoveToData())
			o.messageStarted = false
			o.pumpLocked()
		}
	case *StreamEnd:
		if !o.ended {
			o.ended = true
			o.messageStarted = false
			o.pumpLocked()
		}
	}
	o.mu.Unlock()
}

// Close tears the flow down silently.
func (o *OutboundUDP) Close() {
	o.deliverMu.Lock()
	o.mu.Lock()
	if o.State() == StateClosed {
		o.mu.Unlock()
		o.deliverMu.Unlock()
		return
	}
	if o.connecting {
		o.connecting = false
		o.cancelAttemptLocked()
	} else if o.State() == StateConnected {
		o.epoch++
		if o.idleTimer != nil {
			o.idleTimer.Stop()
		}
	}
	o.messageStarted = false
	o.ended = false
	o.retries = 0
	o.staging.Clear()
	o.pending.Clear()
	conn := o.conn
	o.conn = nil
	o.closeStateLocked()
	self := o.self
	o.mu.Unlock()
	o.deliverMu.Unlock()

	o.closeDone()
	if conn != nil {
		conn.Close()
	}
	deregisterOutbound(self)
}

func (o *OutboundUDP) startLocked(delay time.Duration) {
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

func (o *OutboundUDP) resolveLocked() {
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
		if o.epoch != epoch {
			o.mu.Unlock()
			o.deliverMu.Unlock()
			return
		}
		if err != nil {
			if o.connectTimer != nil {
				o.connectTimer.Stop()
			}
			logger.Error().Msgf("%s cannot resolve hostname: %v", o.describeLocked(), err)
			o.restartLocked(CannotResolve, ic)
		} else {
			o.remoteAddr = ip.String()
			o.connectToLocked(ip)
		}
		o.mu.Unlock()
		ic.flush()
		o.deliverMu.Unlock()
	}()
}

func (o *OutboundUDP) connectToLocked(ip net.IP) {
	raddr := &net.UDPAddr{IP: ip, Port: int(o.port)}
	laddr := o.localUDP

	logger.Debug().Msgf("%s connecting...", o.describeLocked())

	epoch := o.epoch
	o.ops.Add(1)
	o.setStateLocked(StateConnecting)

	go func() {
		defer o.ops.Done()
		conn, err := net.DialUDP("udp", laddr, raddr)

		o.deliverMu.Lock()
		ic := newInputContext(o.input)
		o.mu.Lock()
		if o.epoch != epoch {
			if conn != nil && !o.connecting && o.State() == StateClosed && o.lastErr == NoError {
				// connect() completed after the user closed.
				o.lastErr = ConnectionCanceled
			}
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
			o.restartLocked(ConnectionRefused, ic)
		} else if o.connecting {
			o.conn = conn
			if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
				o.localAddr = la.IP.String()
				o.localPort = uint16(la.Port)
			}
			connTime := time.Since(o.startTime)
			o.observeConnTimeLocked(connTime)
			o.retries = 0
			o.connecting = false
			logger.Debug().Msgf("%s connected in %v", o.describeLocked(), connTime)
			o.setStateLocked(StateConnected)
			o.ops.Add(2)
			go o.receiveLoop(conn)
			go o.writeLoop(conn)
			o.pumpLocked()
			o.waitLocked()
		} else {
			// connect() completed after the user closed; tear the
			// socket down without surfacing an event.
			o.lastErr = ConnectionCanceled
			conn.Close()
		}
		o.mu.Unlock()
		ic.flush()
		o.deliverMu.Unlock()
	}()
}

// onConnectTimeout fires when resolve+connect overruns ConnectTimeout.
func (o *OutboundUDP) onConnectTimeout(epoch uint64) {
	o.deliverMu.Lock()
	ic := newInputContext(o.input)
	o.mu.Lock()
	if o.epoch == epoch {
		switch o.State() {
		case StateResolving, StateConnecting:
			o.restartLocked(ConnectionTimeout, ic)
		}
	}
	o.mu.Unlock()
	ic.flush()
	o.deliverMu.Unlock()
}

// restartLocked applies the retry policy to a failed resolve or
// connect.
func (o *OutboundUDP) restartLocked(err ErrorCode, ic *InputContext) {
	if o.opts.RetryCount >= 0 && o.retries >= o.opts.RetryCount {
		o.connecting = false
		o.cancelAttemptLocked()
		o.failLocked(err, ic)
	} else {
		o.retries++
		o.cancelAttemptLocked()
		if o.conn != nil {
			o.conn.Close()
			o.conn = nil
		}
		o.startLocked(o.opts.RetryDelay)
	}
}

func (o *OutboundUDP) cancelAttemptLocked() {
	o.epoch++
	if o.resolveCancel != nil {
		o.resolveCancel()
		o.resolveCancel = nil
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

// pumpLocked wakes the writer to drain the pending queue.
func (o *OutboundUDP) pumpLocked() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// writeLoop sends pending datagrams one at a time, folds the sent
// bytes into the traffic counters, and re-arms the idle timer after
// draining. When the upstream has ended, draining closes the flow.
func (o *OutboundUDP) writeLoop(conn *net.UDPConn) {
	defer o.ops.Done()
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if o.State() != StateConnected {
				o.mu.Unlock()
				return
			}
			d := o.pending.Shift()
			if d == nil {
				endAfterDrain := o.ended
				o.waitLocked()
				o.mu.Unlock()
				if endAfterDrain {
					o.closeWith(NoError)
					return
				}
				break
			}
			o.mu.Unlock()

			n, err := conn.Write(d.Bytes())
			if n > 0 {
				o.addTraffic(0, uint64(n))
			}
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Warn().Msgf("%s error writing to peer: %v", o.describe(), err)
				o.closeWith(WriteError)
				return
			}
		}
	}
}

// receiveLoop delivers each received datagram upstream as one
// MessageStart/Data/MessageEnd group.
func (o *OutboundUDP) receiveLoop(conn *net.UDPConn) {
	defer o.ops.Done()
	for {
		el, buf := getRecvBuffer(o.opts.MaxPacketSize)
		n, err := conn.Read(buf)
		var chunk []byte
		if n > 0 {
			chunk = make([]byte, n)
			copy(chunk, buf[:n])
		}
		putRecvBuffer(el)

		if n > 0 {
			o.addTraffic(uint64(n), 0)
			o.deliverMu.Lock()
			ic := newInputContext(o.input)
			o.mu.Lock()
			if o.State() == StateConnected {
				ic.pushEvent(&MessageStart{})
				ic.pushEvent(NewData(chunk))
				ic.pushEvent(&MessageEnd{})
				o.waitLocked()
			}
			o.mu.Unlock()
			ic.flush()
			o.deliverMu.Unlock()
		}

		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
			case errors.Is(err, io.EOF):
				logger.Debug().Msgf("%s connection closed by peer", o.describe())
				o.closeWith(NoError)
			case errors.Is(err, syscall.ECONNRESET):
				logger.Warn().Msgf("%s connection reset by peer", o.describe())
				o.closeWith(ConnectionReset)
			default:
				logger.Warn().Msgf("%s error reading from peer: %v", o.describe(), err)
				o.closeWith(ReadError)
			}
			return
		}
	}
}

// waitLocked re-arms the idle timer.
func (o *OutboundUDP) waitLocked() {
	if o.opts.IdleTimeout <= 0 {
		return
	}
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	epoch := o.epoch
	o.idleTimer = time.AfterFunc(o.opts.IdleTimeout, func() {
		o.onIdle(epoch)
	})
}

func (o *OutboundUDP) onIdle(epoch uint64) {
	o.mu.Lock()
	stale := o.epoch != epoch
	o.mu.Unlock()
	if !stale {
		o.closeWith(IdleTimeout)
	}
}

// closeWith terminates a connected flow with err surfaced upstream.
// ended and the retry counter are cleared on the way out. A later
// Send(StreamEnd) only sets ended again and wakes a writer that has
// already stopped, so teardown is not re-armed; closed stays terminal.
func (o *OutboundUDP) closeWith(err ErrorCode) {
	o.deliverMu.Lock()
	ic := newInputContext(o.input)
	o.mu.Lock()
	if o.State() != StateConnected {
		o.mu.Unlock()
		o.deliverMu.Unlock()
		return
	}
	o.staging.Clear()
	o.pending.Clear()
	o.messageStarted = false
	o.ended = false
	o.retries = 0
	o.epoch++
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	conn := o.conn
	o.conn = nil
	o.failLocked(err, ic)
	desc := o.describeLocked()
	o.mu.Unlock()

	o.closeDone()
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Error().Msgf("%s error closing socket: %v", desc, cerr)
		} else {
			logger.Debug().Msgf("%s connection closed to peer", desc)
		}
	}
	ic.flush()
	o.deliverMu.Unlock()
}

func (o *OutboundUDP) closeDone() {
	o.doneOnce.Do(func() { close(o.done) })
}

func (o *OutboundUDP) describe() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.describeLocked()
}

// addTraffic accounts UDP bytes inline; the scrape-time delta pull
// returns zero for UDP.
func (o *OutboundUDP) addTraffic(in, out uint64) {
	o.mu.Lock()
	m := o.metrics
	protocol, peer := o.labels[0], o.labels[1]
	o.mu.Unlock()
	if m != nil {
		m.addTraffic(protocol, peer, in, out)
	}
}
