package lib

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	tcpReadBufferSize = 16384
	keepAlivePeriod   = 30 * time.Second
)

// socketTCP is the full-duplex driver behind OutboundTCP. Downward
// Data is queued and written by the writer goroutine; received bytes
// are delivered upstream by the reader goroutine. Events may be queued
// before the connection exists; they are flushed once start is called.
type socketTCP struct {
	owner *OutboundTCP

	mu      sync.Mutex
	cond    *sync.Cond
	buf     ChunkBuffer // queued writes
	ended   bool        // StreamEnd received from upstream
	closed  bool
	started bool
	conn    *net.TCPConn

	trafficRead  atomic.Uint64
	trafficWrite atomic.Uint64
}

func newSocketTCP(owner *OutboundTCP) *socketTCP {
	s := &socketTCP{owner: owner}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// output ingests one downward event. Data past the congestion limit
// blocks the caller until the writer drains the queue below it.
func (s *socketTCP) output(evt Event) {
	switch evt := evt.(type) {
	case *Data:
		s.mu.Lock()
		if s.closed || s.ended {
			s.mu.Unlock()
			return
		}
		s.buf.PushData(evt)
		s.cond.Broadcast()
		if limit := s.owner.opts.CongestionLimit; limit > 0 {
			for int64(s.buf.Size()) > limit && !s.closed {
				s.cond.Wait()
			}
		}
		s.mu.Unlock()
	case *StreamEnd:
		s.mu.Lock()
		if !s.closed && !s.ended {
			s.ended = true
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
	// MessageStart/MessageEnd carry no bytes on the TCP path.
}

// start hands the established connection to the driver and begins
// pumping in both directions.
func (s *socketTCP) start(conn *net.TCPConn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.started = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.owner.opts.KeepAlive {
		conn.SetKeepAlive(true)
		conn.SetKeepAlivePeriod(keepAlivePeriod)
		applySockOpts(conn, &s.owner.opts)
	}

	s.owner.ops.Add(2)
	go s.reader(conn)
	go s.writer(conn)
}

// shutdown closes the connection and releases anything blocked on the
// queue. Idempotent.
func (s *socketTCP) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *socketTCP) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// drainTraffic returns and zeroes the byte counters accumulated since
// the previous drain.
func (s *socketTCP) drainTraffic() (uint64, uint64) {
	return s.trafficRead.Swap(0), s.trafficWrite.Swap(0)
}

// readDeadline picks the next read deadline and the timeout error it
// maps to. ReadTimeout wins over IdleTimeout when both are set and
// shorter.
func (s *socketTCP) readDeadline() (time.Time, ErrorCode) {
	rt := s.owner.opts.ReadTimeout
	it := s.owner.opts.IdleTimeout
	switch {
	case rt > 0 && (it == 0 || rt <= it):
		return time.Now().Add(rt), ReadTimeout
	case it > 0:
		return time.Now().Add(it), IdleTimeout
	}
	return time.Time{}, NoError
}

func (s *socketTCP) reader(conn *net.TCPConn) {
	defer s.owner.ops.Done()
	buf := make([]byte, tcpReadBufferSize)
	for {
		deadline, cause := s.readDeadline()
		conn.SetReadDeadline(deadline)

		n, err := conn.Read(buf)
		if n > 0 {
			s.trafficRead.Add(uint64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.owner.emitData(chunk)
		}
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			switch {
			case errors.Is(err, io.EOF):
				s.owner.endStream(NoError, "")
			case isTimeout(err):
				s.owner.endStream(cause, err.Error())
			case errors.Is(err, syscall.ECONNRESET):
				s.owner.endStream(ConnectionReset, err.Error())
			default:
				s.owner.endStream(ReadError, err.Error())
			}
			return
		}
	}
}

func (s *socketTCP) writer(conn *net.TCPConn) {
	defer s.owner.ops.Done()
	for {
		s.mu.Lock()
		for s.buf.Empty() && !s.ended && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.buf.Empty() && s.ended {
			s.mu.Unlock()
			// Flushed; half-close so the peer sees our end of stream
			// while its remaining bytes keep draining upstream.
			conn.CloseWrite()
			return
		}
		data := s.buf.MoveToData()
		s.cond.Broadcast() // release congestion waiters
		s.mu.Unlock()

		if wt := s.owner.opts.WriteTimeout; wt > 0 {
			conn.SetWriteDeadline(time.Now().Add(wt))
		}
		for _, chunk := range data.Chunks() {
			n, err := conn.Write(chunk)
			if n > 0 {
				s.trafficWrite.Add(uint64(n))
			}
			if err != nil {
				if s.isClosed() || errors.Is(err, net.ErrClosed) {
					return
				}
				if isTimeout(err) {
					s.owner.endStream(WriteTimeout, err.Error())
				} else {
					s.owner.endStream(WriteError, err.Error())
				}
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
