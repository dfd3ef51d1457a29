package lib

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// eventSink collects upward events and exposes them as a stream for
// assertions.
type eventSink struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 256)}
}

func (s *eventSink) Input(evt Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	s.ch <- evt
}

func (s *eventSink) next(t *testing.T, timeout time.Duration) Event {
	t.Helper()
	select {
	case evt := <-s.ch:
		return evt
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for an event", timeout)
		return nil
	}
}

// nextData accumulates Data events until want bytes have arrived.
func (s *eventSink) nextData(t *testing.T, want int, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 0, want)
	deadline := time.After(timeout)
	for len(buf) < want {
		select {
		case evt := <-s.ch:
			d, ok := evt.(*Data)
			if !ok {
				t.Fatalf("expected Data, got %T", evt)
			}
			buf = append(buf, d.Bytes()...)
		case <-deadline:
			t.Fatalf("timed out with %d of %d bytes", len(buf), want)
		}
	}
	return buf
}

func (s *eventSink) expectStreamEnd(t *testing.T, want ErrorCode, timeout time.Duration) {
	t.Helper()
	evt := s.next(t, timeout)
	se, ok := evt.(*StreamEnd)
	if !ok {
		t.Fatalf("expected StreamEnd, got %T", evt)
	}
	if se.Err != want {
		t.Errorf("expected StreamEnd %s, got %s", want, se.Err)
	}
}

func (s *eventSink) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case evt := <-s.ch:
		t.Fatalf("expected no further events, got %T", evt)
	case <-time.After(d):
	}
}

// waitState polls until the outbound reaches want.
func waitState(t *testing.T, o Outbound, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("outbound did not reach %s within %v (state = %s)", want, timeout, o.State())
}

// waitOps asserts that every in-flight async leg released its
// reference.
func waitOps(t *testing.T, o *outbound, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		o.ops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("in-flight operations did not drain")
	}
}

// tcpEchoServer echoes every byte back and closes the connection when
// the client half-closes.
func tcpEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// udpEchoServer echoes datagrams and reports each received payload on
// the returned channel.
func udpEchoServer(t *testing.T) (net.PacketConn, chan []byte) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	received := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			received <- payload
			pc.WriteTo(payload, addr)
		}
	}()
	t.Cleanup(func() { pc.Close() })
	return pc, received
}

// reservedDeadPort returns a port that was just released, so nothing
// listens on it.
func reservedDeadPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := addrPort(t, ln.Addr())
	ln.Close()
	return port
}

func addrPort(t *testing.T, addr net.Addr) uint16 {
	t.Helper()
	switch a := addr.(type) {
	case *net.TCPAddr:
		return uint16(a.Port)
	case *net.UDPAddr:
		return uint16(a.Port)
	}
	t.Fatalf("unexpected address type %T", addr)
	return 0
}

// gatherFamily returns the metric family with the given name from the
// default gatherer, or nil.
func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// gatherValue returns the sample for the given peer label, reading
// gauges, counters and histogram sample counts alike.
func gatherValue(t *testing.T, name, peer string) (float64, bool) {
	t.Helper()
	mf := gatherFamily(t, name)
	if mf == nil {
		return 0, false
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "peer" && lp.GetValue() == peer {
				switch {
				case m.GetGauge() != nil:
					return m.GetGauge().GetValue(), true
				case m.GetCounter() != nil:
					return m.GetCounter().GetValue(), true
				case m.GetHistogram() != nil:
					return float64(m.GetHistogram().GetSampleCount()), true
				}
			}
		}
	}
	return 0, false
}
