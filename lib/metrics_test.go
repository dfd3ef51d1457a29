package lib

import (
	"testing"
	"time"
)

func TestConnTimeBuckets(t *testing.T) {
	buckets := connTimeBuckets()
	if len(buckets) != 20 {
		t.Fatalf("expected 20 buckets, got %d", len(buckets))
	}
	expected := []float64{1, 2, 3, 5, 7, 11, 17, 25, 38, 57}
	for i, want := range expected {
		if buckets[i] != want {
			t.Errorf("bucket %d: expected %g, got %g", i, want, buckets[i])
		}
	}
	if buckets[19] != 3325 {
		t.Errorf("last bucket: expected 3325, got %g", buckets[19])
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			t.Fatalf("buckets not strictly increasing at %d: %g <= %g", i, buckets[i], buckets[i-1])
		}
	}
}

func TestPeerLabel(t *testing.T) {
	if got := peerLabel("example.test", 8080); got != "[example.test]:8080" {
		t.Errorf("expected [example.test]:8080, got %q", got)
	}
}

func TestMetricsGaugeTracksRegistry(t *testing.T) {
	ln := tcpEchoServer(t)
	port := addrPort(t, ln.Addr())
	peer := peerLabel("127.0.0.1", port)

	sink := newEventSink()
	a := NewOutboundTCP(sink, nil)
	b := NewOutboundTCP(newEventSink(), nil)
	a.Connect("127.0.0.1", port)
	b.Connect("127.0.0.1", port)
	waitState(t, a, StateConnected, 2*time.Second)
	waitState(t, b, StateConnected, 2*time.Second)

	if v, ok := gatherValue(t, "outbound_count", peer); !ok || v != 2 {
		t.Errorf("expected outbound_count 2, got %v (present=%v)", v, ok)
	}

	b.Close()
	if v, ok := gatherValue(t, "outbound_count", peer); !ok || v != 1 {
		t.Errorf("expected outbound_count 1 after one close, got %v (present=%v)", v, ok)
	}

	a.Close()
	if v, ok := gatherValue(t, "outbound_count", peer); ok && v != 0 {
		t.Errorf("expected outbound_count gone after both closed, got %v", v)
	}
}

func TestMetricsTotalsAccumulate(t *testing.T) {
	ln := tcpEchoServer(t)
	port := addrPort(t, ln.Addr())

	before := OutboundMetrics().TotalIn()

	sink := newEventSink()
	o := NewOutboundTCP(sink, nil)
	o.Connect("127.0.0.1", port)

	payload := []byte("accounting")
	o.Send(NewData(payload))
	sink.nextData(t, len(payload), 2*time.Second)

	o.Close()

	// Teardown folds the unscraped deltas, so nothing is lost between
	// the last scrape and the close.
	after := OutboundMetrics().TotalIn()
	if after < before+uint64(len(payload)) {
		t.Errorf("expected TotalIn to grow by >= %d, got %d -> %d", len(payload), before, after)
	}
}
