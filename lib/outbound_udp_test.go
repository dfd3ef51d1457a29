package lib

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func TestUDPEchoAndIdleTimeout(t *testing.T) {
	pc, _ := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{
		Protocol:      UDP,
		MaxPacketSize: 1500,
		IdleTimeout:   300 * time.Millisecond,
	})
	o.Connect("127.0.0.1", port)

	o.Send(&MessageStart{})
	o.Send(NewData([]byte{0x01, 0x02, 0x03}))
	o.Send(&MessageEnd{})

	if _, ok := sink.next(t, 2*time.Second).(*MessageStart); !ok {
		t.Fatal("expected MessageStart")
	}
	d, ok := sink.next(t, 2*time.Second).(*Data)
	if !ok || !bytes.Equal(d.Bytes(), []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("expected Data 010203, got %#v", d)
	}
	if _, ok := sink.next(t, 2*time.Second).(*MessageEnd); !ok {
		t.Fatal("expected MessageEnd")
	}

	// No traffic in either direction closes the flow.
	sink.expectStreamEnd(t, IdleTimeout, 2*time.Second)
	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	sink.expectSilence(t, 100*time.Millisecond)
	waitOps(t, &o.outbound, 2*time.Second)
}

func TestUDPCoalescing(t *testing.T) {
	pc, received := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{Protocol: UDP, MaxPacketSize: 1500})
	t.Cleanup(o.Close)
	o.Connect("127.0.0.1", port)

	o.Send(&MessageStart{})
	o.Send(NewData([]byte("ab")))
	o.Send(NewData([]byte("cd")))
	o.Send(&MessageEnd{})

	select {
	case payload := <-received:
		if string(payload) != "abcd" {
			t.Errorf("expected one datagram abcd, got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}

	// Nothing further was sent; the group became exactly one datagram.
	select {
	case payload := <-received:
		t.Errorf("unexpected extra datagram %q", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUDPMessageFramingParity(t *testing.T) {
	pc, _ := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{Protocol: UDP, MaxPacketSize: 1500})
	t.Cleanup(o.Close)
	o.Connect("127.0.0.1", port)

	for i := 0; i < 3; i++ {
		o.Send(&MessageStart{})
		o.Send(NewData([]byte{byte(i)}))
		o.Send(&MessageEnd{})
	}

	// Each datagram comes back as exactly one
	// MessageStart/Data/MessageEnd group.
	starts, ends := 0, 0
	deadline := time.After(2 * time.Second)
	for ends < 3 {
		select {
		case evt := <-sink.ch:
			switch evt.(type) {
			case *MessageStart:
				starts++
			case *MessageEnd:
				ends++
			case *StreamEnd:
				t.Fatal("unexpected StreamEnd")
			}
		case <-deadline:
			t.Fatalf("timed out with %d starts, %d ends", starts, ends)
		}
	}
	if starts != ends {
		t.Errorf("MessageStart count %d != MessageEnd count %d", starts, ends)
	}
}

func TestUDPStreamEndFlushesThenCloses(t *testing.T) {
	pc, received := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{Protocol: UDP, MaxPacketSize: 1500})
	o.Connect("127.0.0.1", port)

	o.Send(&MessageStart{})
	o.Send(NewData([]byte("bye")))
	o.Send(&MessageEnd{})
	o.Send(&StreamEnd{Err: NoError})

	select {
	case payload := <-received:
		if string(payload) != "bye" {
			t.Errorf("expected bye, got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending datagram was not flushed before close")
	}

	// The close follows the flush; the echoed datagram may or may not
	// make it back first.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sink.ch:
			if se, ok := evt.(*StreamEnd); ok {
				if se.Err != NoError {
					t.Errorf("expected NoError, got %s", se.Err)
				}
				if o.State() != StateClosed {
					t.Errorf("expected closed, got %s", o.State())
				}
				waitOps(t, &o.outbound, 2*time.Second)
				return
			}
		case <-deadline:
			t.Fatal("StreamEnd never arrived")
		}
	}
}

func TestUDPMaxPacketSizeDatagram(t *testing.T) {
	pc, received := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	const size = 2048
	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{Protocol: UDP, MaxPacketSize: size})
	t.Cleanup(o.Close)
	o.Connect("127.0.0.1", port)

	payload := bytes.Repeat([]byte{0xAA}, size)
	o.Send(&MessageStart{})
	o.Send(NewData(payload))
	o.Send(&MessageEnd{})

	select {
	case got := <-received:
		if len(got) != size {
			t.Fatalf("expected %d bytes, got %d", size, len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}

	// A datagram of exactly MaxPacketSize is received whole.
	if _, ok := sink.next(t, 2*time.Second).(*MessageStart); !ok {
		t.Fatal("expected MessageStart")
	}
	if got := sink.nextData(t, size, 2*time.Second); !bytes.Equal(got, payload) {
		t.Error("echoed payload mismatch")
	}
	if _, ok := sink.next(t, 2*time.Second).(*MessageEnd); !ok {
		t.Fatal("expected MessageEnd")
	}
}

func TestUDPDataOutsideMessageIsDropped(t *testing.T) {
	pc, received := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{Protocol: UDP, MaxPacketSize: 1500})
	t.Cleanup(o.Close)
	o.Connect("127.0.0.1", port)

	// Data with no MessageStart does not form a datagram.
	o.Send(NewData([]byte("stray")))
	o.Send(&MessageEnd{})

	select {
	case payload := <-received:
		t.Errorf("unexpected datagram %q", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUDPResolveFailureRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	r := NewResolver(func(ctx context.Context, host string) ([]net.IP, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("NXDOMAIN")
	})

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{
		Protocol:   UDP,
		RetryCount: 1,
		RetryDelay: 10 * time.Millisecond,
		Resolver:   r,
	})
	o.Connect("nxdomain.test", 80)

	sink.expectStreamEnd(t, CannotResolve, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected 2 resolve attempts, got %d", attempts)
	}
	waitOps(t, &o.outbound, 2*time.Second)
}

func TestUDPUserCloseIsSilent(t *testing.T) {
	pc, _ := udpEchoServer(t)
	port := addrPort(t, pc.LocalAddr())

	sink := newEventSink()
	o := NewOutboundUDP(sink, &Options{Protocol: UDP, MaxPacketSize: 1500})
	o.Connect("127.0.0.1", port)
	waitState(t, o, StateConnected, 2*time.Second)

	o.Close()

	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	sink.expectSilence(t, 100*time.Millisecond)

	// A post-close Send must not re-arm teardown.
	o.Send(&StreamEnd{Err: NoError})
	sink.expectSilence(t, 50*time.Millisecond)
	waitOps(t, &o.outbound, 2*time.Second)
}
