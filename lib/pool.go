package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

const (
	recvPoolSize    = 256
	recvPayloadSize = 65536 // accommodate the largest possible datagram
)

var (
	emptySlice   = make([]byte, recvPayloadSize)
	recvPool     *rp.RingPool
	recvPoolOnce sync.Once
)

func ensureRecvPool() {
	recvPoolOnce.Do(func() {
		recvPool = rp.NewRingPool("outbound: ", recvPoolSize, NewPayload, recvPayloadSize)
	})
}

// Payload is one receive buffer chunk managed by the ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The single parameter is the
// buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logger.Error().Msg("NewPayload: invalid number of calling parameters, should be only one: bufferLength")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		logger.Error().Msg("NewPayload: bufferLength should be of type int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent sets the content of the payload.
func (p *Payload) SetContent(s string) {
	p.payloadBytes = []byte(s)
	p.length = len(s)
}

// Reset resets the content of the payload.
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// getRecvBuffer leases a receive buffer of n bytes. Requests beyond
// the pool's chunk size fall back to a direct allocation with a nil
// element.
func getRecvBuffer(n int) (*rp.Element, []byte) {
	if n > recvPayloadSize {
		return nil, make([]byte, n)
	}
	ensureRecvPool()
	el := recvPool.GetElement()
	if el == nil {
		return nil, make([]byte, n)
	}
	return el, el.Data.(*Payload).payloadBytes[:n]
}

// putRecvBuffer returns a leased buffer to the pool.
func putRecvBuffer(el *rp.Element) {
	if el != nil {
		recvPool.ReturnElement(el)
	}
}
