package lib

// Framed events exchanged between the outbound core and the pipeline.
// Downward events arrive through Outbound.Send; upward events are
// delivered through the Input sink the outbound was constructed with.

// ErrorCode classifies how a stream ended. It travels on StreamEnd and
// is also recorded on the outbound as its last error.
type ErrorCode int

const (
	NoError ErrorCode = iota // peer-initiated clean close
	CannotResolve
	ConnectionRefused
	ConnectionTimeout
	ConnectionReset
	ConnectionCanceled
	ReadError
	ReadTimeout
	WriteError
	WriteTimeout
	IdleTimeout
	Unauthorized // reserved
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NoError"
	case CannotResolve:
		return "CannotResolve"
	case ConnectionRefused:
		return "ConnectionRefused"
	case ConnectionTimeout:
		return "ConnectionTimeout"
	case ConnectionReset:
		return "ConnectionReset"
	case ConnectionCanceled:
		return "ConnectionCanceled"
	case ReadError:
		return "ReadError"
	case ReadTimeout:
		return "ReadTimeout"
	case WriteError:
		return "WriteError"
	case WriteTimeout:
		return "WriteTimeout"
	case IdleTimeout:
		return "IdleTimeout"
	case Unauthorized:
		return "Unauthorized"
	}
	return "Unknown"
}

// Event is one frame of a stream. The concrete types are MessageStart,
// Data, MessageEnd and StreamEnd.
type Event interface {
	isEvent()
}

// MessageStart opens a message group. On the UDP path a
// MessageStart/Data*/MessageEnd group maps to exactly one datagram.
type MessageStart struct{}

// MessageEnd closes a message group.
type MessageEnd struct{}

// StreamEnd terminates a stream. Err is NoError on a clean peer close.
type StreamEnd struct {
	Err ErrorCode
}

// Data carries a list of byte chunks. Chunks handed to Push are owned
// by the Data afterwards and must not be modified by the caller.
type Data struct {
	chunks [][]byte
	size   int
}

func (*MessageStart) isEvent() {}
func (*MessageEnd) isEvent()   {}
func (*StreamEnd) isEvent()    {}
func (*Data) isEvent()         {}

// NewData builds a Data event from the given chunks.
func NewData(chunks ...[]byte) *Data {
	d := &Data{}
	for _, c := range chunks {
		d.Push(c)
	}
	return d
}

// Push appends one chunk.
func (d *Data) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	d.chunks = append(d.chunks, chunk)
	d.size += len(chunk)
}

// Size returns the total byte count across all chunks.
func (d *Data) Size() int {
	return d.size
}

// Chunks returns the chunk list without copying.
func (d *Data) Chunks() [][]byte {
	return d.chunks
}

// Bytes flattens the chunks into one contiguous slice.
func (d *Data) Bytes() []byte {
	if len(d.chunks) == 1 {
		return d.chunks[0]
	}
	buf := make([]byte, 0, d.size)
	for _, c := range d.chunks {
		buf = append(buf, c...)
	}
	return buf
}

// Input is the upward event sink an outbound delivers into.
type Input interface {
	Input(evt Event)
}

// InputFunc adapts a function to the Input interface.
type InputFunc func(evt Event)

func (f InputFunc) Input(evt Event) { f(evt) }

// InputContext batches upward deliveries and follow-up actions (such as
// deregistration) produced inside one async completion; state-change
// callbacks are not batched and fire inline from setStateLocked. Everything pushed while the
// outbound's mutex is held runs in insertion order from flush, after
// the mutex is released, so a single I/O completion produces a single
// atomic delivery and the pipeline never re-enters the outbound's
// critical section.
type InputContext struct {
	sink    Input
	pending []func()
}

func newInputContext(sink Input) *InputContext {
	return &InputContext{sink: sink}
}

// pushEvent queues one upward event.
func (ic *InputContext) pushEvent(evt Event) {
	ic.pending = append(ic.pending, func() { ic.sink.Input(evt) })
}

// pushFunc queues an arbitrary action, keeping its order relative to
// queued events.
func (ic *InputContext) pushFunc(f func()) {
	ic.pending = append(ic.pending, f)
}

// flush runs the queued actions in insertion order. Must be called
// with no outbound locks held.
func (ic *InputContext) flush() {
	pending := ic.pending
	ic.pending = nil
	for _, f := range pending {
		f()
	}
}
