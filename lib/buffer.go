package lib

// ChunkBuffer is the staging buffer for an in-progress message body.
// Appending a chunk and moving the whole buffer out as one Data are
// both O(1); no bytes are copied on either path.
type ChunkBuffer struct {
	chunks [][]byte
	size   int
}

// Push appends one chunk.
func (b *ChunkBuffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// PushData appends all chunks of a Data event.
func (b *ChunkBuffer) PushData(d *Data) {
	for _, c := range d.Chunks() {
		b.Push(c)
	}
}

// MoveToData empties the buffer and returns its contents as one Data.
func (b *ChunkBuffer) MoveToData() *Data {
	d := &Data{chunks: b.chunks, size: b.size}
	b.chunks = nil
	b.size = 0
	return d
}

// Clear drops the buffered chunks.
func (b *ChunkBuffer) Clear() {
	b.chunks = nil
	b.size = 0
}

// Size returns the buffered byte count.
func (b *ChunkBuffer) Size() int {
	return b.size
}

// Empty reports whether nothing is buffered.
func (b *ChunkBuffer) Empty() bool {
	return b.size == 0
}

// PendingQueue is the FIFO of ready-to-send datagrams. Order is
// preserved across pump rounds.
type PendingQueue struct {
	items []*Data
	head  int
}

// Push enqueues one datagram.
func (q *PendingQueue) Push(d *Data) {
	q.items = append(q.items, d)
}

// Shift dequeues the oldest datagram, or nil when empty.
func (q *PendingQueue) Shift() *Data {
	if q.head >= len(q.items) {
		return nil
	}
	d := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return d
}

// Clear drops all queued datagrams.
func (q *PendingQueue) Clear() {
	q.items = q.items[:0]
	q.head = 0
}

// Empty reports whether the queue is drained.
func (q *PendingQueue) Empty() bool {
	return q.head >= len(q.items)
}

// Len returns the number of queued datagrams.
func (q *PendingQueue) Len() int {
	return len(q.items) - q.head
}
