package mesh

import (
	"sync"
	"time"

	"replmesh/internal/metrics"
	"replmesh/internal/wire"
)

type sendFlags uint32

const (
	// flagHead inserts at the front of the queue.
	flagHead sendFlags = 1 << iota
	// flagNoDupe drops the frame when the head frame has the same type.
	flagNoDupe
	// flagNoDelay wakes the writer and flushes the stream after the batch.
	flagNoDelay
	// flagNoLimit bypasses the count and byte caps.
	flagNoLimit
	// flagInOrder inserts by the registered comparator within the
	// reorder lookahead.
	flagInOrder
	// flagNoHelloCheck marks internal frames that may precede the hello
	// exchange.
	flagNoHelloCheck
	// flagTrace logs the frame's path for debugging.
	flagTrace
)

// qframe is one queued outbound frame. payload is everything after the
// envelope; the writer prepends the envelope with the then-current local
// identity at transmit time.
type qframe struct {
	next, prev *qframe
	typ        wire.Type
	flags      sendFlags
	payload    []byte
	wireLen    int // envelope + payload, for byte accounting
	userType   int32
	enqueued   time.Time
}

// sendQueue is the per-peer outbound FIFO. Enqueue holds mu; the writer
// detaches the whole list under mu and writes with it released, so senders
// never wait on the network.
type sendQueue struct {
	mu    sync.Mutex
	head  *qframe
	tail  *qframe
	count int64
	bytes int64

	peakCount   int64
	peakCountAt time.Time
	peakBytes   int64
	peakBytesAt time.Time

	numSends int64 // user sends since the last no-delay send
	dedupes  uint64
	fulls    uint64
	reorders uint64

	writeWake chan struct{}
	drainCh   chan struct{} // closed and replaced on every drain

	qstat Qstat
}

func (q *sendQueue) init() {
	q.writeWake = make(chan struct{}, 1)
	q.drainCh = make(chan struct{})
}

func (q *sendQueue) wake() {
	select {
	case q.writeWake <- struct{}{}:
	default:
	}
}

// enqueue applies the queue policies in the order the wire protocol has
// always used: cap check (one frame always slips through an empty queue),
// head-dedupe, then splice by flags.
func (q *sendQueue) enqueue(p *Peer, f *qframe) error {
	m := p.mesh
	maxQueue := m.tun.maxQueue.Load()
	maxBytes := m.tun.maxBytes.Load()

	q.mu.Lock()
	if q.count > 0 && f.flags&flagNoLimit == 0 &&
		(q.count >= maxQueue || q.bytes >= maxBytes) {
		q.fulls++
		q.mu.Unlock()
		metrics.QueueFull.WithLabelValues(m.service, p.host).Inc()
		return ErrQueueFull
	}

	if f.flags&flagNoDupe != 0 && q.head != nil && q.head.typ == f.typ {
		q.dedupes++
		q.mu.Unlock()
		metrics.Dedupes.WithLabelValues(m.service, p.host).Inc()
		return nil
	}

	f.enqueued = time.Now()

	switch {
	case q.head == nil:
		q.head, q.tail = f, f
	case f.flags&flagHead != 0:
		f.next = q.head
		q.head.prev = f
		q.head = f
	case f.flags&flagInOrder != 0 && m.hooks.Netcmp != nil:
		q.insertInOrder(p, f)
	default:
		f.prev = q.tail
		q.tail.next = f
		q.tail = f
	}

	if m.hooks.Qstat.Enqueue != nil && q.qstat != nil {
		m.hooks.Qstat.Enqueue(q.qstat, int(f.userType), f.wireLen)
	}

	q.count++
	q.bytes += int64(f.wireLen)
	if q.count > q.peakCount {
		q.peakCount = q.count
		q.peakCountAt = f.enqueued
	}
	if q.bytes > q.peakBytes {
		q.peakBytes = q.bytes
		q.peakBytesAt = f.enqueued
	}
	depth := q.count
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(m.service, p.host).Set(float64(depth))
	return nil
}

// insertInOrder walks backward from the tail while the new frame compares
// less than the current one, bounded by the reorder lookahead. The stream
// comes out near-sorted without scanning the whole queue; keys already past
// the window stay where they are.
func (q *sendQueue) insertInOrder(p *Peer, f *qframe) {
	m := p.mesh
	lookahead := m.tun.reorderLookahead.Load()
	cur := q.tail
	steps := int64(0)
	moved := false
	for cur != nil && m.hooks.Netcmp(f.payload, cur.payload) < 0 && steps < lookahead {
		moved = true
		cur = cur.prev
		steps++
	}
	if moved {
		q.reorders++
		metrics.Reorders.WithLabelValues(m.service, p.host).Inc()
	}
	if cur == nil {
		f.next = q.head
		q.head.prev = f
		q.head = f
		return
	}
	f.prev = cur
	f.next = cur.next
	if cur == q.tail {
		q.tail = f
	} else {
		cur.next.prev = f
	}
	cur.next = f
}

// bumpSendCount implements the flush-interval policy: every flushInterval
// user sends on a peer the next frame is promoted to no-delay.
func (q *sendQueue) bumpSendCount(interval int64, nodelay bool) bool {
	q.mu.Lock()
	q.numSends++
	if !nodelay && q.numSends > interval {
		nodelay = true
	}
	if nodelay {
		q.numSends = 0
	}
	q.mu.Unlock()
	return nodelay
}

// detach removes the whole list, resets the counters, and releases any
// throttle waiters. The writer owns the returned chain.
func (q *sendQueue) detach(p *Peer) *qframe {
	m := p.mesh
	q.mu.Lock()
	head := q.head
	q.head, q.tail = nil, nil
	q.count = 0
	q.bytes = 0
	if m.hooks.Qstat.Clear != nil && q.qstat != nil {
		m.hooks.Qstat.Clear(q.qstat)
	}
	close(q.drainCh)
	q.drainCh = make(chan struct{})
	q.mu.Unlock()
	if head != nil {
		metrics.QueueDepth.WithLabelValues(m.service, p.host).Set(0)
	}
	return head
}

// flush discards queued frames without writing them. A dropped connection
// drops its unsent traffic; that is the transport's contract.
func (q *sendQueue) flush(p *Peer) {
	_ = q.detach(p)
}

// depthUnder reports whether the queue is below pct percent of both caps,
// returning the drain channel to wait on when it is not.
func (q *sendQueue) depthUnder(m *Mesh, pct int64) (bool, chan struct{}) {
	countTh := pct * m.tun.maxQueue.Load() / 100
	bytesTh := pct * m.tun.maxBytes.Load() / 100
	q.mu.Lock()
	ok := q.count < countTh && q.bytes < bytesTh
	ch := q.drainCh
	q.mu.Unlock()
	return ok, ch
}

// ThrottleWait blocks the caller until host's queue drops below the
// throttle threshold. Bulk producers call it to leave heartbeats room.
func (m *Mesh) ThrottleWait(host string) error {
	p := m.findPeer(canonHost(host))
	if p == nil {
		return ErrInvalidNode
	}
	pct := m.tun.throttlePercent.Load()
	waited := false
	for {
		ok, ch := p.q.depthUnder(m, pct)
		if ok || m.Exiting() || p.decomFlag.Load() {
			return nil
		}
		if !waited {
			waited = true
			p.throttleWaits.Add(1)
			metrics.ThrottleWaits.WithLabelValues(m.service, p.host).Inc()
		}
		select {
		case <-ch:
		case <-time.After(time.Second):
		case <-m.halt.ReqStop.Chan:
			return ErrExiting
		}
	}
}
