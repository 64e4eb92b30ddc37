package mesh

import (
	"math"

	"replmesh/internal/wire"
)

// SendOptions tune one send. The zero value is a plain FIFO enqueue that
// the writer picks up on its next wakeup.
type SendOptions struct {
	// NoDelay wakes the writer immediately and flushes the stream after
	// the batch carrying this frame.
	NoDelay bool
	// NoDrop bypasses the queue caps, for traffic that must not be shed.
	NoDrop bool
	// InOrder inserts by the registered comparator within the reorder
	// lookahead instead of strictly at the tail.
	InOrder bool
	// Trace logs the frame through the writer for debugging.
	Trace bool
}

// Send queues a user message for host and wakes the writer. Delivery is
// best-effort: a connection drop discards queued traffic, and the only
// backpressure signal is ErrQueueFull.
func (m *Mesh) Send(host string, userType int, data []byte) error {
	return m.SendFlags(host, userType, data, SendOptions{NoDelay: true})
}

// SendInOrder queues a user message with comparator-based insertion, used
// by producers whose payloads carry their own ordering key (an LSN).
func (m *Mesh) SendInOrder(host string, userType int, data []byte) error {
	return m.SendFlags(host, userType, data, SendOptions{InOrder: true})
}

// SendFlags is Send with explicit options.
func (m *Mesh) SendFlags(host string, userType int, data []byte, o SendOptions) error {
	return m.sendUser(host, userType, [][]byte{data}, o)
}

// SendTails queues one user message assembled from several buffers, so
// callers with a header and a body don't copy them together first.
func (m *Mesh) SendTails(host string, userType int, o SendOptions, tails ...[]byte) error {
	return m.sendUser(host, userType, tails, o)
}

// SendToAll queues the message for every known peer except this node.
// The result maps each failed peer to its error; an empty map is total
// success.
func (m *Mesh) SendToAll(userType int, data []byte, o SendOptions) map[string]error {
	m.lock.RLock()
	hosts := make([]string, 0, len(m.order))
	for _, p := range m.order {
		if p.host != m.myhost {
			hosts = append(hosts, p.host)
		}
	}
	m.lock.RUnlock()

	failed := make(map[string]error)
	for _, h := range hosts {
		if err := m.SendFlags(h, userType, data, o); err != nil {
			failed[h] = err
		}
	}
	return failed
}

// SendDecom tells toHost that decomHost is leaving the mesh.
func (m *Mesh) SendDecom(toHost, decomHost string) error {
	p, err := m.sendTarget(canonHost(toHost))
	if err != nil {
		return err
	}
	payload, err := wire.AppendDecomName(nil, canonHost(decomHost))
	if err != nil {
		return ErrNoMem
	}
	return m.enqueueFrame(p, wire.TypeDecomName, payload, flagHead|flagNoDelay|flagNoLimit)
}

// DecomAll broadcasts decomHost's removal and forgets it locally.
func (m *Mesh) DecomAll(decomHost string) {
	decomHost = canonHost(decomHost)
	m.lock.RLock()
	hosts := make([]string, 0, len(m.order))
	for _, p := range m.order {
		if p.host != m.myhost && p.host != decomHost {
			hosts = append(hosts, p.host)
		}
	}
	m.lock.RUnlock()
	for _, h := range hosts {
		_ = m.SendDecom(h, decomHost)
	}
	m.Decom(decomHost)
}

func optFlags(o SendOptions) sendFlags {
	var f sendFlags
	if o.NoDelay {
		f |= flagNoDelay
	}
	if o.NoDrop {
		f |= flagNoLimit
	}
	if o.InOrder {
		f |= flagInOrder
	}
	if o.Trace {
		f |= flagTrace
	}
	return f
}

func (m *Mesh) sendUser(host string, userType int, tails [][]byte, o SendOptions) error {
	if userType < 0 || userType >= len(m.handlers) {
		return ErrInternal
	}
	total := 0
	for _, t := range tails {
		total += len(t)
	}
	if total > math.MaxInt32 {
		return ErrNoMem
	}

	p, err := m.sendTarget(canonHost(host))
	if err != nil {
		return err
	}

	hdr := wire.UserMsgHdr{
		UserType:   int32(userType),
		Seqnum:     m.nextSeqnum(),
		WaitForAck: 0,
		DataLen:    int32(total),
	}
	payload := make([]byte, 0, wire.UserMsgHdrLen+total)
	payload = wire.AppendUserMsgHdr(payload, hdr)
	for _, t := range tails {
		payload = append(payload, t...)
	}

	return m.sendUserFrame(p, payload, int32(userType), optFlags(o))
}

// sendTarget resolves a send's destination and applies the caller-facing
// error taxonomy, in the order the API has always reported it: unknown
// node, self, no socket, closing, then the hello gate.
func (m *Mesh) sendTarget(host string) (*Peer, error) {
	p := m.findPeer(host)
	if p == nil || p.decomFlag.Load() {
		return nil, ErrInvalidNode
	}
	if p.host == m.myhost {
		return nil, ErrSendToMe
	}
	p.mu.Lock()
	noSock := p.conn == nil
	closing := p.closed
	p.mu.Unlock()
	if noSock {
		return nil, ErrNoSock
	}
	if closing {
		return nil, ErrClosed
	}
	if !p.gotHello.Load() {
		return nil, ErrClosed
	}
	return p, nil
}

// sendUserFrame enqueues a built user payload, applying the flush-interval
// promotion: after every flushInterval sends on a peer, the next send goes
// out no-delay even when the caller didn't ask.
func (m *Mesh) sendUserFrame(p *Peer, payload []byte, userType int32, flags sendFlags) error {
	nodelay := p.q.bumpSendCount(m.tun.flushInterval.Load(), flags&flagNoDelay != 0)
	if nodelay {
		flags |= flagNoDelay
	}
	f := &qframe{
		typ:      wire.TypeUserMsg,
		flags:    flags,
		payload:  payload,
		userType: userType,
	}
	f.wireLen = wire.EnvelopeWireLen(m.envelopeFor(p, wire.TypeUserMsg)) + len(payload)
	if err := p.q.enqueue(p, f); err != nil {
		return err
	}
	if nodelay {
		p.q.wake()
	}
	return nil
}

// enqueueFrame queues an internal frame. User messages come through
// sendUserFrame; everything else skips the flush-interval accounting.
func (m *Mesh) enqueueFrame(p *Peer, t wire.Type, payload []byte, flags sendFlags) error {
	if t == wire.TypeUserMsg && flags&flagNoHelloCheck == 0 && !p.gotHello.Load() {
		return ErrClosed
	}
	f := &qframe{typ: t, flags: flags, payload: payload}
	f.wireLen = wire.EnvelopeWireLen(m.envelopeFor(p, t)) + len(payload)
	if err := p.q.enqueue(p, f); err != nil {
		return err
	}
	if flags&flagNoDelay != 0 {
		p.q.wake()
	}
	return nil
}
