package mesh

import (
	"time"

	"replmesh/internal/metrics"
	"replmesh/internal/wire"
)

// ackWait is one outstanding synchronous send. The reader completes it;
// the sender owns removal.
type ackWait struct {
	seqnum  int32
	done    chan struct{}
	outrc   int32
	payload []byte
	acked   bool
	failed  bool
}

func (p *Peer) addWait(seq int32) *ackWait {
	w := &ackWait{seqnum: seq, done: make(chan struct{})}
	p.wmu.Lock()
	p.waits[seq] = w
	p.wmu.Unlock()
	return w
}

func (p *Peer) removeWait(seq int32) {
	p.wmu.Lock()
	delete(p.waits, seq)
	p.wmu.Unlock()
}

// completeWait hands an inbound ack to whoever is blocked on its seqnum.
// Acks for unknown seqnums (late arrivals after a timeout) are dropped.
func (p *Peer) completeWait(a wire.Ack) {
	p.wmu.Lock()
	w := p.waits[a.Seqnum]
	if w != nil && !w.acked {
		w.acked = true
		w.outrc = a.OutRC
		if a.Payload != nil {
			w.payload = append([]byte(nil), a.Payload...)
		}
		close(w.done)
	}
	p.wmu.Unlock()
}

// failWaiters aborts every outstanding wait; only peer destruction calls
// it. A mere socket drop lets waiters run out their own clocks, as the
// protocol has always done.
func (p *Peer) failWaiters() {
	p.wmu.Lock()
	for seq, w := range p.waits {
		if !w.acked {
			w.acked = true
			w.failed = true
			close(w.done)
		}
		delete(p.waits, seq)
	}
	p.wmu.Unlock()
}

// AckState is the handle a handler uses to answer a synchronous send. It
// stays valid after the handler returns, so work can be acked from another
// goroutine.
type AckState struct {
	mesh   *Mesh
	host   string
	seqnum int32
}

// Ack sends the handler's return code back to the waiting sender. rc must
// be >= 0; negative codes are reserved for transport errors and the sender
// will see ErrInvalidAckRC.
func (a *AckState) Ack(rc int) error {
	return a.send(rc, nil)
}

// AckPayload is Ack with a small response body, capped at
// wire.MaxAckPayload bytes.
func (a *AckState) AckPayload(rc int, payload []byte) error {
	if len(payload) == 0 || len(payload) > wire.MaxAckPayload {
		return ErrNoMem
	}
	return a.send(rc, payload)
}

func (a *AckState) send(rc int, payload []byte) error {
	p := a.mesh.findPeer(a.host)
	if p == nil {
		return ErrInvalidNode
	}
	t := wire.TypeAck
	if payload != nil {
		t = wire.TypeAckPayload
	}
	body, err := wire.AppendAck(nil, wire.Ack{Seqnum: a.seqnum, OutRC: int32(rc), Payload: payload})
	if err != nil {
		return ErrNoMem
	}
	return a.mesh.enqueueFrame(p, t, body, flagNoDelay|flagNoHelloCheck)
}

// SendWithAck writes a user message and blocks until the remote handler
// acks it or wait elapses. The returned code is exactly what the handler
// passed to Ack.
func (m *Mesh) SendWithAck(host string, userType int, data []byte, wait time.Duration) (int, error) {
	rc, _, err := m.sendAck(host, userType, data, wait, false)
	return rc, err
}

// SendWithPayloadAck is SendWithAck for handlers that answer with
// AckPayload; the response body comes back with the code.
func (m *Mesh) SendWithPayloadAck(host string, userType int, data []byte, wait time.Duration) (int, []byte, error) {
	return m.sendAck(host, userType, data, wait, true)
}

func (m *Mesh) sendAck(host string, userType int, data []byte, wait time.Duration, wantPayload bool) (int, []byte, error) {
	p, err := m.sendTarget(canonHost(host))
	if err != nil {
		return 0, nil, err
	}

	// Hold the peer across the wait so decom cannot tear the wait list
	// out from under the blocked sender.
	p.acquire()
	defer p.release()

	seq := m.nextSeqnum()
	w := p.addWait(seq)

	hdr := wire.UserMsgHdr{
		UserType:   int32(userType),
		Seqnum:     seq,
		WaitForAck: 1,
		DataLen:    int32(len(data)),
	}
	payload := wire.AppendUserMsgHdr(nil, hdr)
	payload = append(payload, data...)

	if err := m.sendUserFrame(p, payload, int32(userType), flagNoDelay); err != nil {
		p.removeWait(seq)
		return 0, nil, err
	}

	select {
	case <-w.done:
	case <-time.After(wait):
	case <-m.halt.ReqStop.Chan:
		p.removeWait(seq)
		return 0, nil, ErrExiting
	}

	p.wmu.Lock()
	acked := w.acked
	failed := w.failed
	rc := w.outrc
	pay := w.payload
	delete(p.waits, seq)
	p.wmu.Unlock()

	if !acked {
		metrics.AckTimeouts.WithLabelValues(m.service, p.host).Inc()
		return 0, nil, ErrTimeout
	}
	if failed {
		return 0, nil, ErrClosed
	}
	if rc < 0 {
		// Handlers may only ack with >= 0; negatives would be
		// indistinguishable from transport failures.
		return 0, nil, ErrInvalidAckRC
	}
	if !wantPayload {
		return int(rc), nil, nil
	}
	return int(rc), pay, nil
}
