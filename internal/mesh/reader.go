package mesh

import (
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/metrics"
	"replmesh/internal/wire"
)

// readerLoop consumes frames until the socket dies, dispatching each by
// envelope type. Any read error feeds the peer state machine — never the
// application — and the connect thread redials.
func (p *Peer) readerLoop(gen uint64) {
	m := p.mesh
	if m.hooks.StartThread != nil {
		m.hooks.StartThread()
	}
	defer func() {
		if m.hooks.StopThread != nil {
			m.hooks.StopThread()
		}
	}()

	rw := p.currentRW(gen)

	for rw != nil {
		if p.workerShouldExit(gen) {
			break
		}
		env, err := wire.ReadEnvelope(rw.Reader)
		if err != nil {
			// Log only the first failure; distress throttles the spam a
			// flapping link would otherwise produce.
			if p.distress.Add(1) == 1 && !m.Exiting() && !p.decomFlag.Load() {
				m.log.Info("read error, entering distress",
					zap.String("peer", p.host), zap.Error(err))
			}
			break
		}
		if n := p.distress.Swap(0); n > 0 {
			m.log.Info("leaving distress",
				zap.String("peer", p.host), zap.Int64("cycles", n))
		}

		// Any inbound frame proves liveness, not just heartbeats.
		p.touchRx()

		if perr := p.dispatch(rw.Reader, env); perr != nil {
			m.log.Error("protocol error",
				zap.String("peer", p.host),
				zap.Stringer("type", env.Type),
				zap.Error(perr))
			break
		}
	}

	p.mu.Lock()
	p.haveReader = false
	p.closeSocketLocked("reader exit")
	p.releaseSocketLocked()
	p.mu.Unlock()
}

func (p *Peer) dispatch(r io.Reader, env wire.Envelope) error {
	m := p.mesh
	switch env.Type {
	case wire.TypeHeartbeat:
		// Nothing beyond the timestamp touch.
		return nil

	case wire.TypeHello:
		peers, err := wire.ReadHello(r)
		if err != nil {
			return err
		}
		m.integrateHello(p, peers)
		p.gotHello.Store(true)
		if m.hooks.Hello != nil {
			m.hooks.Hello(p.host)
		}
		m.sendHelloReply(p)
		return nil

	case wire.TypeHelloReply:
		peers, err := wire.ReadHello(r)
		if err != nil {
			return err
		}
		m.integrateHello(p, peers)
		p.gotHello.Store(true)
		return nil

	case wire.TypeDecom:
		// Node-number decom from the numeric era: consume and ignore.
		var b [4]byte
		_, err := io.ReadFull(r, b[:])
		return err

	case wire.TypeDecomName:
		host, err := wire.ReadDecomName(r)
		if err != nil {
			return err
		}
		m.Decom(host)
		return nil

	case wire.TypeUserMsg:
		return p.readUserMsg(r)

	case wire.TypeAck:
		a, err := wire.ReadAck(r, false)
		if err != nil {
			return err
		}
		p.completeWait(a)
		return nil

	case wire.TypeAckPayload:
		a, err := wire.ReadAck(r, true)
		if err != nil {
			return err
		}
		p.completeWait(a)
		return nil

	default:
		m.log.Error("unknown frame type",
			zap.String("peer", p.host), zap.Int32("type", int32(env.Type)))
		return nil
	}
}

func (p *Peer) readUserMsg(r io.Reader) error {
	m := p.mesh
	hdr, err := wire.ReadUserMsgHdr(r)
	if err != nil {
		return err
	}
	n := int(hdr.DataLen)
	var body []byte
	if n <= cap(p.scratch) {
		body = p.scratch[:n]
	} else {
		body = make([]byte, n)
	}
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	h, reg := m.handler(hdr.UserType)
	if h == nil {
		// No handler: drop the body. A sender waiting for an ack times
		// out; that is the contract for unregistered types.
		m.log.Debug("no handler for user type",
			zap.String("peer", p.host), zap.Int32("usertype", hdr.UserType))
		return nil
	}

	var ack *AckState
	if hdr.WaitForAck != 0 {
		ack = &AckState{mesh: m, host: p.host, seqnum: hdr.Seqnum}
	}

	// The liveness check must not kill this socket out from under a
	// handler that is still running on it.
	p.runningUserFunc.Store(true)
	start := time.Now()
	reg.fn(ack, p.host, int(hdr.UserType), body)
	elapsed := time.Since(start)
	p.runningUserFunc.Store(false)

	h.calls.Add(1)
	h.totalUS.Add(uint64(elapsed.Microseconds()))
	name := reg.name
	if name == "" {
		name = "user_" + strconv.Itoa(int(hdr.UserType))
	}
	metrics.HandlerCalls.WithLabelValues(m.service, name).Inc()
	metrics.HandlerSeconds.WithLabelValues(m.service, name).Add(elapsed.Seconds())
	return nil
}
