package mesh

import (
	"bufio"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/wire"
)

// writerLoop drains the send queue onto the socket. One writer runs per
// live socket; it owns the bufio writer half. Every frame's envelope is
// built at transmit time with the current local identity — queued frames
// only carry type and payload.
func (p *Peer) writerLoop(gen uint64) {
	m := p.mesh
	if m.hooks.StartThread != nil {
		m.hooks.StartThread()
	}
	defer func() {
		if m.hooks.StopThread != nil {
			m.hooks.StopThread()
		}
	}()

	// Open with our peer list; the other side reciprocates and the hello
	// exchange gates user traffic.
	m.sendHello(p)

	for {
		if p.workerShouldExit(gen) {
			break
		}
		head := p.q.detach(p)
		if head == nil {
			select {
			case <-p.q.writeWake:
			case <-time.After(time.Duration(m.tun.writerPoll.Load())):
			case <-m.halt.ReqStop.Chan:
			}
			continue
		}

		rw := p.currentRW(gen)
		start := time.Now()
		var batchFlags sendFlags
		var maxAge time.Duration
		var werr error
		frames := 0
		for f := head; f != nil; f = f.next {
			if rw == nil || werr != nil {
				continue // socket died mid-batch; drop the rest
			}
			frames++
			batchFlags |= f.flags
			if f.flags&flagNoDelay != 0 {
				if age := time.Since(f.enqueued); age > maxAge {
					maxAge = age
				}
			}
			werr = p.writeFrame(rw, f)
			if werr == nil && f.flags&flagTrace != 0 {
				m.log.Debug("wrote frame",
					zap.String("peer", p.host),
					zap.Stringer("type", f.typ),
					zap.Int("bytes", f.wireLen))
			}
		}
		if werr == nil && rw != nil && batchFlags&flagNoDelay != 0 {
			werr = rw.Writer.Flush()
		}
		if elapsed := time.Since(start); elapsed >= 2*time.Second {
			m.log.Warn("slow write batch",
				zap.String("peer", p.host),
				zap.Int("frames", frames),
				zap.Duration("elapsed", elapsed),
				zap.Duration("max_frame_age", maxAge))
		}
		if werr != nil {
			m.log.Info("write error", zap.String("peer", p.host), zap.Error(werr))
			p.mu.Lock()
			p.closeSocketLocked("write error")
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.haveWriter = false
	p.closeSocketLocked("writer exit")
	p.releaseSocketLocked()
	p.mu.Unlock()
}

// writeFrame sends one frame: a freshly built envelope, then the payload.
func (p *Peer) writeFrame(rw *bufio.ReadWriter, f *qframe) error {
	env := wire.Envelope{
		FromHost: p.mesh.myhost,
		FromPort: int32(p.mesh.myport),
		ToHost:   p.host,
		ToPort:   p.port.Load(),
		Type:     f.typ,
	}
	hdr, err := wire.AppendEnvelope(nil, env)
	if err != nil {
		return err
	}
	if _, err := rw.Writer.Write(hdr); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := rw.Writer.Write(f.payload); err != nil {
			return err
		}
	}
	return nil
}

// workerShouldExit is the cooperative stop test readers and writers run at
// the top of every loop body.
func (p *Peer) workerShouldExit(gen uint64) bool {
	if p.mesh.Exiting() || p.decomFlag.Load() {
		return true
	}
	p.mu.Lock()
	stop := p.gen != gen || p.closed || p.conn == nil
	p.mu.Unlock()
	return stop
}

// currentRW returns the stream for this worker generation, nil once the
// socket is closing.
func (p *Peer) currentRW(gen uint64) *bufio.ReadWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.closed || p.rw == nil {
		return nil
	}
	return p.rw
}
