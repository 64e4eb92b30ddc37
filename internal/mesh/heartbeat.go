package mesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/metrics"
	"replmesh/internal/wire"
)

// heartbeatSendLoop enqueues a heartbeat to every connected peer each send
// interval. The flag set makes a heartbeat jump the queue, collapse against
// one already at the head, flush immediately, and ignore backpressure.
func (m *Mesh) heartbeatSendLoop() {
	for {
		select {
		case <-time.After(time.Duration(m.tun.heartbeatSend.Load())):
		case <-m.halt.ReqStop.Chan:
			return
		}
		if m.Exiting() {
			return
		}
		m.lock.RLock()
		for _, p := range m.order {
			if p.host == m.myhost || !p.hasConn() {
				continue
			}
			f := &qframe{
				typ:   wire.TypeHeartbeat,
				flags: flagHead | flagNoDupe | flagNoDelay | flagNoLimit | flagNoHelloCheck,
			}
			f.wireLen = wire.EnvelopeWireLen(m.envelopeFor(p, wire.TypeHeartbeat))
			if err := p.q.enqueue(p, f); err == nil {
				p.q.wake()
			}
		}
		m.lock.RUnlock()
	}
}

// heartbeatCheckLoop scans every second for peers whose sockets have gone
// quiet and kills them so the dial loop reconnects, preferring a different
// subnet. It also refreshes the name-service registration.
//
// The scan closes sockets while holding the mesh read lock; that is safe
// only because closeSocketLocked never takes the mesh lock.
func (m *Mesh) heartbeatCheckLoop() {
	lastRegister := time.Now()
	for {
		select {
		case <-time.After(time.Second):
		case <-m.halt.ReqStop.Chan:
			return
		}
		if m.Exiting() {
			return
		}

		checkTime := time.Duration(m.tun.heartbeatCheck.Load())
		now := time.Now()

		m.lock.RLock()
		for _, p := range m.order {
			if p.host == m.myhost {
				continue
			}
			if p.runningUserFunc.Load() {
				continue
			}
			last := p.lastRx.Load()
			p.mu.Lock()
			stale := p.conn != nil && !p.closed && last > 0 &&
				now.Sub(time.Unix(0, last)) > checkTime
			idx := p.subnetIdx
			if stale {
				p.closeSocketLocked("heartbeat timeout")
			}
			p.mu.Unlock()
			if stale {
				m.subnets.markBad(idx)
				metrics.SocketKills.WithLabelValues(m.service, p.host).Inc()
				m.log.Warn("peer silent past heartbeat check",
					zap.String("peer", p.host),
					zap.Duration("check_time", checkTime))
				if m.hooks.HostDown != nil {
					m.hooks.HostDown(p.host)
				}
			}
		}
		m.lock.RUnlock()

		if m.registrar != nil && m.parent == nil &&
			now.Sub(lastRegister) > time.Duration(m.tun.registerInterval.Load()) {
			lastRegister = now
			m.reregister()
		}
	}
}

// reregister refreshes the port registration. A registration that has
// diverged — the name service resolving our own triple to a different
// port — is unrecoverable misconfiguration and fatal.
func (m *Mesh) reregister() {
	ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
	defer cancel()
	if m.resolver != nil {
		port, err := m.resolver.Resolve(ctx, m.myhost, m.app, m.service, m.instance)
		if err == nil && port != 0 && port != m.myport {
			m.log.Fatal("name service diverged from listen port",
				zap.Int("registered", port), zap.Int("listening", m.myport))
		}
	}
	if err := m.registrar.Register(ctx, m.myhost, m.app, m.service, m.instance, m.myport); err != nil {
		m.log.Warn("port re-registration failed", zap.Error(err))
	}
}

func (m *Mesh) envelopeFor(p *Peer, t wire.Type) wire.Envelope {
	return wire.Envelope{
		FromHost: m.myhost,
		FromPort: int32(m.myport),
		ToHost:   p.host,
		ToPort:   p.port.Load(),
		Type:     t,
	}
}
