package mesh

import (
	"go.uber.org/zap"

	"replmesh/internal/wire"
)

// The hello exchange is the mesh's discovery protocol: both sides of a new
// connection send their full peer list, receivers add what they lack and
// dial it, and a node seeded with any one member learns the whole cluster.

func (m *Mesh) helloPayload() ([]byte, error) {
	m.lock.RLock()
	peers := make([]wire.HelloPeer, 0, len(m.order))
	for _, p := range m.order {
		peers = append(peers, wire.HelloPeer{Host: p.host, Port: p.port.Load()})
	}
	m.lock.RUnlock()
	return wire.EncodeHello(peers)
}

func (m *Mesh) sendHelloFrame(p *Peer, t wire.Type) {
	payload, err := m.helloPayload()
	if err != nil {
		m.log.Error("hello encode failed", zap.Error(err))
		return
	}
	f := &qframe{
		typ:     t,
		flags:   flagNoDelay | flagNoHelloCheck,
		payload: payload,
	}
	f.wireLen = wire.EnvelopeWireLen(m.envelopeFor(p, t)) + len(payload)
	if err := p.q.enqueue(p, f); err != nil {
		m.log.Info("hello enqueue failed",
			zap.String("peer", p.host), zap.Error(err))
		return
	}
	p.q.wake()
}

func (m *Mesh) sendHello(p *Peer)      { m.sendHelloFrame(p, wire.TypeHello) }
func (m *Mesh) sendHelloReply(p *Peer) { m.sendHelloFrame(p, wire.TypeHelloReply) }

// SendHello pushes our peer list at host again, outside the automatic
// exchange on connect.
func (m *Mesh) SendHello(host string) error {
	p := m.findPeer(canonHost(host))
	if p == nil {
		return ErrInvalidNode
	}
	if p.host == m.myhost {
		return ErrSendToMe
	}
	m.sendHello(p)
	return nil
}

// integrateHello adds every advertised peer we don't already know and
// starts dialing the new ones. Gossip only ever adds; removal is decom's
// job alone.
func (m *Mesh) integrateHello(from *Peer, peers []wire.HelloPeer) {
	for _, hp := range peers {
		host := canonHost(hp.Host)
		if host == "" || host == m.myhost {
			continue
		}
		m.lock.Lock()
		p, created := m.addPeerLocked(host, int(hp.Port))
		m.lock.Unlock()
		if !created {
			continue
		}
		m.log.Info("learned peer from hello",
			zap.String("peer", host),
			zap.String("via", from.host))
		if m.hooks.NewNode != nil {
			m.hooks.NewNode(host, int(hp.Port))
		}
		if m.started.Load() {
			p.startConnectThread()
		}
	}
}
