package mesh

import (
	"time"

	"replmesh/internal/wire"
)

// PeerStats is a point-in-time snapshot of one peer's counters.
type PeerStats struct {
	Host      string
	Port      int
	Connected bool
	GotHello  bool
	Distress  int64

	BytesIn  uint64
	BytesOut uint64

	QueueDepth    int64
	QueueBytes    int64
	PeakDepth     int64
	PeakDepthAt   time.Time
	PeakBytes     int64
	PeakBytesAt   time.Time
	Dedupes       uint64
	QueueFulls    uint64
	Reorders      uint64
	ThrottleWaits uint64
}

// HandlerStats reports one registered handler's call counters.
type HandlerStats struct {
	UserType    int
	Name        string
	Calls       uint64
	TotalMicros uint64
}

// MeshStats is the introspection snapshot the operator surface serves.
type MeshStats struct {
	Hostname   string
	Port       int
	Nodes      int
	Connected  int
	Sanctioned int
	Peers      []PeerStats
	Handlers   []HandlerStats
}

// Stats snapshots the whole mesh.
func (m *Mesh) Stats() MeshStats {
	s := MeshStats{
		Hostname: m.myhost,
		Port:     m.myport,
	}
	m.lock.RLock()
	for _, p := range m.order {
		s.Nodes++
		if p.host == m.myhost {
			continue
		}
		ps := p.snapshot()
		if ps.Connected && ps.GotHello {
			s.Connected++
		}
		s.Peers = append(s.Peers, ps)
	}
	m.lock.RUnlock()

	m.sanctionedMu.Lock()
	s.Sanctioned = len(m.sanctioned)
	m.sanctionedMu.Unlock()

	for i := range m.handlers {
		h := &m.handlers[i]
		reg := h.reg.Load()
		if reg == nil {
			continue
		}
		s.Handlers = append(s.Handlers, HandlerStats{
			UserType:    i,
			Name:        reg.name,
			Calls:       h.calls.Load(),
			TotalMicros: h.totalUS.Load(),
		})
	}
	return s
}

// PeerStats snapshots one peer.
func (m *Mesh) PeerStats(host string) (PeerStats, error) {
	p := m.findPeer(canonHost(host))
	if p == nil {
		return PeerStats{}, ErrInvalidNode
	}
	return p.snapshot(), nil
}

func (p *Peer) snapshot() PeerStats {
	ps := PeerStats{
		Host:     p.host,
		Port:     int(p.port.Load()),
		GotHello: p.gotHello.Load(),
		Distress: p.distress.Load(),
		BytesIn:  p.bytesIn.Load(),
		BytesOut: p.bytesOut.Load(),
	}
	ps.Connected = p.hasConn()
	ps.ThrottleWaits = p.throttleWaits.Load()

	p.q.mu.Lock()
	ps.QueueDepth = p.q.count
	ps.QueueBytes = p.q.bytes
	ps.PeakDepth = p.q.peakCount
	ps.PeakDepthAt = p.q.peakCountAt
	ps.PeakBytes = p.q.peakBytes
	ps.PeakBytesAt = p.q.peakBytesAt
	ps.Dedupes = p.q.dedupes
	ps.QueueFulls = p.q.fulls
	ps.Reorders = p.q.reorders
	p.q.mu.Unlock()
	return ps
}

// DumpQueue renders host's queued user frames through the registered
// GetLSN hook, newest last. Frames the hook declines are counted but not
// rendered.
func (m *Mesh) DumpQueue(host string) ([]string, int) {
	p := m.findPeer(canonHost(host))
	if p == nil || m.hooks.GetLSN == nil {
		return nil, 0
	}
	var out []string
	skipped := 0
	p.q.mu.Lock()
	for f := p.q.head; f != nil; f = f.next {
		if f.typ != wire.TypeUserMsg {
			continue
		}
		if desc, ok := m.hooks.GetLSN(f.payload); ok {
			out = append(out, desc)
		} else {
			skipped++
		}
	}
	p.q.mu.Unlock()
	return out, skipped
}
