package mesh

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Peer is one remote node. Its three workers (connect, reader, writer) are
// goroutines; mu guards the socket lifecycle, q.mu the send queue, wmu the
// ack wait list. Lock order: mesh.lock before mu; q.mu nests inside mu only
// in releaseSocketLocked's queue flush, never the other way around.
type Peer struct {
	mesh *Mesh
	host string
	port atomic.Int32

	mu   sync.Mutex
	cond *sync.Cond // broadcast on worker/socket transitions
	conn net.Conn   // current stream, TLS-wrapped when negotiated
	tc   *net.TCPConn
	rw   *bufio.ReadWriter
	gen  uint64 // socket generation, bumps on every install

	closed       bool // shutdown initiated
	reallyClosed bool // socket fully released
	haveConnect  bool
	haveReader   bool
	haveWriter   bool
	subnetIdx    int // suffix index the live socket was dialed on

	gotHello        atomic.Bool
	decomFlag       atomic.Bool
	runningUserFunc atomic.Bool
	lastRx          atomic.Int64 // unix nanos of last inbound byte
	distress        atomic.Int64 // read failures since last success

	// refs counts callers holding the peer across a blocking wait;
	// destruction spins until it drains.
	refs atomic.Int32

	q sendQueue

	wmu   sync.Mutex
	waits map[int32]*ackWait

	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	throttleWaits atomic.Uint64

	scratch []byte // reader-owned inbound body buffer
}

func (m *Mesh) newPeer(host string, port int) *Peer {
	p := &Peer{
		mesh:         m,
		host:         host,
		reallyClosed: true,
		waits:        make(map[int32]*ackWait),
		scratch:      make([]byte, 64*1024),
	}
	p.port.Store(int32(port))
	p.cond = sync.NewCond(&p.mu)
	p.q.init()
	if m.hooks.Qstat.Init != nil {
		p.q.qstat = m.hooks.Qstat.Init(host)
	}
	return p
}

// AddPeer seeds host into the peer table. Adding an existing peer is a
// no-op that at most fills in a missing port. The connect thread starts
// immediately when the mesh is running.
func (m *Mesh) AddPeer(host string, port int) {
	host = canonHost(host)
	if host == "" || host == m.myhost {
		return
	}
	m.lock.Lock()
	p, created := m.addPeerLocked(host, port)
	m.lock.Unlock()
	if created {
		if m.hooks.NewNode != nil {
			m.hooks.NewNode(host, port)
		}
		if m.started.Load() {
			p.startConnectThread()
		}
	}
}

// addPeerLocked inserts under the mesh write lock. It never removes and
// never duplicates; an existing entry only gains a port it lacked.
func (m *Mesh) addPeerLocked(host string, port int) (*Peer, bool) {
	if p, ok := m.peers[host]; ok {
		if port != 0 && p.port.Load() == 0 {
			p.port.Store(int32(port))
		}
		return p, false
	}
	p := m.newPeer(host, port)
	m.peers[host] = p
	m.order = append(m.order, p)
	return p, true
}

// findPeer looks a peer up by name through the one-entry cache.
func (m *Mesh) findPeer(host string) *Peer {
	if p := m.lastFound.Load(); p != nil && p.host == host && !p.decomFlag.Load() {
		return p
	}
	m.lock.RLock()
	p := m.peers[host]
	m.lock.RUnlock()
	if p != nil {
		m.lastFound.Store(p)
	}
	return p
}

// Nodes returns every known hostname, self included.
func (m *Mesh) Nodes() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, p.host)
	}
	return out
}

// ConnectedNodes returns the peers that have completed the hello exchange.
func (m *Mesh) ConnectedNodes() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []string
	for _, p := range m.order {
		if p.host == m.myhost {
			continue
		}
		if p.gotHello.Load() && p.hasConn() {
			out = append(out, p.host)
		}
	}
	return out
}

// Sanctioned list: the configured quorum-eligible set, independent of the
// discovered peer table.

func (m *Mesh) SanctionedAdd(host string) {
	m.sanctionedMu.Lock()
	m.sanctioned[canonHost(host)] = true
	m.sanctionedMu.Unlock()
}

func (m *Mesh) SanctionedDel(host string) {
	m.sanctionedMu.Lock()
	delete(m.sanctioned, canonHost(host))
	m.sanctionedMu.Unlock()
}

func (m *Mesh) SanctionedNodes() []string {
	m.sanctionedMu.Lock()
	defer m.sanctionedMu.Unlock()
	out := make([]string, 0, len(m.sanctioned))
	for h := range m.sanctioned {
		out = append(out, h)
	}
	return out
}

func (m *Mesh) IsSanctioned(host string) bool {
	m.sanctionedMu.Lock()
	defer m.sanctionedMu.Unlock()
	return m.sanctioned[canonHost(host)]
}

// SanctionedAndConnected counts sanctioned peers that are up, self included
// when sanctioned.
func (m *Mesh) SanctionedAndConnected() int {
	n := 0
	m.lock.RLock()
	for _, p := range m.order {
		if !m.IsSanctioned(p.host) {
			continue
		}
		if p.host == m.myhost || (p.gotHello.Load() && p.hasConn()) {
			n++
		}
	}
	m.lock.RUnlock()
	return n
}

// OffloadNode picks a random connected peer suitable for work offload,
// skipping machines the host's rtcpu hook reports down.
func (m *Mesh) OffloadNode() (string, error) {
	var candidates []string
	m.lock.RLock()
	for _, p := range m.order {
		if p.host == m.myhost || !p.gotHello.Load() || !p.hasConn() {
			continue
		}
		if m.hooks.MachineIsUp != nil && !m.hooks.MachineIsUp(p.host) {
			continue
		}
		candidates = append(candidates, p.host)
	}
	m.lock.RUnlock()
	if len(candidates) == 0 {
		return "", ErrNoSock
	}
	m.rmu.Lock()
	pick := candidates[m.rand.Intn(len(candidates))]
	m.rmu.Unlock()
	return pick, nil
}

func (p *Peer) hasConn() bool {
	p.mu.Lock()
	ok := p.conn != nil && !p.closed
	p.mu.Unlock()
	return ok
}

func (p *Peer) acquire() { p.refs.Add(1) }
func (p *Peer) release() { p.refs.Add(-1) }

// touchRx records inbound traffic for the liveness check.
func (p *Peer) touchRx() {
	p.lastRx.Store(time.Now().UnixNano())
}

// closeSocketLocked initiates shutdown of the current socket. Callers hold
// p.mu. Closing the fd is the synchronization barrier: a blocked reader or
// writer wakes with an error and exits on its own. This function must never
// take the mesh lock — the liveness scan calls it with the read side held.
func (p *Peer) closeSocketLocked(reason string) {
	if p.conn == nil || p.closed {
		return
	}
	p.closed = true
	p.gotHello.Store(false)
	_ = p.conn.Close()
	p.mesh.log.Info("closing peer socket",
		zap.String("peer", p.host), zap.String("reason", reason))
	p.cond.Broadcast()
	// Wake the writer so it notices the close instead of sleeping out its
	// poll interval.
	p.q.wake()
}

// releaseSocketLocked finishes the close once both workers are gone.
func (p *Peer) releaseSocketLocked() {
	if p.haveReader || p.haveWriter {
		return
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
		p.tc = nil
		p.rw = nil
	}
	p.reallyClosed = true
	p.cond.Broadcast()
	p.q.flush(p)
}

// waitWorkersGone blocks until the reader and writer of any previous socket
// have exited. Used by the accept path before installing a fresh stream.
func (p *Peer) waitWorkersGone() {
	p.mu.Lock()
	for p.haveReader || p.haveWriter {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// installSocket publishes a connected stream and spawns the worker pair.
// Returns false, closing conn, when the peer is decommissioned, the mesh is
// exiting, or another socket is already installed.
func (p *Peer) installSocket(conn net.Conn, tc *net.TCPConn, rw *bufio.ReadWriter, subnetIdx int) bool {
	m := p.mesh
	p.mu.Lock()
	if p.decomFlag.Load() || m.Exiting() {
		p.mu.Unlock()
		conn.Close()
		return false
	}
	if p.conn != nil {
		// A racing dial or accept beat us; keep the established one.
		p.mu.Unlock()
		conn.Close()
		return false
	}
	p.conn = conn
	p.tc = tc
	p.rw = rw
	p.closed = false
	p.reallyClosed = false
	p.subnetIdx = subnetIdx
	p.gen++
	gen := p.gen
	p.haveReader = true
	p.haveWriter = true
	p.touchRx()
	p.distress.Store(0)
	p.mu.Unlock()

	go p.readerLoop(gen)
	go p.writerLoop(gen)
	return true
}

// Decom marks host for removal and schedules the deferred destruction.
// Unreachable peers are otherwise retried forever; this is the only path
// that forgets one.
func (m *Mesh) Decom(host string) {
	host = canonHost(host)
	if host == m.myhost {
		return
	}
	m.lock.Lock()
	p := m.peers[host]
	if p == nil || p.decomFlag.Swap(true) {
		m.lock.Unlock()
		return
	}
	delete(m.peers, host)
	for i, q := range m.order {
		if q == p {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.lastFound.Store(nil)
	m.lock.Unlock()

	m.log.Info("decommissioning peer", zap.String("peer", host))
	go m.destroyPeer(p)
}

// destroyPeer joins the workers of a decommissioned peer, waits for API
// references to drain, and lets the entry become garbage.
func (m *Mesh) destroyPeer(p *Peer) {
	p.mu.Lock()
	p.closeSocketLocked("decom")
	for p.haveReader || p.haveWriter {
		p.cond.Wait()
	}
	p.mu.Unlock()

	// The connect thread exits on its next decom poll; senders blocked in
	// an ack wait hold a reference until their timed wait ends.
	for p.refs.Load() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	p.failWaiters()
	if m.hooks.Qstat.Free != nil && p.q.qstat != nil {
		m.hooks.Qstat.Free(p.q.qstat)
	}
}
