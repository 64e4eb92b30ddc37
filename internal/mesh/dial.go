package mesh

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/metrics"
	"replmesh/internal/netutil"
	"replmesh/internal/wire"
)

const (
	connectTimeout  = 100 * time.Millisecond
	resolverTimeout = 2 * time.Second
)

// dialBackoffMax caps the pre-dial jitter; tests shrink it.
var dialBackoffMax = 5 * time.Second

// startConnectThread launches the peer's permanent dial loop. At most one
// runs per peer; it doubles as the keep-alive that notices a dead socket
// and redials.
func (p *Peer) startConnectThread() {
	if p.host == p.mesh.myhost {
		return
	}
	p.mu.Lock()
	if p.haveConnect {
		p.mu.Unlock()
		return
	}
	p.haveConnect = true
	p.mu.Unlock()
	go p.connectLoop()
}

func (p *Peer) connectLoop() {
	m := p.mesh
	if m.hooks.StartThread != nil {
		m.hooks.StartThread()
	}
	defer func() {
		if m.hooks.StopThread != nil {
			m.hooks.StopThread()
		}
		p.mu.Lock()
		p.haveConnect = false
		p.mu.Unlock()
	}()

	for !m.Exiting() && !p.decomFlag.Load() {
		if p.hasConn() {
			p.idle(time.Second)
			continue
		}
		// Stagger dials so a cluster restart doesn't stampede one node.
		p.idle(m.randDur(dialBackoffMax))
		if m.Exiting() || p.decomFlag.Load() {
			return
		}
		if p.hasConn() {
			continue
		}
		if err := p.dialOnce(); err != nil {
			m.log.Debug("dial failed", zap.String("peer", p.host), zap.Error(err))
		}
	}
}

// idle sleeps d or until the mesh begins shutdown.
func (p *Peer) idle(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.mesh.halt.ReqStop.Chan:
	}
}

// dialOnce runs one full connection attempt: subnet rotation, port
// resolution, nonblocking connect, connect record, optional TLS, then the
// socket handoff that spawns the worker pair.
func (p *Peer) dialOnce() error {
	m := p.mesh

	port := int(p.port.Load())
	if port == 0 {
		// Port unknown: ask the name service with our triple (the
		// parent's for a child net). The peer keeps port zero so every
		// dial re-resolves.
		if m.resolver == nil {
			return ErrNoSock
		}
		app, service, instance := m.triple()
		ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
		resolved, err := m.resolver.Resolve(ctx, p.host, app, service, instance)
		cancel()
		if err != nil {
			return err
		}
		port = resolved
	}

	dialHost, subnetIdx := m.subnets.nextAddr(p.host)
	if m.hooks.AddrResolve != nil {
		if addr, ok := m.hooks.AddrResolve(dialHost); ok {
			dialHost = addr
		}
	}

	tc, err := netutil.DialTimeout(dialHost, port, connectTimeout)
	if err != nil {
		return err
	}
	netutil.ApplyConnOptions(tc, int(m.tun.sockBufSize.Load()), m.linger)

	var flags uint32
	if m.tlsPolicy == TLSRequire {
		flags |= wire.ConnectFlagTLS
	}
	cm := wire.ConnectMsg{
		ToHost:   p.host,
		ToPort:   int32(port | m.netnum<<wire.ChildNetShift),
		Flags:    flags,
		FromHost: m.myhost,
		FromPort: int32(m.myport),
	}
	conn := net.Conn(tc)
	if err := wire.WriteConnect(conn, cm); err != nil {
		conn.Close()
		return err
	}
	if flags&wire.ConnectFlagTLS != 0 {
		if m.hooks.TLSConnect == nil {
			conn.Close()
			return ErrInternal
		}
		tlsConn, err := m.hooks.TLSConnect(conn, p.host)
		if err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}

	rw := newPeerRW(p, conn, int(m.tun.sockBufSize.Load()))
	if !p.installSocket(conn, tc, rw, subnetIdx) {
		return ErrClosed
	}
	metrics.Connects.WithLabelValues(m.service, p.host, "dial").Inc()
	m.log.Info("connected",
		zap.String("peer", p.host),
		zap.String("addr", dialHost),
		zap.Int("port", port))
	return nil
}
