package mesh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/metrics"
	"replmesh/internal/netutil"
	"replmesh/internal/wire"
)

// adminSentinel is the first byte of an admin appsock; those are only
// admitted from loopback.
const adminSentinel = '@'

// acceptConn wraps an accepted socket so inbound/outbound bytes are
// attributed to whichever peer the connection turns out to belong to, and
// so appsock reads that flow through the sniffing bufio reader still feed
// the watchlist's idle stamps. The counters engage once the connection has
// been identified.
type acceptConn struct {
	net.Conn
	peer  atomic.Pointer[Peer]
	watch atomic.Pointer[WatchedConn]
}

func (c *acceptConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		if p := c.peer.Load(); p != nil {
			p.bytesIn.Add(uint64(n))
			metrics.BytesIn.WithLabelValues(p.mesh.service, p.host).Add(float64(n))
		}
		if wc := c.watch.Load(); wc != nil {
			wc.lastRead.Store(time.Now().UnixNano())
		}
	}
	return n, err
}

func (c *acceptConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		if p := c.peer.Load(); p != nil {
			p.bytesOut.Add(uint64(n))
			metrics.BytesOut.WithLabelValues(p.mesh.service, p.host).Add(float64(n))
		}
	}
	return n, err
}

// startListener binds (unless the host handed in a pre-bound socket),
// registers the port, and launches the accept loop. Parent meshes only;
// children ride on the parent's listener.
func (m *Mesh) startListener() error {
	if m.listener == nil {
		ln, err := netutil.Listen(fmt.Sprintf(":%d", m.myport))
		if err != nil {
			return err
		}
		m.listener = ln
		if m.myport == 0 {
			if ta, ok := ln.Addr().(*net.TCPAddr); ok {
				m.myport = ta.Port
			}
		}
	}
	if m.registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), resolverTimeout)
		err := m.registrar.Register(ctx, m.myhost, m.app, m.service, m.instance, m.myport)
		cancel()
		if err != nil {
			m.log.Warn("port registration failed", zap.Error(err))
		}
	}
	m.acceptOnce.Do(func() {
		go m.acceptLoop()
	})
	return nil
}

func (m *Mesh) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.Exiting() {
				return
			}
			m.log.Warn("accept error", zap.Error(err))
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-m.halt.ReqStop.Chan:
				return
			}
		}
		go m.handleAccepted(conn)
	}
}

// handleAccepted sniffs the first byte within the netpoll window. Zero is a
// mesh connect record; the admin sentinel and anything else are appsocks.
func (m *Mesh) handleAccepted(raw net.Conn) {
	if tc, ok := raw.(*net.TCPConn); ok {
		netutil.ApplyConnOptions(tc, int(m.tun.sockBufSize.Load()), m.linger)
	}
	ac := &acceptConn{Conn: raw}
	br := bufio.NewReaderSize(ac, int(m.tun.sockBufSize.Load()))

	_ = raw.SetReadDeadline(time.Now().Add(time.Duration(m.tun.netPoll.Load())))
	first, err := br.Peek(1)
	if err != nil {
		raw.Close()
		return
	}

	if first[0] != 0 {
		_ = raw.SetReadDeadline(time.Time{})
		m.handleAppsock(ac, br, first[0])
		return
	}

	_, _ = br.Discard(1)
	cm, err := wire.ReadConnect(br)
	_ = raw.SetReadDeadline(time.Time{})
	if err != nil {
		m.log.Info("bad connect record", zap.Error(err))
		raw.Close()
		return
	}
	m.handleConnectMsg(ac, br, cm)
}

func (m *Mesh) handleAppsock(ac *acceptConn, br *bufio.Reader, first byte) {
	wc := m.watch.wrap(ac)
	ac.watch.Store(wc)
	rw := bufio.NewReadWriter(br, bufio.NewWriterSize(wc, int(m.tun.sockBufSize.Load())))

	if first == adminSentinel {
		if !netutil.IsLoopback(ac) {
			m.log.Info("admin appsock from non-loopback origin",
				zap.String("remote", ac.RemoteAddr().String()))
			wc.Close()
			return
		}
		if m.hooks.AdminAppsock == nil || !m.hooks.AdminAppsock(wc, rw) {
			wc.Close()
		}
		return
	}
	if m.hooks.Appsock == nil || !m.hooks.Appsock(wc, rw) {
		wc.Close()
	}
}

// handleConnectMsg validates an inbound mesh handshake and installs the
// socket on the named peer of the target (possibly child) mesh.
func (m *Mesh) handleConnectMsg(ac *acceptConn, br *bufio.Reader, cm wire.ConnectMsg) {
	toHost := canonHost(cm.ToHost)
	toPort := int(cm.ToPort) & wire.PortMask
	netnum := (int(cm.ToPort) & wire.ChildNetMask) >> wire.ChildNetShift
	fromHost := canonHost(cm.FromHost)

	if toHost != m.myhost || toPort != m.myport {
		m.log.Error("connect for wrong destination",
			zap.String("to_host", toHost), zap.Int("to_port", toPort),
			zap.String("from", fromHost))
		ac.Close()
		return
	}
	tgt := m.child(netnum)
	if tgt == nil {
		m.log.Error("connect for unregistered child net",
			zap.Int("netnum", netnum), zap.String("from", fromHost))
		ac.Close()
		return
	}
	if fromHost == "" || fromHost == tgt.myhost {
		m.log.Error("connect with bad origin", zap.String("from", fromHost))
		ac.Close()
		return
	}
	if tgt.hooks.Allow != nil && !tgt.hooks.Allow(fromHost) {
		tgt.log.Info("connection not allowed", zap.String("from", fromHost))
		ac.Close()
		return
	}

	conn := net.Conn(ac)
	rw := bufio.NewReadWriter(br, bufio.NewWriterSize(ac, int(tgt.tun.sockBufSize.Load())))
	if cm.Flags&wire.ConnectFlagTLS != 0 {
		if tgt.tlsPolicy == TLSDisabled || tgt.hooks.TLSAccept == nil {
			tgt.log.Error("peer requires TLS but it is not configured",
				zap.String("from", fromHost))
			ac.Close()
			return
		}
		tlsConn, err := tgt.hooks.TLSAccept(ac)
		if err != nil {
			tgt.log.Info("TLS accept failed",
				zap.String("from", fromHost), zap.Error(err))
			ac.Close()
			return
		}
		conn = tlsConn
		bufsz := int(tgt.tun.sockBufSize.Load())
		rw = bufio.NewReadWriter(bufio.NewReaderSize(tlsConn, bufsz), bufio.NewWriterSize(tlsConn, bufsz))
	} else if tgt.tlsPolicy == TLSRequire {
		tgt.log.Error("cleartext peer rejected, TLS required",
			zap.String("from", fromHost))
		ac.Close()
		return
	}

	tgt.lock.Lock()
	p, created := tgt.addPeerLocked(fromHost, int(cm.FromPort))
	tgt.lock.Unlock()
	if created && tgt.hooks.NewNode != nil {
		tgt.hooks.NewNode(fromHost, int(cm.FromPort))
	}

	// An inbound connect replaces any stale socket; the old worker pair
	// must be fully out before the new stream goes in.
	p.mu.Lock()
	p.closeSocketLocked("replaced by inbound connect")
	p.mu.Unlock()
	p.waitWorkersGone()

	ac.peer.Store(p)
	tc, _ := ac.Conn.(*net.TCPConn)
	if !p.installSocket(conn, tc, rw, -1) {
		return
	}
	metrics.Connects.WithLabelValues(tgt.service, p.host, "accept").Inc()
	tgt.log.Info("accepted peer", zap.String("peer", p.host))

	// The accept path doubles as the connect thread when none exists yet.
	p.startConnectThread()
}
