package mesh

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/netutil"
	"replmesh/internal/wire"
)

func TestMain(m *testing.M) {
	// Shrink the anti-stampede jitter so clusters form fast under test.
	dialBackoffMax = 100 * time.Millisecond
	os.Exit(m.Run())
}

// startNode brings up a full mesh member on loopback. Mesh hostnames are
// logical ("alpha", "beta"); the AddrResolve hook maps them all to
// 127.0.0.1 the way a hosts file would.
func startNode(t *testing.T, name string, seeds map[string]int, mod func(*Options)) *Mesh {
	t.Helper()
	ln, err := netutil.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts := Options{
		App:      "test",
		Service:  "replication",
		Instance: "itest",
		Hostname: name,
		Listener: ln,
		Logger:   zap.NewNop(),
	}
	opts.Hooks.AddrResolve = func(string) (string, bool) { return "127.0.0.1", true }
	if mod != nil {
		mod(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new node %s: %v", name, err)
	}
	for h, p := range seeds {
		m.AddPeer(h, p)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedTo(m *Mesh, host string) bool {
	for _, h := range m.ConnectedNodes() {
		if h == host {
			return true
		}
	}
	return false
}

type recvMsg struct {
	from     string
	userType int
	data     []byte
}

func TestTwoNodeHelloAndSend(t *testing.T) {
	got := make(chan recvMsg, 1)

	b := startNode(t, "beta", nil, nil)
	if err := b.RegisterHandler(5, "capture", func(_ *AckState, from string, ut int, data []byte) {
		got <- recvMsg{from: from, userType: ut, data: append([]byte(nil), data...)}
	}); err != nil {
		t.Fatal(err)
	}
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)

	waitFor(t, 5*time.Second, "alpha-beta link", func() bool {
		return connectedTo(a, "beta") && connectedTo(b, "alpha")
	})

	// Both peer lists hold both members after the hello exchange.
	for _, m := range []*Mesh{a, b} {
		nodes := m.Nodes()
		if len(nodes) != 2 {
			t.Fatalf("%s peer list = %v", m.Hostname(), nodes)
		}
	}

	if err := a.Send("beta", 5, []byte("abc")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-got:
		if msg.from != "alpha" || msg.userType != 5 || string(msg.data) != "abc" {
			t.Fatalf("handler saw %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestGossipDiscoversThirdNode(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	c := startNode(t, "gamma", map[string]int{"beta": b.Port()}, nil)

	// alpha and gamma only ever seeded beta; hello gossip must introduce
	// them and a direct link must come up.
	waitFor(t, 10*time.Second, "gossip closure", func() bool {
		return connectedTo(a, "gamma") && connectedTo(c, "alpha")
	})
	if len(a.Nodes()) != 3 || len(c.Nodes()) != 3 {
		t.Fatalf("peer lists: alpha=%v gamma=%v", a.Nodes(), c.Nodes())
	}
}

func TestSendErrorTaxonomy(t *testing.T) {
	a := startNode(t, "alpha", nil, nil)

	if err := a.Send("alpha", 1, []byte("x")); !errors.Is(err, ErrSendToMe) {
		t.Fatalf("send to self: %v", err)
	}
	if err := a.Send("nosuch", 1, []byte("x")); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("send to unknown: %v", err)
	}
	a.AddPeer("unreachable", 1)
	if err := a.Send("unreachable", 1, []byte("x")); !errors.Is(err, ErrNoSock) {
		t.Fatalf("send before connect: %v", err)
	}
}

func TestSendBeforeHelloRefused(t *testing.T) {
	// A bare TCP endpoint that accepts the connect record but never says
	// hello: the socket comes up but user traffic must stay gated.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 1+wire.ConnectLen)
				_, _ = c.Read(buf)
				// hold the socket open, silent
				time.Sleep(time.Minute)
				c.Close()
			}(conn)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	a := startNode(t, "alpha", map[string]int{"mute": port}, nil)
	waitFor(t, 5*time.Second, "socket to mute peer", func() bool {
		ps, err := a.PeerStats("mute")
		return err == nil && ps.Connected
	})
	if err := a.Send("mute", 1, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send before hello: %v", err)
	}
}

func TestSendWithAck(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	if err := b.RegisterHandler(9, "ping", func(ack *AckState, _ string, _ int, data []byte) {
		if ack == nil {
			t.Error("ack state missing on waitforack send")
			return
		}
		if string(data) != "ping" {
			t.Errorf("handler got %q", data)
		}
		_ = ack.Ack(42)
	}); err != nil {
		t.Fatal(err)
	}
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	rc, err := a.SendWithAck("beta", 9, []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("send with ack: %v", err)
	}
	if rc != 42 {
		t.Fatalf("outrc = %d, want 42", rc)
	}

	// Unregistered type: nobody acks, the wait runs out.
	if _, err := a.SendWithAck("beta", 10, []byte("ping"), 300*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("unregistered type: %v", err)
	}
}

func TestSendWithAckNegativeRC(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	if err := b.RegisterHandler(9, "bad", func(ack *AckState, _ string, _ int, _ []byte) {
		_ = ack.Ack(-7)
	}); err != nil {
		t.Fatal(err)
	}
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	if _, err := a.SendWithAck("beta", 9, []byte("x"), 2*time.Second); !errors.Is(err, ErrInvalidAckRC) {
		t.Fatalf("negative handler rc: %v", err)
	}
}

func TestSendWithPayloadAck(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	if err := b.RegisterHandler(3, "pong", func(ack *AckState, _ string, _ int, _ []byte) {
		_ = ack.AckPayload(7, []byte("pong"))
	}); err != nil {
		t.Fatal(err)
	}
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	rc, payload, err := a.SendWithPayloadAck("beta", 3, []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("payload ack: %v", err)
	}
	if rc != 7 || string(payload) != "pong" {
		t.Fatalf("rc=%d payload=%q", rc, payload)
	}
}

func TestDecomRemovesPeer(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	a.Decom("beta")
	if err := a.Send("beta", 1, []byte("x")); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("send after decom: %v", err)
	}
	for _, h := range a.Nodes() {
		if h == "beta" {
			t.Fatalf("beta still in peer list: %v", a.Nodes())
		}
	}
}

func TestHostDownFiresOnSilentPeer(t *testing.T) {
	down := make(chan string, 16)

	// beta never sends heartbeats, so alpha's aggressive check kills the
	// socket once the hello traffic goes quiet.
	b := startNode(t, "beta", nil, func(o *Options) {
		o.HeartbeatSend = time.Hour
	})
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, func(o *Options) {
		o.HeartbeatCheck = 1500 * time.Millisecond
		o.Hooks.HostDown = func(host string) { down <- host }
	})
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	select {
	case host := <-down:
		if host != "beta" {
			t.Fatalf("host down for %q", host)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("liveness check never fired")
	}
}

func TestSanctionedCounting(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	a.SanctionedAdd("alpha")
	a.SanctionedAdd("beta")
	a.SanctionedAdd("ghost") // sanctioned but unknown/never connected
	if n := a.SanctionedAndConnected(); n != 2 {
		t.Fatalf("sanctioned and connected = %d, want 2", n)
	}
	a.SanctionedDel("beta")
	if n := a.SanctionedAndConnected(); n != 1 {
		t.Fatalf("after del = %d, want 1", n)
	}
}

func TestChildNetMultiplexing(t *testing.T) {
	got := make(chan recvMsg, 1)

	b := startNode(t, "beta", nil, nil)
	bc, err := b.NewChild(1, Options{
		App: "test", Service: "offload", Instance: "itest",
		Logger: zap.NewNop(),
		Hooks: Hooks{
			AddrResolve: func(string) (string, bool) { return "127.0.0.1", true },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bc.RegisterHandler(2, "child-capture", func(_ *AckState, from string, ut int, data []byte) {
		got <- recvMsg{from: from, userType: ut, data: append([]byte(nil), data...)}
	}); err != nil {
		t.Fatal(err)
	}
	if err := bc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bc.Stop)

	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	ac, err := a.NewChild(1, Options{
		App: "test", Service: "offload", Instance: "itest",
		Logger: zap.NewNop(),
		Hooks: Hooks{
			AddrResolve: func(string) (string, bool) { return "127.0.0.1", true },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ac.AddPeer("beta", b.Port())
	if err := ac.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ac.Stop)

	waitFor(t, 10*time.Second, "child net link", func() bool {
		return connectedTo(ac, "beta")
	})
	if err := ac.Send("beta", 2, []byte("offload")); err != nil {
		t.Fatalf("child send: %v", err)
	}
	select {
	case msg := <-got:
		if msg.from != "alpha" || string(msg.data) != "offload" {
			t.Fatalf("child handler saw %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("child-net message never arrived")
	}
}

func TestStatsSnapshot(t *testing.T) {
	b := startNode(t, "beta", nil, nil)
	if err := b.RegisterHandler(5, "sink", func(_ *AckState, _ string, _ int, _ []byte) {}); err != nil {
		t.Fatal(err)
	}
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, nil)
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	for i := 0; i < 10; i++ {
		if err := a.Send("beta", 5, []byte("stat")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, "handler calls", func() bool {
		for _, h := range b.Stats().Handlers {
			if h.Name == "sink" && h.Calls == 10 {
				return true
			}
		}
		return false
	})

	s := a.Stats()
	if s.Hostname != "alpha" || s.Nodes != 2 || s.Connected != 1 {
		t.Fatalf("stats = %+v", s)
	}
	ps, err := a.PeerStats("beta")
	if err != nil {
		t.Fatal(err)
	}
	if ps.BytesOut == 0 {
		t.Fatal("no bytes accounted to beta")
	}
}

func TestOffloadNodePicking(t *testing.T) {
	upHosts := map[string]bool{"beta": true}
	b := startNode(t, "beta", nil, nil)
	a := startNode(t, "alpha", map[string]int{"beta": b.Port()}, func(o *Options) {
		o.Hooks.MachineIsUp = func(host string) bool { return upHosts[host] }
	})
	waitFor(t, 5*time.Second, "link", func() bool { return connectedTo(a, "beta") })

	host, err := a.OffloadNode()
	if err != nil || host != "beta" {
		t.Fatalf("offload pick = %q, %v", host, err)
	}
	upHosts["beta"] = false
	if _, err := a.OffloadNode(); !errors.Is(err, ErrNoSock) {
		t.Fatalf("all machines down: %v", err)
	}
}
