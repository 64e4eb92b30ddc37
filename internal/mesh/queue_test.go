package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"replmesh/internal/wire"
)

func newTestMesh(t *testing.T, host string, mod func(*Options)) *Mesh {
	t.Helper()
	opts := Options{
		App:      "test",
		Service:  "replication",
		Instance: "unit",
		Hostname: host,
		Port:     19000,
		Logger:   zap.NewNop(),
	}
	if mod != nil {
		mod(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new mesh: %v", err)
	}
	return m
}

func drainTypes(p *Peer) []wire.Type {
	var out []wire.Type
	for f := p.q.detach(p); f != nil; f = f.next {
		out = append(out, f.typ)
	}
	return out
}

func userFrame(key uint32) *qframe {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, key)
	return &qframe{typ: wire.TypeUserMsg, payload: payload, wireLen: wire.EnvelopeLen + 4}
}

func frameKeys(head *qframe) []uint32 {
	var out []uint32
	for f := head; f != nil; f = f.next {
		out = append(out, binary.BigEndian.Uint32(f.payload))
	}
	return out
}

func TestQueueFIFO(t *testing.T) {
	m := newTestMesh(t, "alpha", nil)
	p := m.newPeer("beta", 19000)
	for i := uint32(0); i < 5; i++ {
		if err := p.q.enqueue(p, userFrame(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	got := frameKeys(p.q.detach(p))
	for i, k := range got {
		if k != uint32(i) {
			t.Fatalf("order %v, want 0..4 ascending", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("drained %d frames", len(got))
	}
}

func TestQueueHeadInsertion(t *testing.T) {
	m := newTestMesh(t, "alpha", nil)
	p := m.newPeer("beta", 19000)
	for i := uint32(0); i < 3; i++ {
		if err := p.q.enqueue(p, userFrame(i)); err != nil {
			t.Fatal(err)
		}
	}
	hb := &qframe{typ: wire.TypeHeartbeat, flags: flagHead, wireLen: wire.EnvelopeLen}
	if err := p.q.enqueue(p, hb); err != nil {
		t.Fatal(err)
	}
	types := drainTypes(p)
	if types[0] != wire.TypeHeartbeat {
		t.Fatalf("head frame not first: %v", types)
	}
	if len(types) != 4 {
		t.Fatalf("drained %d frames", len(types))
	}
}

func TestQueueDedupeHead(t *testing.T) {
	m := newTestMesh(t, "alpha", nil)
	p := m.newPeer("beta", 19000)
	for i := 0; i < 5; i++ {
		f := &qframe{
			typ:     wire.TypeHeartbeat,
			flags:   flagHead | flagNoDupe | flagNoDelay | flagNoLimit,
			wireLen: wire.EnvelopeLen,
		}
		if err := p.q.enqueue(p, f); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	types := drainTypes(p)
	if len(types) != 1 || types[0] != wire.TypeHeartbeat {
		t.Fatalf("expected exactly one heartbeat, got %v", types)
	}
	p.q.mu.Lock()
	dedupes := p.q.dedupes
	p.q.mu.Unlock()
	if dedupes != 4 {
		t.Fatalf("dedupe count = %d, want 4", dedupes)
	}
}

func TestQueueDedupeOnlyMatchesHeadType(t *testing.T) {
	m := newTestMesh(t, "alpha", nil)
	p := m.newPeer("beta", 19000)
	if err := p.q.enqueue(p, userFrame(1)); err != nil {
		t.Fatal(err)
	}
	// Head is a user message, so a no-dupe heartbeat still goes in.
	hb := &qframe{typ: wire.TypeHeartbeat, flags: flagNoDupe, wireLen: wire.EnvelopeLen}
	if err := p.q.enqueue(p, hb); err != nil {
		t.Fatal(err)
	}
	if types := drainTypes(p); len(types) != 2 {
		t.Fatalf("got %v", types)
	}
}

func TestQueueCountCap(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) { o.MaxQueue = 100 })
	p := m.newPeer("beta", 19000)
	for i := uint32(0); i < 100; i++ {
		if err := p.q.enqueue(p, userFrame(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := p.q.enqueue(p, userFrame(100))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("101st enqueue with cap 100: %v", err)
	}
	// no_limit traffic still gets through.
	f := userFrame(101)
	f.flags = flagNoLimit
	if err := p.q.enqueue(p, f); err != nil {
		t.Fatalf("no-limit enqueue: %v", err)
	}
	got := frameKeys(p.q.detach(p))
	if len(got) != 101 {
		t.Fatalf("drained %d frames, want 101", len(got))
	}
}

func TestQueueByteCap(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) { o.MaxBytes = 200 })
	p := m.newPeer("beta", 19000)
	big := &qframe{typ: wire.TypeUserMsg, payload: make([]byte, 300), wireLen: wire.EnvelopeLen + 300}
	// One frame always slips into an empty queue, even past the cap.
	if err := p.q.enqueue(p, big); err != nil {
		t.Fatalf("first oversize frame: %v", err)
	}
	if err := p.q.enqueue(p, userFrame(1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second frame past byte cap: %v", err)
	}
}

func TestQueueInOrderInsertion(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) {
		o.Hooks.Netcmp = func(a, b []byte) int {
			return int(binary.BigEndian.Uint32(a)) - int(binary.BigEndian.Uint32(b))
		}
	})
	p := m.newPeer("beta", 19000)
	for _, k := range []uint32{10, 30, 20} {
		f := userFrame(k)
		f.flags = flagInOrder
		if err := p.q.enqueue(p, f); err != nil {
			t.Fatal(err)
		}
	}
	got := frameKeys(p.q.detach(p))
	want := []uint32{10, 20, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	p.q.mu.Lock()
	reorders := p.q.reorders
	p.q.mu.Unlock()
	if reorders != 1 {
		t.Fatalf("reorders = %d, want 1", reorders)
	}
}

func TestQueueInOrderLookaheadBound(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) {
		o.ReorderLookahead = 2
		o.Hooks.Netcmp = func(a, b []byte) int {
			return int(binary.BigEndian.Uint32(a)) - int(binary.BigEndian.Uint32(b))
		}
	})
	p := m.newPeer("beta", 19000)
	for _, k := range []uint32{50, 40, 30, 20} {
		f := userFrame(k)
		f.flags = flagInOrder
		if err := p.q.enqueue(p, f); err != nil {
			t.Fatal(err)
		}
	}
	// 1 belongs at the very front but the walk stops after 2 steps, so it
	// lands mid-queue: keys past the window may stay out of order.
	f := userFrame(1)
	f.flags = flagInOrder
	if err := p.q.enqueue(p, f); err != nil {
		t.Fatal(err)
	}
	got := frameKeys(p.q.detach(p))
	if got[0] == 1 {
		t.Fatalf("frame jumped past the lookahead bound: %v", got)
	}
	if len(got) != 5 {
		t.Fatalf("drained %d frames", len(got))
	}
}

func TestQueueCountersMatchContents(t *testing.T) {
	m := newTestMesh(t, "alpha", nil)
	p := m.newPeer("beta", 19000)
	wantBytes := int64(0)
	for i := uint32(0); i < 7; i++ {
		f := userFrame(i)
		wantBytes += int64(f.wireLen)
		if err := p.q.enqueue(p, f); err != nil {
			t.Fatal(err)
		}
	}
	p.q.mu.Lock()
	count, bytes := p.q.count, p.q.bytes
	n := int64(0)
	for f := p.q.head; f != nil; f = f.next {
		n++
	}
	p.q.mu.Unlock()
	if count != n {
		t.Fatalf("count %d but list has %d", count, n)
	}
	if bytes != wantBytes {
		t.Fatalf("bytes %d want %d", bytes, wantBytes)
	}
	p.q.detach(p)
	p.q.mu.Lock()
	count, bytes = p.q.count, p.q.bytes
	p.q.mu.Unlock()
	if count != 0 || bytes != 0 {
		t.Fatalf("counters not reset after drain: %d/%d", count, bytes)
	}
}

func TestFlushIntervalPromotion(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) { o.FlushInterval = 3 })
	p := m.newPeer("beta", 19000)
	promoted := 0
	for i := 0; i < 8; i++ {
		if p.q.bumpSendCount(m.tun.flushInterval.Load(), false) {
			promoted++
		}
	}
	// Sends 4 and 8 cross the 3-send interval.
	if promoted != 2 {
		t.Fatalf("promoted %d sends, want 2", promoted)
	}
	// An explicit no-delay send resets the counter.
	if !p.q.bumpSendCount(m.tun.flushInterval.Load(), true) {
		t.Fatal("explicit nodelay lost")
	}
	p.q.mu.Lock()
	numSends := p.q.numSends
	p.q.mu.Unlock()
	if numSends != 0 {
		t.Fatalf("numSends = %d after nodelay, want 0", numSends)
	}
}

func TestDumpQueue(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) {
		o.Hooks.GetLSN = func(payload []byte) (string, bool) {
			if len(payload) < wire.UserMsgHdrLen+4 {
				return "", false
			}
			key := binary.BigEndian.Uint32(payload[wire.UserMsgHdrLen:])
			return fmt.Sprintf("lsn %d", key), true
		}
	})
	m.lock.Lock()
	p, _ := m.addPeerLocked("beta", 19000)
	m.lock.Unlock()
	for i := uint32(0); i < 3; i++ {
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, 100+i)
		payload := wire.AppendUserMsgHdr(nil, wire.UserMsgHdr{UserType: 7, DataLen: 4})
		payload = append(payload, body...)
		f := &qframe{typ: wire.TypeUserMsg, payload: payload, wireLen: wire.EnvelopeLen + len(payload)}
		if err := p.q.enqueue(p, f); err != nil {
			t.Fatal(err)
		}
	}
	descs, skipped := m.DumpQueue("beta")
	if len(descs) != 3 || skipped != 0 {
		t.Fatalf("dump = %v skipped %d", descs, skipped)
	}
	if descs[0] != "lsn 100" || descs[2] != "lsn 102" {
		t.Fatalf("dump = %v", descs)
	}
}

func TestThrottleWaitReleasesOnDrain(t *testing.T) {
	m := newTestMesh(t, "alpha", func(o *Options) {
		o.MaxQueue = 10
		o.ThrottlePercent = 50
	})
	m.lock.Lock()
	p, _ := m.addPeerLocked("beta", 19000)
	m.lock.Unlock()
	for i := uint32(0); i < 6; i++ {
		if err := p.q.enqueue(p, userFrame(i)); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.ThrottleWait("beta"); err != nil {
			t.Errorf("throttle wait: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("throttle wait returned with queue above threshold")
	case <-time.After(50 * time.Millisecond):
	}

	p.q.detach(p)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("throttle wait never released")
	}
	if p.throttleWaits.Load() == 0 {
		t.Fatal("throttle wait not counted")
	}
}
