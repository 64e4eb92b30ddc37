package mesh

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// watchlist tracks admitted appsock sessions and shuts down the ones that
// sit idle past their read or write limits. Mesh links are not watched —
// the heartbeat check owns those.
type watchlist struct {
	mesh  *Mesh
	mu    sync.Mutex
	conns map[*WatchedConn]struct{}
	once  sync.Once
}

func newWatchlist(m *Mesh) *watchlist {
	return &watchlist{mesh: m, conns: make(map[*WatchedConn]struct{})}
}

// WatchedConn stamps read/write activity so the sweeper can see idleness
// through the host's own buffered I/O. Idle limits default to off; the
// appsock owner sets what it needs.
type WatchedConn struct {
	net.Conn
	wl        *watchlist
	lastRead  atomic.Int64
	lastWrite atomic.Int64
	readIdle  atomic.Int64 // nanoseconds, 0 = disabled
	writeIdle atomic.Int64
	closed    atomic.Bool
}

func (w *watchlist) wrap(conn net.Conn) *WatchedConn {
	wc := &WatchedConn{Conn: conn, wl: w}
	now := time.Now().UnixNano()
	wc.lastRead.Store(now)
	wc.lastWrite.Store(now)
	w.mu.Lock()
	w.conns[wc] = struct{}{}
	w.mu.Unlock()
	return wc
}

func (w *watchlist) start() {
	w.once.Do(func() {
		go w.sweep()
	})
}

func (w *watchlist) sweep() {
	for {
		select {
		case <-time.After(time.Second):
		case <-w.mesh.halt.ReqStop.Chan:
			return
		}
		now := time.Now().UnixNano()
		w.mu.Lock()
		var stale []*WatchedConn
		for wc := range w.conns {
			if wc.idlePast(now) {
				stale = append(stale, wc)
			}
		}
		w.mu.Unlock()
		for _, wc := range stale {
			w.mesh.log.Info("closing idle appsock",
				zap.String("remote", wc.RemoteAddr().String()))
			wc.Close()
		}
	}
}

func (wc *WatchedConn) idlePast(now int64) bool {
	if r := wc.readIdle.Load(); r > 0 && now-wc.lastRead.Load() > r {
		return true
	}
	if wr := wc.writeIdle.Load(); wr > 0 && now-wc.lastWrite.Load() > wr {
		return true
	}
	return false
}

func (wc *WatchedConn) Read(b []byte) (int, error) {
	n, err := wc.Conn.Read(b)
	if n > 0 {
		wc.lastRead.Store(time.Now().UnixNano())
	}
	return n, err
}

func (wc *WatchedConn) Write(b []byte) (int, error) {
	n, err := wc.Conn.Write(b)
	if n > 0 {
		wc.lastWrite.Store(time.Now().UnixNano())
	}
	return n, err
}

// SetReadIdle arms the inbound idle timer; zero disarms it.
func (wc *WatchedConn) SetReadIdle(d time.Duration) {
	wc.readIdle.Store(int64(d))
}

// SetWriteIdle arms the outbound idle timer; zero disarms it.
func (wc *WatchedConn) SetWriteIdle(d time.Duration) {
	wc.writeIdle.Store(int64(d))
}

func (wc *WatchedConn) Close() error {
	if wc.closed.Swap(true) {
		return nil
	}
	wc.wl.mu.Lock()
	delete(wc.wl.conns, wc)
	wc.wl.mu.Unlock()
	return wc.Conn.Close()
}
