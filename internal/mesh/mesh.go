// Package mesh implements a fully-connected peer-to-peer message transport.
// Each node keeps one persistent TCP link to every known peer, exchanges
// typed user messages with optional synchronous acks, and gossips its peer
// list so a seed containing any one member eventually reveals the cluster.
package mesh

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"

	"replmesh/internal/nameservice"
)

const (
	defaultMaxUserType      = 256
	defaultMaxQueue         = 25000
	defaultMaxBytes         = 512 * 1024 * 1024
	defaultFlushInterval    = 1000
	defaultReorderLookahead = 20
	defaultHeartbeatSend    = 5 * time.Second
	defaultHeartbeatCheck   = 10 * time.Second
	defaultThrottlePercent  = 50
	defaultRegisterInterval = 600 * time.Second
	defaultNetPoll          = 100 * time.Millisecond
	defaultWriterPoll       = 1 * time.Second
	defaultBufSize          = 1 << 20

	maxChildNets = 16
)

// Options configure one mesh. The zero value of every optional field picks
// the documented default; Hostname, Service, and one of Port, Listener or
// Registrar are required.
type Options struct {
	App      string
	Service  string
	Instance string

	// Hostname is this node's mesh identity. Peers dial it, so it must
	// resolve for them.
	Hostname string

	// Port is the TCP listen port. Zero means register through the
	// Registrar and adopt whatever port the pre-bound Listener carries.
	Port int

	// Listener, when set, is a pre-bound listening socket handed in by
	// the host to prevent a double launch; Start uses it instead of
	// binding Port.
	Listener net.Listener

	Logger    *zap.Logger
	Resolver  nameservice.Resolver
	Registrar nameservice.Registrar
	TLSPolicy TLSPolicy
	Hooks     Hooks

	// MaxUserType sizes the handler table; user types are 0..MaxUserType-1.
	MaxUserType int

	MaxQueue         int
	MaxBytes         int
	FlushInterval    int
	ReorderLookahead int
	HeartbeatSend    time.Duration
	HeartbeatCheck   time.Duration
	ThrottlePercent  int
	RegisterInterval time.Duration
	NetPoll          time.Duration
	WriterPoll       time.Duration
	SockBufSize      int
	Linger           bool

	// SubnetSuffixes are tried round-robin when dialing, e.g. "_n2","_n3".
	SubnetSuffixes []string
}

// tunables are the runtime-settable knobs; atomics so the operator surface
// can flip them while workers run.
type tunables struct {
	maxQueue         atomic.Int64
	maxBytes         atomic.Int64
	flushInterval    atomic.Int64
	reorderLookahead atomic.Int64
	heartbeatSend    atomic.Int64 // nanoseconds
	heartbeatCheck   atomic.Int64
	throttlePercent  atomic.Int64
	registerInterval atomic.Int64
	netPoll          atomic.Int64
	writerPoll       atomic.Int64
	sockBufSize      atomic.Int64
}

type handlerReg struct {
	fn   Handler
	name string
}

type handlerEntry struct {
	reg     atomic.Pointer[handlerReg]
	calls   atomic.Uint64
	totalUS atomic.Uint64
}

// Mesh is the process-wide state for one mesh membership.
type Mesh struct {
	app      string
	service  string
	instance string
	myhost   string
	myport   int

	log  *zap.Logger
	tun  tunables
	rand *rand.Rand
	rmu  sync.Mutex // guards rand

	resolver  nameservice.Resolver
	registrar nameservice.Registrar
	tlsPolicy TLSPolicy
	hooks     Hooks
	linger    bool

	// lock guards peer-list topology; it is always acquired before any
	// per-peer mutex. The liveness scan closes sockets while holding the
	// read side, which is safe only because closeSocketLocked never takes it.
	lock      sync.RWMutex
	peers     map[string]*Peer
	order     []*Peer // insertion order, self first; hello walks this
	lastFound atomic.Pointer[Peer]

	sanctionedMu sync.Mutex
	sanctioned   map[string]bool

	handlers []handlerEntry

	seqnum atomic.Int32

	subnets *subnetTable

	watch *watchlist

	// Child nets multiplex this mesh's listener; index 0 is the parent.
	parent   *Mesh
	netnum   int
	childMu  sync.Mutex
	children [maxChildNets]*Mesh

	listener net.Listener

	halt    *idem.Halter
	exiting atomic.Bool
	started atomic.Bool

	acceptOnce    sync.Once
	heartbeatOnce sync.Once
}

// New creates a mesh and seeds its peer table with the node itself.
func New(opts Options) (*Mesh, error) {
	if opts.Hostname == "" {
		return nil, fmt.Errorf("mesh: missing hostname")
	}
	if opts.Service == "" {
		return nil, fmt.Errorf("mesh: missing service")
	}
	if opts.Port == 0 && opts.Listener == nil && opts.Registrar == nil {
		return nil, fmt.Errorf("mesh: need a port, a listener, or a registrar")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mesh{
		app:        opts.App,
		service:    opts.Service,
		instance:   opts.Instance,
		myhost:     canonHost(opts.Hostname),
		myport:     opts.Port,
		log:        logger.With(zap.String("service", opts.Service)),
		resolver:   opts.Resolver,
		registrar:  opts.Registrar,
		tlsPolicy:  opts.TLSPolicy,
		hooks:      opts.Hooks,
		linger:     opts.Linger,
		peers:      make(map[string]*Peer),
		sanctioned: make(map[string]bool),
		listener:   opts.Listener,
		halt:       idem.NewHalter(),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if opts.Listener != nil && m.myport == 0 {
		if ta, ok := opts.Listener.Addr().(*net.TCPAddr); ok {
			m.myport = ta.Port
		}
	}

	maxUT := opts.MaxUserType
	if maxUT <= 0 {
		maxUT = defaultMaxUserType
	}
	m.handlers = make([]handlerEntry, maxUT)

	m.tun.maxQueue.Store(envInt64("REPLMESH_MAX_QUEUE", defInt64(opts.MaxQueue, defaultMaxQueue)))
	m.tun.maxBytes.Store(envInt64("REPLMESH_MAX_BYTES", defInt64(opts.MaxBytes, defaultMaxBytes)))
	m.tun.flushInterval.Store(defInt64(opts.FlushInterval, defaultFlushInterval))
	m.tun.reorderLookahead.Store(defInt64(opts.ReorderLookahead, defaultReorderLookahead))
	m.tun.heartbeatSend.Store(int64(defDur(opts.HeartbeatSend, defaultHeartbeatSend)))
	m.tun.heartbeatCheck.Store(int64(defDur(opts.HeartbeatCheck, defaultHeartbeatCheck)))
	m.tun.throttlePercent.Store(defInt64(opts.ThrottlePercent, defaultThrottlePercent))
	m.tun.registerInterval.Store(int64(defDur(opts.RegisterInterval, defaultRegisterInterval)))
	m.tun.netPoll.Store(int64(defDur(opts.NetPoll, defaultNetPoll)))
	m.tun.writerPoll.Store(int64(defDur(opts.WriterPoll, defaultWriterPoll)))
	m.tun.sockBufSize.Store(defInt64(opts.SockBufSize, defaultBufSize))

	m.subnets = newSubnetTable(opts.SubnetSuffixes)
	m.watch = newWatchlist(m)

	self := m.newPeer(m.myhost, m.myport)
	m.peers[m.myhost] = self
	m.order = append(m.order, self)

	return m, nil
}

// NewChild registers a child mesh multiplexing this mesh's listen socket.
// netnum must be in [1, 15]; the child never runs its own accept loop and
// resolves ports with the parent's service triple.
func (m *Mesh) NewChild(netnum int, opts Options) (*Mesh, error) {
	if m.parent != nil {
		return nil, fmt.Errorf("mesh: child nets do not nest")
	}
	if netnum <= 0 || netnum >= maxChildNets {
		return nil, fmt.Errorf("mesh: child netnum %d out of range", netnum)
	}
	opts.Hostname = m.myhost
	opts.Port = m.myport
	opts.Listener = nil
	child, err := New(opts)
	if err != nil {
		return nil, err
	}
	child.parent = m
	child.netnum = netnum
	child.subnets = m.subnets // subnet state is shared across the process's meshes

	m.childMu.Lock()
	defer m.childMu.Unlock()
	if m.children[netnum] != nil {
		return nil, fmt.Errorf("mesh: child net %d already registered", netnum)
	}
	m.children[netnum] = child
	return child, nil
}

func (m *Mesh) child(netnum int) *Mesh {
	if netnum == 0 {
		return m
	}
	m.childMu.Lock()
	defer m.childMu.Unlock()
	return m.children[netnum]
}

// Start launches the accept loop (parent meshes only), the heartbeat pair,
// and connect threads for every seeded peer.
func (m *Mesh) Start() error {
	if m.started.Swap(true) {
		return nil
	}
	if m.parent == nil {
		if err := m.startListener(); err != nil {
			return err
		}
	}
	m.heartbeatOnce.Do(func() {
		go m.heartbeatSendLoop()
		go m.heartbeatCheckLoop()
	})
	m.lock.RLock()
	for _, p := range m.order {
		if p.host != m.myhost {
			p.startConnectThread()
		}
	}
	m.lock.RUnlock()
	m.watch.start()
	return nil
}

// Stop shuts the mesh down: closes the listener and every peer socket and
// stops any child nets. It returns without waiting for workers to exit;
// they leave on their own once their sockets are closed.
func (m *Mesh) Stop() {
	if m.exiting.Swap(true) {
		return
	}
	m.halt.ReqStop.Close()
	if m.listener != nil && m.parent == nil {
		m.listener.Close()
	}
	m.lock.RLock()
	for _, p := range m.order {
		p.mu.Lock()
		p.closeSocketLocked("mesh stop")
		p.mu.Unlock()
	}
	m.lock.RUnlock()
	m.childMu.Lock()
	for _, c := range m.children {
		if c != nil {
			c.Stop()
		}
	}
	m.childMu.Unlock()
	m.halt.Done.Close()
}

// Exiting reports whether Stop has begun; loops poll it before blocking.
func (m *Mesh) Exiting() bool { return m.exiting.Load() }

// Hostname returns this node's mesh identity.
func (m *Mesh) Hostname() string { return m.myhost }

// Port returns the mesh listen port.
func (m *Mesh) Port() int { return m.myport }

// RegisterHandler binds fn to userType. Re-registration replaces the
// previous handler; name feeds the per-handler stats.
func (m *Mesh) RegisterHandler(userType int, name string, fn Handler) error {
	if userType < 0 || userType >= len(m.handlers) {
		return fmt.Errorf("mesh: user type %d out of range 0..%d", userType, len(m.handlers)-1)
	}
	m.handlers[userType].reg.Store(&handlerReg{fn: fn, name: name})
	return nil
}

func (m *Mesh) handler(userType int32) (*handlerEntry, *handlerReg) {
	if userType < 0 || int(userType) >= len(m.handlers) {
		return nil, nil
	}
	h := &m.handlers[userType]
	reg := h.reg.Load()
	if reg == nil {
		return nil, nil
	}
	return h, reg
}

func (m *Mesh) nextSeqnum() int32 {
	return m.seqnum.Add(1)
}

func (m *Mesh) randDur(max time.Duration) time.Duration {
	m.rmu.Lock()
	d := time.Duration(m.rand.Int63n(int64(max)))
	m.rmu.Unlock()
	return d
}

// triple returns the service triple used for name-service lookups; child
// nets rendezvous under their parent's triple.
func (m *Mesh) triple() (app, service, instance string) {
	if m.parent != nil {
		return m.parent.app, m.parent.service, m.parent.instance
	}
	return m.app, m.service, m.instance
}

func canonHost(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func defInt64(v, def int) int64 {
	if v > 0 {
		return int64(v)
	}
	return int64(def)
}

func defDur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func envInt64(name string, def int64) int64 {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
			return v
		}
	}
	return def
}
