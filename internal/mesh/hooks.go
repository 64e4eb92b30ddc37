package mesh

import (
	"bufio"
	"net"
)

// Handler consumes one inbound user message. ack is non-nil when the sender
// is blocked in SendWithAck; the handler (or whoever it hands the AckState
// to) answers with ack.Ack or ack.AckPayload. data is only valid for the
// duration of the call — the reader reuses its scratch buffer.
type Handler func(ack *AckState, fromHost string, userType int, data []byte)

// TLSPolicy controls whether mesh links negotiate TLS after the connect
// record.
type TLSPolicy int

const (
	TLSDisabled TLSPolicy = iota
	TLSAllow              // accept a peer's TLS request, never ask for it
	TLSRequire            // request TLS on dial, reject cleartext peers
)

// Qstat is an opaque per-peer handle owned by the qstat hooks; the transport
// threads it through enqueue and drain so the host can mirror queue contents.
type Qstat any

// QstatHooks let the host shadow each peer's send queue for introspection.
// All four are optional; Enqueue/Clear are called with the queue mutex held
// and must not block.
type QstatHooks struct {
	Init    func(host string) Qstat
	Enqueue func(q Qstat, userType int, wireLen int)
	Clear   func(q Qstat)
	Free    func(q Qstat)
}

// Hooks are the host-supplied callbacks the transport consumes. All fields
// are optional unless noted on the field.
type Hooks struct {
	// Allow gates inbound connects; returning false drops the connection
	// before a peer entry is made.
	Allow func(host string) bool

	// NewNode fires when a hostname is first added to the peer table.
	NewNode func(host string, port int)

	// HostDown fires when the liveness check kills a peer's socket.
	HostDown func(host string)

	// Hello fires after a hello from host has been integrated.
	Hello func(host string)

	// GetLSN renders a queued user payload for queue dumps. Returning
	// ok=false skips the frame.
	GetLSN func(payload []byte) (desc string, ok bool)

	// Netcmp orders user payloads for in-order sends; negative means a
	// sorts before b. Required for SendInOrder to reorder at all.
	Netcmp func(a, b []byte) int

	// Appsock receives admitted application sockets (first byte > 0 and
	// not the admin sentinel). Return true to take ownership of the
	// connection; false closes it. The sniffed first byte is still
	// unread in rw.
	Appsock func(conn net.Conn, rw *bufio.ReadWriter) bool

	// AdminAppsock is Appsock for the '@' sentinel; only ever called for
	// loopback origins.
	AdminAppsock func(conn net.Conn, rw *bufio.ReadWriter) bool

	// StartThread/StopThread bracket every worker goroutine for
	// caller-side thread-local setup.
	StartThread func()
	StopThread  func()

	// TLSConnect/TLSAccept wrap a mesh link in TLS when negotiated.
	// Required when TLSPolicy is not TLSDisabled.
	TLSConnect func(conn net.Conn, host string) (net.Conn, error)
	TLSAccept  func(conn net.Conn) (net.Conn, error)

	// MachineIsUp filters offload target picking; defaults to everyone up.
	MachineIsUp func(host string) bool

	// AddrResolve overrides hostname-to-address resolution for dialing.
	// It receives the dial name with any subnet suffix already applied;
	// returning ok=false falls back to the system resolver.
	AddrResolve func(dialHost string) (addr string, ok bool)

	Qstat QstatHooks
}
