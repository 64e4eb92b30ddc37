package mesh

import "errors"

// Send results form a closed set; callers compare with errors.Is. Reader and
// writer failures never surface here — they feed the peer state machine and
// the dial loop reconnects.
var (
	// ErrInvalidNode: the target hostname is not in the peer table.
	ErrInvalidNode = errors.New("mesh: unknown node")

	// ErrSendToMe: the target is this node.
	ErrSendToMe = errors.New("mesh: send to self")

	// ErrNoSock: the peer has no established socket.
	ErrNoSock = errors.New("mesh: no socket")

	// ErrClosed: the peer's socket is shutting down, or the peer has not
	// completed the hello exchange yet.
	ErrClosed = errors.New("mesh: connection closed")

	// ErrWriteFail: the frame could not be queued for the socket.
	ErrWriteFail = errors.New("mesh: write failed")

	// ErrQueueFull: the peer's send queue is at its count or byte cap.
	ErrQueueFull = errors.New("mesh: send queue full")

	// ErrNoMem: the frame was too large to buffer.
	ErrNoMem = errors.New("mesh: message too large to buffer")

	// ErrTimeout: no ack arrived within the caller's wait.
	ErrTimeout = errors.New("mesh: ack timeout")

	// ErrInvalidAckRC: the remote handler acked with a negative code, which
	// is reserved for transport errors.
	ErrInvalidAckRC = errors.New("mesh: invalid ack return code")

	// ErrInternal: a condition that should not happen; see logs.
	ErrInternal = errors.New("mesh: internal error")

	// ErrExiting: the mesh is shutting down.
	ErrExiting = errors.New("mesh: exiting")
)
