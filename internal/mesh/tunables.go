package mesh

import "time"

// Runtime tunables. Setters reject non-positive values so an operator typo
// can't stall the transport; workers pick new values up on their next loop.

func (m *Mesh) SetMaxQueue(n int) {
	if n > 0 {
		m.tun.maxQueue.Store(int64(n))
	}
}

func (m *Mesh) MaxQueue() int { return int(m.tun.maxQueue.Load()) }

func (m *Mesh) SetMaxBytes(n int) {
	if n > 0 {
		m.tun.maxBytes.Store(int64(n))
	}
}

func (m *Mesh) MaxBytes() int { return int(m.tun.maxBytes.Load()) }

func (m *Mesh) SetHeartbeatSend(d time.Duration) {
	if d > 0 {
		m.tun.heartbeatSend.Store(int64(d))
	}
}

func (m *Mesh) HeartbeatSend() time.Duration {
	return time.Duration(m.tun.heartbeatSend.Load())
}

func (m *Mesh) SetHeartbeatCheck(d time.Duration) {
	if d > 0 {
		m.tun.heartbeatCheck.Store(int64(d))
	}
}

func (m *Mesh) HeartbeatCheck() time.Duration {
	return time.Duration(m.tun.heartbeatCheck.Load())
}

func (m *Mesh) SetThrottlePercent(pct int) {
	if pct > 0 && pct <= 100 {
		m.tun.throttlePercent.Store(int64(pct))
	}
}

func (m *Mesh) ThrottlePercent() int { return int(m.tun.throttlePercent.Load()) }

func (m *Mesh) SetReorderLookahead(n int) {
	if n > 0 {
		m.tun.reorderLookahead.Store(int64(n))
	}
}

func (m *Mesh) ReorderLookahead() int { return int(m.tun.reorderLookahead.Load()) }

func (m *Mesh) SetFlushInterval(sends int) {
	if sends > 0 {
		m.tun.flushInterval.Store(int64(sends))
	}
}

func (m *Mesh) FlushInterval() int { return int(m.tun.flushInterval.Load()) }

func (m *Mesh) SetRegisterInterval(d time.Duration) {
	if d > 0 {
		m.tun.registerInterval.Store(int64(d))
	}
}

func (m *Mesh) RegisterInterval() time.Duration {
	return time.Duration(m.tun.registerInterval.Load())
}

func (m *Mesh) SetNetPoll(d time.Duration) {
	if d > 0 {
		m.tun.netPoll.Store(int64(d))
	}
}

func (m *Mesh) NetPoll() time.Duration { return time.Duration(m.tun.netPoll.Load()) }

func (m *Mesh) SetWriterPoll(d time.Duration) {
	if d > 0 {
		m.tun.writerPoll.Store(int64(d))
	}
}

func (m *Mesh) SetSockBufSize(n int) {
	if n > 0 {
		m.tun.sockBufSize.Store(int64(n))
	}
}

func (m *Mesh) SockBufSize() int { return int(m.tun.sockBufSize.Load()) }
