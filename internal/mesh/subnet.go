package mesh

import (
	"sync/atomic"
	"time"
)

const defaultSubnetBlackout = 10 * time.Second

// subnetTable rotates the optional DNS-suffix list used to pick a NIC for
// each dial. A suffix the reader timed out on is skipped for the blackout
// window; an administratively disabled one is skipped until re-enabled.
// One table serves the whole process — child nets share their parent's.
type subnetTable struct {
	suffixes []*subnetState
	next     atomic.Uint64
	blackout atomic.Int64 // nanoseconds
}

type subnetState struct {
	suffix   string
	disabled atomic.Bool
	badUntil atomic.Int64 // unix nanos
}

func newSubnetTable(suffixes []string) *subnetTable {
	t := &subnetTable{}
	t.blackout.Store(int64(defaultSubnetBlackout))
	for _, s := range suffixes {
		if s == "" {
			continue
		}
		t.suffixes = append(t.suffixes, &subnetState{suffix: s})
	}
	return t
}

// nextAddr picks the dial target for host: the next usable suffix in
// round-robin order, or the bare hostname when no suffix is usable. The
// returned index identifies the suffix for markBad; -1 means none.
func (t *subnetTable) nextAddr(host string) (string, int) {
	n := len(t.suffixes)
	if n == 0 {
		return host, -1
	}
	now := time.Now().UnixNano()
	start := int(t.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := t.suffixes[idx]
		if s.disabled.Load() || s.badUntil.Load() > now {
			continue
		}
		return host + s.suffix, idx
	}
	return host, -1
}

// markBad blacks the suffix out for the blackout window.
func (t *subnetTable) markBad(idx int) {
	if idx < 0 || idx >= len(t.suffixes) {
		return
	}
	until := time.Now().Add(time.Duration(t.blackout.Load())).UnixNano()
	t.suffixes[idx].badUntil.Store(until)
}

func (t *subnetTable) indexOf(suffix string) int {
	for i, s := range t.suffixes {
		if s.suffix == suffix {
			return i
		}
	}
	return -1
}

// SubnetStatus is one row of the operator-facing subnet report.
type SubnetStatus struct {
	Suffix     string
	Disabled   bool
	BlackedOut bool
}

// SubnetStatus reports each configured suffix and whether the rotation is
// currently skipping it.
func (m *Mesh) SubnetStatus() []SubnetStatus {
	now := time.Now().UnixNano()
	out := make([]SubnetStatus, 0, len(m.subnets.suffixes))
	for _, s := range m.subnets.suffixes {
		out = append(out, SubnetStatus{
			Suffix:     s.suffix,
			Disabled:   s.disabled.Load(),
			BlackedOut: s.badUntil.Load() > now,
		})
	}
	return out
}

// SetSubnetBlackout adjusts how long a bad suffix stays out of rotation.
func (m *Mesh) SetSubnetBlackout(d time.Duration) {
	if d > 0 {
		m.subnets.blackout.Store(int64(d))
	}
}

// DisableSubnet takes a suffix out of rotation and synchronously shuts
// down every open socket dialed through it, in this mesh and its children.
// Disabling from a child acts on the whole process, since the table is
// shared.
func (m *Mesh) DisableSubnet(suffix string) {
	root := m
	if root.parent != nil {
		root = root.parent
	}
	idx := root.subnets.indexOf(suffix)
	if idx < 0 {
		return
	}
	root.subnets.suffixes[idx].disabled.Store(true)
	root.closeSubnetSockets(idx)
	root.childMu.Lock()
	children := root.children
	root.childMu.Unlock()
	for _, c := range children {
		if c != nil {
			c.closeSubnetSockets(idx)
		}
	}
}

// EnableSubnet returns a disabled suffix to the rotation.
func (m *Mesh) EnableSubnet(suffix string) {
	root := m
	if root.parent != nil {
		root = root.parent
	}
	if idx := root.subnets.indexOf(suffix); idx >= 0 {
		root.subnets.suffixes[idx].disabled.Store(false)
		root.subnets.suffixes[idx].badUntil.Store(0)
	}
}

func (m *Mesh) closeSubnetSockets(idx int) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, p := range m.order {
		p.mu.Lock()
		if p.conn != nil && p.subnetIdx == idx {
			p.closeSocketLocked("subnet disabled")
		}
		p.mu.Unlock()
	}
}
