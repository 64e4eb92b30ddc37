// Package nameservice is the port rendezvous the transport consumes: a node
// registers its (app, service, instance) triple against its listen port,
// and dialers resolve the triple on a target host when they don't know its
// port. The host process picks the implementation.
package nameservice

import (
	"context"
	"fmt"
	"sync"
)

// Resolver maps a service triple on a host to a TCP port.
type Resolver interface {
	Resolve(ctx context.Context, host, app, service, instance string) (int, error)
}

// Registrar advertises host's service triple at a port. The liveness
// thread calls Register again periodically; implementations must treat a
// repeat as a refresh, not a conflict.
type Registrar interface {
	Register(ctx context.Context, host, app, service, instance string, port int) error
}

// ErrNotFound is returned by Resolve when the triple has no registration.
var ErrNotFound = fmt.Errorf("nameservice: not registered")

func key(host, app, service, instance string) string {
	return app + "/" + service + "/" + instance + "/" + host
}

// Static is a fixed in-memory table. Tests and single-box setups use it.
type Static struct {
	mu    sync.Mutex
	ports map[string]int
}

func NewStatic() *Static {
	return &Static{ports: make(map[string]int)}
}

func (s *Static) Register(_ context.Context, host, app, service, instance string, port int) error {
	s.mu.Lock()
	s.ports[key(host, app, service, instance)] = port
	s.mu.Unlock()
	return nil
}

func (s *Static) Resolve(_ context.Context, host, app, service, instance string) (int, error) {
	s.mu.Lock()
	port, ok := s.ports[key(host, app, service, instance)]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	return port, nil
}
