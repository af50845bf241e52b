// Package porttest provides an in-memory port.Port for tests.
package porttest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/acousea/buoynode/pkg/port"
)

// ErrInjected is returned by operations armed to fail.
var ErrInjected = errors.New("injected failure")

// Port is a scripted port.Port. Inbound messages are queued with Deliver
// and sent messages are recorded in order.
type Port struct {
	mu sync.Mutex

	typ     port.Type
	inbound [][]byte
	sent    [][]byte
	syncs   int
	closed  bool

	// FailSends makes the next n calls to Send fail.
	FailSends int
	// FailSync makes every Sync fail.
	FailSync bool
}

// New returns an empty Port of type t.
func New(t port.Type) *Port {
	return &Port{typ: t}
}

// Deliver queues messages as if they were received by the transport.
func (p *Port) Deliver(msgs ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.inbound = append(p.inbound, append([]byte(nil), m...))
	}
}

// Pending returns the number of inbound messages not yet skipped.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbound)
}

// Sent returns a copy of the messages sent so far.
func (p *Port) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

// Syncs returns the number of Sync calls.
func (p *Port) Syncs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncs
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Type implements port.Port.
func (p *Port) Type() port.Type { return p.typ }

// Init implements port.Port.
func (p *Port) Init() error { return nil }

// Available implements port.Port.
func (p *Port) Available() bool { return p.Pending() > 0 }

// ReadInto implements port.Port.
func (p *Port) ReadInto(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbound) == 0 || len(p.inbound[0]) > len(buf) {
		return 0
	}
	return copy(buf, p.inbound[0])
}

// Skip implements port.Port.
func (p *Port) Skip() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbound) > 0 {
		p.inbound = p.inbound[1:]
	}
	return nil
}

// Send implements port.Port.
func (p *Port) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSends > 0 {
		p.FailSends--
		return ErrInjected
	}
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

// Sync implements port.Port.
func (p *Port) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncs++
	if p.FailSync {
		return ErrInjected
	}
	return nil
}

// Close implements port.Port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
