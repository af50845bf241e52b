// Package routine implements the handlers the runner dispatches packets and
// periodic reports to.
package routine

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
)

var log = logging.MustGetLogger("routine")

// Status is the outcome of a routine execution.
type Status uint8

// Execution outcomes.
const (
	// Success carries an optional packet to send.
	Success Status = iota
	// Incomplete means a data dependency is not ready; retry later.
	Incomplete
	// Failure carries an error to report back to the requester.
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Incomplete:
		return "incomplete"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Result is returned by Routine.Execute.
type Result struct {
	Status Status
	Packet *packet.Packet
	Err    error
}

// Succeed returns a successful Result carrying p, which may be nil.
func Succeed(p *packet.Packet) Result {
	return Result{Status: Success, Packet: p}
}

// Pending returns an Incomplete Result.
func Pending(reason string) Result {
	return Result{Status: Incomplete, Err: errors.New(reason)}
}

// Fail returns a failed Result.
func Fail(err error) Result {
	return Result{Status: Failure, Err: err}
}

// Failf returns a failed Result with a formatted error.
func Failf(format string, args ...interface{}) Result {
	return Fail(errors.Errorf(format, args...))
}

// Routine handles one kind of packet. in is nil for reports; from is the
// port in was received on, or the transport a report is sent through.
type Routine interface {
	Name() string
	Execute(in *packet.Packet, from port.Type) Result
}

// Resetter is implemented by routines keeping state between attempts.
type Resetter interface {
	Reset()
}

// Key selects a routine by body and payload tag.
type Key struct {
	Body    packet.BodyTag
	Payload packet.PayloadTag
}

// KeyOf returns the dispatch key of p.
func KeyOf(p *packet.Packet) Key {
	b, pl := p.Tags()
	return Key{Body: b, Payload: pl}
}

func (k Key) String() string {
	return packet.PayloadName(k.Body, k.Payload)
}

// Table maps dispatch keys to routines.
type Table map[Key]Routine

// Lookup returns the routine handling p.
func (t Table) Lookup(p *packet.Packet) (Routine, bool) {
	r, ok := t[KeyOf(p)]
	return r, ok && r != nil
}
