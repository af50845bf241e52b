// Package fault classifies node errors and routes unrecoverable ones to a
// single handler registered by the entry point.
package fault

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("fault")

// Kind classifies an error by how the node reacts to it.
type Kind uint8

// Error kinds.
const (
	// Transient errors are retried a bounded number of times.
	Transient Kind = iota
	// Structural errors drop the offending packet.
	Structural
	// ConfigMissing errors degrade to staying in the current state.
	ConfigMissing
	// Fatal errors are passed to the Handler.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Structural:
		return "structural"
	case ConfigMissing:
		return "config-missing"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is an error annotated with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an Error of kind k.
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Errorf returns an Error of kind k with a formatted cause.
func Errorf(k Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Op: op, Err: errors.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Cause implements the github.com/pkg/errors causer.
func (e *Error) Cause() error { return e.Err }

// KindOf returns the Kind of the first Error in err's cause chain. Errors
// without a Kind are Transient.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = c.Cause()
	}
	return Transient
}

// IsFatal reports whether err is of kind Fatal.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == Fatal
}

// Handler handles an unrecoverable error. It is expected not to return.
type Handler func(err error)

var (
	mu      sync.Mutex
	handler Handler = Exit
)

// Exit logs err and exits the process with status 1, leaving the restart to
// the supervisor.
func Exit(err error) {
	log.WithError(err).Error("Unrecoverable error, resetting node")
	os.Exit(1)
}

// SetHandler replaces the fatal error handler and returns the previous one.
// A nil handler restores Exit.
func SetHandler(h Handler) Handler {
	mu.Lock()
	defer mu.Unlock()
	prev := handler
	if h == nil {
		h = Exit
	}
	handler = h
	return prev
}

// Handle passes err to the registered handler.
func Handle(err error) {
	mu.Lock()
	h := handler
	mu.Unlock()
	h(err)
}
