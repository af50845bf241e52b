// Package router implements the single addressing point between routines
// and the node transports.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/internal/metrics"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
)

var log = logging.MustGetLogger("router")

// ErrNoPort is returned when sending through a port type that is not registered.
var ErrNoPort = errors.New("no port of that type is registered")

// Drop reasons reported to metrics.
const (
	DropMalformed    = "malformed"
	DropNotAddressed = "not-addressed"
)

// Config configures Router.
type Config struct {
	Logger     *logging.Logger
	Codec      packet.Codec
	Ports      []port.Port
	RelayPorts []port.Type
	Metrics    metrics.Recorder
}

// Router owns the node ports. Decoding happens into a single packet slot
// owned by the Router: a packet returned by PeekNextPacket is valid until
// the next call to PeekNextPacket or SkipToNextPacket.
type Router struct {
	Logger *logging.Logger

	codec   packet.Codec
	ports   []port.Port
	relay   []port.Type
	metrics metrics.Recorder

	decodeBuf []byte
	slot      packet.Packet
	encodeBuf []byte
}

// New constructs a new Router.
func New(config *Config) *Router {
	r := &Router{
		Logger:    config.Logger,
		codec:     config.Codec,
		ports:     config.Ports,
		relay:     config.RelayPorts,
		metrics:   config.Metrics,
		decodeBuf: make([]byte, packet.MaxSize),
		encodeBuf: make([]byte, 0, packet.MaxSize),
	}
	if r.Logger == nil {
		r.Logger = log
	}
	if r.codec == nil {
		r.codec = packet.ProtoCodec{}
	}
	if r.metrics == nil {
		r.metrics = metrics.NewDummy()
	}
	return r
}

// Ports returns the registered port types in registration order.
func (r *Router) Ports() []port.Type {
	out := make([]port.Type, len(r.ports))
	for i, p := range r.ports {
		out[i] = p.Type()
	}
	return out
}

// HasPort reports whether a port of type t is registered.
func (r *Router) HasPort(t port.Type) bool {
	_, ok := r.port(t)
	return ok
}

// Port returns the registered port of type t.
func (r *Router) Port(t port.Type) (port.Port, bool) {
	return r.port(t)
}

func (r *Router) port(t port.Type) (port.Port, bool) {
	for _, p := range r.ports {
		if p.Type() == t {
			return p, true
		}
	}
	return nil, false
}

// PeekNextPacket returns the first packet addressed to local or broadcast,
// visiting available ports in registration order and reading at most one
// message per port. Undecodable and foreign packets are consumed and dropped.
func (r *Router) PeekNextPacket(local packet.Address) (port.Type, *packet.Packet, bool) {
	for _, p := range r.ports {
		if !p.Available() {
			continue
		}
		t := p.Type()
		n := p.ReadInto(r.decodeBuf)
		if n == 0 {
			continue
		}

		r.slot.Reset()
		if err := r.codec.Decode(r.decodeBuf[:n], &r.slot); err != nil {
			r.Logger.WithError(err).WithField("port", t).Warnf("Dropping undecodable %d byte message", n)
			r.drop(p, DropMalformed)
			continue
		}
		if !r.slot.Routing.IsFor(local) {
			r.Logger.WithField("port", t).Debugf("Dropping %s addressed to %s", &r.slot, r.slot.Routing.Receiver)
			r.drop(p, DropNotAddressed)
			continue
		}

		return t, &r.slot, true
	}
	return port.None, nil, false
}

func (r *Router) drop(p port.Port, reason string) {
	r.metrics.PacketDropped(p.Type().String(), reason)
	if err := p.Skip(); err != nil {
		r.Logger.WithError(err).WithField("port", p.Type()).Error("Failed to skip message")
	}
}

// SkipToNextPacket consumes the packet last peeked from port t. It must
// follow a PeekNextPacket that returned t. Packets are counted as received
// here, once, however many cycles they were peeked.
func (r *Router) SkipToNextPacket(t port.Type) error {
	p, ok := r.port(t)
	if !ok {
		return ErrNoPort
	}
	if err := p.Skip(); err != nil {
		return err
	}
	r.metrics.PacketReceived(t.String())
	return nil
}

// SyncError aggregates the failures of SyncAllPorts.
type SyncError map[port.Type]error

func (e SyncError) Error() string {
	types := make([]int, 0, len(e))
	for t := range e {
		types = append(types, int(t))
	}
	sort.Ints(types)
	msgs := make([]string, len(types))
	for i, t := range types {
		msgs[i] = fmt.Sprintf("%s: %v", port.Type(t), e[port.Type(t)])
	}
	return "sync failed on " + strings.Join(msgs, "; ")
}

// SyncAllPorts syncs every port, continuing past failures. It returns a
// SyncError listing the ports that failed.
func (r *Router) SyncAllPorts() error {
	var errs SyncError
	for _, p := range r.ports {
		if err := p.Sync(); err != nil {
			if errs == nil {
				errs = make(SyncError)
			}
			errs[p.Type()] = err
		}
	}
	if errs == nil {
		return nil
	}
	return errs
}

// From starts building a send with the given sender address.
func (r *Router) From(sender packet.Address) *Sender {
	return &Sender{r: r, sender: sender, receiver: packet.Broadcast, ttl: packet.DefaultTTL}
}

// Sender builds the routing header of an outgoing packet.
type Sender struct {
	r        *Router
	sender   packet.Address
	receiver packet.Address
	ttl      uint8
	through  port.Type
}

// To sets the receiver. It defaults to broadcast.
func (s *Sender) To(receiver packet.Address) *Sender {
	s.receiver = receiver
	return s
}

// TTL overrides the hop budget.
func (s *Sender) TTL(ttl uint8) *Sender {
	s.ttl = ttl
	return s
}

// Through selects the port to send through.
func (s *Sender) Through(t port.Type) *Sender {
	s.through = t
	return s
}

// Send sets the routing header of p and sends it.
func (s *Sender) Send(p *packet.Packet) error {
	p.Routing = packet.Routing{Sender: s.sender, Receiver: s.receiver, TTL: s.ttl}
	return s.r.send(s.through, p)
}

func (r *Router) send(t port.Type, p *packet.Packet) error {
	pt, ok := r.port(t)
	if !ok {
		return ErrNoPort
	}
	b, err := r.codec.Encode(p, r.encodeBuf)
	if err != nil {
		return err
	}
	err = pt.Send(b)
	r.metrics.PacketSent(t.String(), err == nil)
	if err != nil {
		return err
	}
	r.Logger.WithField("port", t).Debugf("Sent %s", p)
	return nil
}

// RelayPacket sends p with its TTL decremented through every relay port
// not in exclude. Packets with no hops left are not relayed. It reports
// whether at least one send succeeded.
func (r *Router) RelayPacket(p *packet.Packet, exclude ...port.Type) bool {
	if p.Routing.TTL == 0 {
		r.Logger.Debugf("Not relaying %s, TTL expired", p)
		return false
	}
	fwd := *p
	fwd.Routing.TTL--

	sent := false
next:
	for _, t := range r.relay {
		for _, ex := range exclude {
			if t == ex {
				continue next
			}
		}
		if !r.HasPort(t) {
			continue
		}
		if err := r.send(t, &fwd); err != nil {
			r.Logger.WithError(err).WithField("port", t).Warn("Relay failed")
			continue
		}
		sent = true
	}
	return sent
}
