// Package packet defines the communication packet exchanged between nodes,
// the module payloads it carries and their wire encoding.
package packet

import (
	"fmt"
)

// MaxSize is the largest encoded packet handled by a node.
const MaxSize = 512

// DefaultTTL is the hop budget assigned to locally built packets.
const DefaultTTL = 3

// Address identifies a node on the network.
type Address uint8

// Well-known addresses.
const (
	Backend   Address = 0
	Localizer Address = 1
	Drifter   Address = 2
	PI3       Address = 3
	Broadcast Address = 255

	// Origin is the sender address used by packets built without a local address.
	Origin = Backend
)

func (a Address) String() string {
	switch a {
	case Backend:
		return "backend"
	case Localizer:
		return "localizer"
	case Drifter:
		return "drifter"
	case PI3:
		return "pi3"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("addr(%d)", uint8(a))
	}
}

// Routing is the routing header of a packet.
type Routing struct {
	Sender   Address
	Receiver Address
	TTL      uint8
}

// IsFor reports whether a packet with this header must be processed by local.
func (r Routing) IsFor(local Address) bool {
	return r.Receiver == local || r.Receiver == Broadcast
}

// Packet is the communication unit exchanged between nodes.
// ID is only meaningful for local retry bookkeeping.
type Packet struct {
	Routing Routing
	Body    Body
	ID      uint32
}

// New builds a packet carrying body with an empty routing header.
func New(body Body) *Packet {
	return &Packet{Body: body, Routing: Routing{TTL: DefaultTTL}}
}

// Reset clears p so it can be reused as a decode target.
func (p *Packet) Reset() {
	*p = Packet{}
}

// Tags returns the body and payload tags of p.
func (p *Packet) Tags() (BodyTag, PayloadTag) {
	if p == nil || p.Body == nil {
		return BodyNone, 0
	}
	return p.Body.BodyTag(), p.Body.PayloadTag()
}

// Clone returns a copy of p that does not share the header. Bodies are
// treated as immutable and are shared.
func (p *Packet) Clone() *Packet {
	c := *p
	return &c
}

func (p *Packet) String() string {
	b, pl := p.Tags()
	return fmt.Sprintf("packet(id=%d %s->%s ttl=%d %s)",
		p.ID, p.Routing.Sender, p.Routing.Receiver, p.Routing.TTL, PayloadName(b, pl))
}

// BodyTag identifies the kind of body a packet carries.
type BodyTag uint8

// Body tags, equal to their wire field numbers.
const (
	BodyNone     BodyTag = 0
	BodyCommand  BodyTag = 2
	BodyResponse BodyTag = 3
	BodyReport   BodyTag = 4
	BodyError    BodyTag = 5
)

func (t BodyTag) String() string {
	switch t {
	case BodyCommand:
		return "Command"
	case BodyResponse:
		return "Response"
	case BodyReport:
		return "Report"
	case BodyError:
		return "Error"
	default:
		return "UnknownBody"
	}
}

// PayloadTag identifies the payload within a body.
type PayloadTag uint8

// Payload tags, equal to their wire field numbers within a body.
const (
	TagSetConfiguration     PayloadTag = 1
	TagRequestConfiguration PayloadTag = 2
	TagPing                 PayloadTag = 3

	TagUpdatedConfiguration PayloadTag = 2
	TagPong                 PayloadTag = 3

	TagStatus PayloadTag = 1

	TagErrorMessage PayloadTag = 1
)

// PayloadName returns a readable name for a body/payload pair.
func PayloadName(b BodyTag, p PayloadTag) string {
	name := "Unknown"
	switch {
	case b == BodyCommand && p == TagSetConfiguration,
		b == BodyResponse && p == TagSetConfiguration:
		name = "SetConfiguration"
	case b == BodyCommand && p == TagRequestConfiguration:
		name = "RequestedConfiguration"
	case b == BodyResponse && p == TagUpdatedConfiguration:
		name = "UpdatedConfiguration"
	case b == BodyCommand && p == TagPing:
		name = "Ping"
	case b == BodyResponse && p == TagPong:
		name = "Pong"
	case b == BodyReport && p == TagStatus:
		name = "StatusPayload"
	case b == BodyError && p == TagErrorMessage:
		name = "ErrorMessage"
	}
	return b.String() + "->" + name
}

// Body is the tagged union of packet bodies.
type Body interface {
	BodyTag() BodyTag
	PayloadTag() PayloadTag
}

// SetConfiguration asks a node to apply the given modules.
type SetConfiguration struct {
	Modules Modules
}

// RequestConfiguration asks a node for the current value of some modules.
type RequestConfiguration struct {
	Codes []ModuleCode
}

// Ping asks a node to answer with Pong.
type Ping struct{}

// SetConfigurationResponse acknowledges a SetConfiguration with the applied modules.
type SetConfigurationResponse struct {
	Modules Modules
}

// UpdatedConfiguration answers a RequestConfiguration.
type UpdatedConfiguration struct {
	Modules Modules
}

// Pong answers a Ping.
type Pong struct{}

// StatusReport is the periodic report of a node.
type StatusReport struct {
	Modules Modules
}

// Error carries a human readable error.
type Error struct {
	Message string
}

// Unknown is a body whose payload tag is not understood by this node.
type Unknown struct {
	Body    BodyTag
	Payload PayloadTag
}

// BodyTag implements Body.
func (*SetConfiguration) BodyTag() BodyTag { return BodyCommand }

// PayloadTag implements Body.
func (*SetConfiguration) PayloadTag() PayloadTag { return TagSetConfiguration }

// BodyTag implements Body.
func (*RequestConfiguration) BodyTag() BodyTag { return BodyCommand }

// PayloadTag implements Body.
func (*RequestConfiguration) PayloadTag() PayloadTag { return TagRequestConfiguration }

// BodyTag implements Body.
func (*Ping) BodyTag() BodyTag { return BodyCommand }

// PayloadTag implements Body.
func (*Ping) PayloadTag() PayloadTag { return TagPing }

// BodyTag implements Body.
func (*SetConfigurationResponse) BodyTag() BodyTag { return BodyResponse }

// PayloadTag implements Body.
func (*SetConfigurationResponse) PayloadTag() PayloadTag { return TagSetConfiguration }

// BodyTag implements Body.
func (*UpdatedConfiguration) BodyTag() BodyTag { return BodyResponse }

// PayloadTag implements Body.
func (*UpdatedConfiguration) PayloadTag() PayloadTag { return TagUpdatedConfiguration }

// BodyTag implements Body.
func (*Pong) BodyTag() BodyTag { return BodyResponse }

// PayloadTag implements Body.
func (*Pong) PayloadTag() PayloadTag { return TagPong }

// BodyTag implements Body.
func (*StatusReport) BodyTag() BodyTag { return BodyReport }

// PayloadTag implements Body.
func (*StatusReport) PayloadTag() PayloadTag { return TagStatus }

// BodyTag implements Body.
func (*Error) BodyTag() BodyTag { return BodyError }

// PayloadTag implements Body.
func (*Error) PayloadTag() PayloadTag { return TagErrorMessage }

// BodyTag implements Body.
func (u *Unknown) BodyTag() BodyTag { return u.Body }

// PayloadTag implements Body.
func (u *Unknown) PayloadTag() PayloadTag { return u.Payload }
