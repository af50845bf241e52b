package routine

import (
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/module"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
)

// Modules reads and applies node modules.
type Modules interface {
	GetModules(codes []packet.ModuleCode) (packet.Modules, error)
	SetModules(mods packet.Modules) error
}

// Config exposes the current node configuration.
type Config interface {
	Get() packet.NodeConfiguration
}

// Cache stores modules received from companion devices.
type Cache interface {
	Store(m packet.Module)
}

// Relayer forwards packets through the relay ports.
type Relayer interface {
	RelayPacket(p *packet.Packet, exclude ...port.Type) bool
}

func fromModules(err error) Result {
	if errors.Cause(err) == module.ErrNotFresh {
		return Pending(err.Error())
	}
	return Fail(err)
}

// StatusReport builds the periodic status report of the active mode.
type StatusReport struct {
	config  Config
	modules Modules
}

// NewStatusReport constructs a new StatusReport.
func NewStatusReport(config Config, modules Modules) *StatusReport {
	return &StatusReport{config: config, modules: modules}
}

// Name implements Routine.
func (r *StatusReport) Name() string { return "StatusReport" }

// Execute implements Routine.
func (r *StatusReport) Execute(_ *packet.Packet, _ port.Type) Result {
	cfg := r.config.Get()
	mode, ok := cfg.OperationModes.Mode(cfg.OperationModes.ActiveModeID)
	if !ok {
		return Failf("active mode %d not found", cfg.OperationModes.ActiveModeID)
	}
	rt, ok := cfg.ReportTypes.ReportType(mode.ReportTypeID)
	if !ok {
		return Failf("report type %d of mode %d not found", mode.ReportTypeID, mode.ID)
	}

	mods, err := r.modules.GetModules(rt.IncludedModules)
	if err != nil {
		return fromModules(err)
	}
	return Succeed(packet.New(&packet.StatusReport{Modules: mods}))
}

// SetNodeConfiguration applies the modules of a SetConfiguration command.
type SetNodeConfiguration struct {
	modules Modules
}

// NewSetNodeConfiguration constructs a new SetNodeConfiguration.
func NewSetNodeConfiguration(modules Modules) *SetNodeConfiguration {
	return &SetNodeConfiguration{modules: modules}
}

// Name implements Routine.
func (r *SetNodeConfiguration) Name() string { return "SetNodeConfiguration" }

// Execute implements Routine.
func (r *SetNodeConfiguration) Execute(in *packet.Packet, _ port.Type) Result {
	if in == nil {
		return Failf("no packet provided")
	}
	cmd, ok := in.Body.(*packet.SetConfiguration)
	if !ok {
		return Failf("unexpected body %s", KeyOf(in))
	}
	if err := r.modules.SetModules(cmd.Modules); err != nil {
		return fromModules(err)
	}
	return Succeed(packet.New(&packet.SetConfigurationResponse{Modules: cmd.Modules}))
}

// GetUpdatedNodeConfiguration answers a RequestConfiguration command.
type GetUpdatedNodeConfiguration struct {
	modules Modules
}

// NewGetUpdatedNodeConfiguration constructs a new GetUpdatedNodeConfiguration.
func NewGetUpdatedNodeConfiguration(modules Modules) *GetUpdatedNodeConfiguration {
	return &GetUpdatedNodeConfiguration{modules: modules}
}

// Name implements Routine.
func (r *GetUpdatedNodeConfiguration) Name() string { return "GetUpdatedNodeConfiguration" }

// Execute implements Routine.
func (r *GetUpdatedNodeConfiguration) Execute(in *packet.Packet, _ port.Type) Result {
	if in == nil {
		return Failf("no packet provided")
	}
	req, ok := in.Body.(*packet.RequestConfiguration)
	if !ok {
		return Failf("unexpected body %s", KeyOf(in))
	}
	mods, err := r.modules.GetModules(req.Codes)
	if err != nil {
		return fromModules(err)
	}
	return Succeed(packet.New(&packet.UpdatedConfiguration{Modules: mods}))
}

// Ping answers Ping commands.
type Ping struct{}

// Name implements Routine.
func (Ping) Name() string { return "Ping" }

// Execute implements Routine.
func (Ping) Execute(in *packet.Packet, _ port.Type) Result {
	if in == nil {
		return Failf("no packet provided")
	}
	return Succeed(packet.New(&packet.Pong{}))
}

// StoreNodeConfiguration caches the modules of a configuration response
// received from a companion device.
type StoreNodeConfiguration struct {
	Logger *logging.Logger
	cache  Cache
}

// NewStoreNodeConfiguration constructs a new StoreNodeConfiguration.
func NewStoreNodeConfiguration(cache Cache) *StoreNodeConfiguration {
	return &StoreNodeConfiguration{Logger: log, cache: cache}
}

// Name implements Routine.
func (r *StoreNodeConfiguration) Name() string { return "StoreNodeConfiguration" }

// Execute implements Routine.
func (r *StoreNodeConfiguration) Execute(in *packet.Packet, _ port.Type) Result {
	if in == nil {
		return Failf("no packet provided")
	}
	var mods packet.Modules
	switch b := in.Body.(type) {
	case *packet.SetConfigurationResponse:
		mods = b.Modules
	case *packet.UpdatedConfiguration:
		mods = b.Modules
	default:
		return Failf("response %s carries no modules", KeyOf(in))
	}
	for _, c := range mods.Codes() {
		r.cache.Store(mods[c])
		r.Logger.Debugf("Stored %s from %s", c, in.Routing.Sender)
	}
	return Succeed(nil)
}

// RelayPacket forwards packets through the relay ports other than the
// ingress port.
type RelayPacket struct {
	relay Relayer
}

// NewRelayPacket constructs a new RelayPacket.
func NewRelayPacket(relay Relayer) *RelayPacket {
	return &RelayPacket{relay: relay}
}

// Name implements Routine.
func (r *RelayPacket) Name() string { return "RelayPacket" }

// Execute implements Routine.
func (r *RelayPacket) Execute(in *packet.Packet, from port.Type) Result {
	if in == nil {
		return Failf("no packet provided")
	}
	if in.Routing.TTL == 0 {
		log.WithField("port", from).Debugf("Dropping %s, TTL expired", in)
		return Succeed(nil)
	}
	if !r.relay.RelayPacket(in, from) {
		return Failf("packet not relayed through any port")
	}
	return Succeed(nil)
}

// LogAndRelayError logs received error packets and forwards broadcast ones.
type LogAndRelayError struct {
	Logger *logging.Logger
	relay  Relayer
}

// NewLogAndRelayError constructs a new LogAndRelayError.
func NewLogAndRelayError(relay Relayer) *LogAndRelayError {
	return &LogAndRelayError{Logger: log, relay: relay}
}

// Name implements Routine.
func (r *LogAndRelayError) Name() string { return "LogAndRelayError" }

// Execute implements Routine.
func (r *LogAndRelayError) Execute(in *packet.Packet, from port.Type) Result {
	if in == nil {
		return Failf("no packet provided")
	}
	msg := ""
	if e, ok := in.Body.(*packet.Error); ok {
		msg = e.Message
	}
	r.Logger.WithField("port", from).Warnf("Error from %s: %s", in.Routing.Sender, msg)

	if in.Routing.Receiver == packet.Broadcast {
		if !r.relay.RelayPacket(in, from) {
			r.Logger.Warn("Error packet not relayed")
		}
	}
	return Succeed(nil)
}
