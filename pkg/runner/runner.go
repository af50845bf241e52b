// Package runner implements the node operation cycle: mode transitions,
// incoming packet processing with bounded retries, and periodic reports.
package runner

import (
	"sync"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/internal/metrics"
	"github.com/acousea/buoynode/pkg/fault"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/router"
	"github.com/acousea/buoynode/pkg/routine"
)

var log = logging.MustGetLogger("runner")

// MaxRetries is the processing and sending budget of an incoming packet.
const MaxRetries = 3

// ReportPorts lists the transports that carry periodic reports, in the
// order they are checked.
var ReportPorts = []port.Type{port.SBD, port.LoRa, port.GsmMqtt}

// ReportingKind returns the reporting module code configuring transport t.
func ReportingKind(t port.Type) packet.ModuleCode {
	switch t {
	case port.SBD:
		return packet.IridiumReporting
	case port.LoRa:
		return packet.LoRaReporting
	case port.GsmMqtt:
		return packet.GsmMqttReporting
	default:
		return packet.ModuleUnknown
	}
}

// Repository is the node configuration as seen by the runner.
type Repository interface {
	Get() packet.NodeConfiguration
	Version() uint64
	SetActiveMode(id uint8)
}

// Config configures Runner.
type Config struct {
	Router     *router.Router
	Repository Repository
	Table      routine.Table
	// Reports is the status report routine of each reporting transport.
	Reports map[port.Type]routine.Routine
	// Uptime returns the time since boot.
	Uptime func() time.Duration
	// Heartbeat is called after each phase of a cycle that may block on a
	// transport, so a watchdog only has to cover the longest phase.
	Heartbeat func()
	Logger    *logging.Logger
	Metrics   metrics.Recorder
}

type slot struct {
	valid      bool
	packetID   uint32
	processing int
	sending    int
	// response awaiting a successful send
	response *packet.Packet
}

func (s *slot) reset(id uint32) {
	*s = slot{valid: true, packetID: id, processing: MaxRetries, sending: MaxRetries}
}

// Runner drives one node. Run must be called from a single goroutine;
// Snapshot may be called concurrently.
type Runner struct {
	Logger *logging.Logger

	router    *router.Router
	repo      Repository
	table     routine.Table
	reports   map[port.Type]routine.Routine
	uptime    func() time.Duration
	heartbeat func()
	metrics   metrics.Recorder

	cfg        packet.NodeConfiguration
	version    uint64
	mode       packet.OperationMode
	cycleCount uint32
	cycles     uint64
	slots      map[port.Type]*slot
	nextReport map[port.Type]uint64

	mu   sync.Mutex
	snap Snapshot
}

// New constructs a new Runner.
func New(cfg *Config) *Runner {
	r := &Runner{
		Logger:     cfg.Logger,
		router:     cfg.Router,
		repo:       cfg.Repository,
		table:      cfg.Table,
		reports:    cfg.Reports,
		uptime:     cfg.Uptime,
		heartbeat:  cfg.Heartbeat,
		metrics:    cfg.Metrics,
		slots:      make(map[port.Type]*slot),
		nextReport: make(map[port.Type]uint64),
	}
	if r.Logger == nil {
		r.Logger = log
	}
	if r.metrics == nil {
		r.metrics = metrics.NewDummy()
	}
	if r.heartbeat == nil {
		r.heartbeat = func() {}
	}
	if r.uptime == nil {
		start := time.Now()
		r.uptime = func() time.Duration { return time.Since(start) }
	}
	return r
}

// Init loads the node configuration and resolves the active mode. A missing
// active mode is fatal.
func (r *Runner) Init() error {
	r.version = r.repo.Version()
	r.cfg = r.repo.Get()
	mode, ok := r.cfg.OperationModes.Mode(r.cfg.OperationModes.ActiveModeID)
	if !ok {
		return fault.Errorf(fault.Fatal, "init", "initial operation mode %d not found",
			r.cfg.OperationModes.ActiveModeID)
	}
	r.mode = mode
	r.Logger.Infof("Starting in mode %d (%s), local address %s", mode.ID, mode.Name, r.cfg.LocalAddress)
	r.updateSnapshot()
	return nil
}

// Run performs one operation cycle.
func (r *Runner) Run() {
	start := time.Now()
	r.reload()
	r.tryTransition()
	r.processNextIncomingPacket()
	r.heartbeat()
	r.processReports()
	r.cycles++
	r.updateSnapshot()
	r.metrics.Cycle(time.Since(start))
}

// reload picks up configuration saved since the last cycle.
func (r *Runner) reload() {
	v := r.repo.Version()
	if v == r.version {
		return
	}
	r.version = v
	r.cfg = r.repo.Get()

	mode, ok := r.cfg.OperationModes.Mode(r.cfg.OperationModes.ActiveModeID)
	if !ok {
		r.Logger.Errorf("Active mode %d not found in new configuration, staying in mode %d",
			r.cfg.OperationModes.ActiveModeID, r.mode.ID)
		return
	}
	if mode.ID != r.mode.ID {
		r.cycleCount = 0
	}
	r.mode = mode
	r.Logger.Infof("Configuration reloaded, mode %d (%s)", mode.ID, mode.Name)
}

func (r *Runner) tryTransition() {
	tr := r.mode.Transition
	if tr == nil {
		return
	}
	r.cycleCount++
	if r.cycleCount < tr.Duration {
		return
	}
	r.cycleCount = 0

	next, ok := r.cfg.OperationModes.Mode(tr.TargetModeID)
	if !ok {
		r.Logger.Errorf("Transition target mode %d of mode %d not found, staying", tr.TargetModeID, r.mode.ID)
		return
	}
	if next.ID != r.mode.ID {
		r.Logger.Infof("Transitioning from mode %d (%s) to mode %d (%s)", r.mode.ID, r.mode.Name, next.ID, next.Name)
	}
	r.mode = next
	r.cfg.OperationModes.ActiveModeID = next.ID
	r.repo.SetActiveMode(next.ID)
}

func (r *Runner) slot(t port.Type) *slot {
	s, ok := r.slots[t]
	if !ok {
		s = &slot{}
		r.slots[t] = s
	}
	return s
}

func (r *Runner) processNextIncomingPacket() {
	if err := r.router.SyncAllPorts(); err != nil {
		r.Logger.WithError(err).Warn("Port sync failed")
	}
	r.heartbeat()

	local := r.cfg.LocalAddress
	from, in, ok := r.router.PeekNextPacket(local)
	if !ok {
		return
	}
	logger := r.Logger.WithField("port", from)

	rt, ok := r.table.Lookup(in)
	if !ok {
		logger.Warnf("No routine for %s, dropping", in)
		if _, isErr := in.Body.(*packet.Error); !isErr {
			errPkt := errorPacket("routine not found", in.ID)
			if err := r.respond(from, in, errPkt); err != nil {
				logger.WithError(err).Warn("Failed to send error packet")
			}
		}
		r.skip(from)
		return
	}

	s := r.slot(from)
	if !s.valid || s.packetID != in.ID {
		s.reset(in.ID)
		logger.Debugf("New packet %d, processing next cycle", in.ID)
		return
	}
	if s.processing == 0 || s.sending == 0 {
		logger.Warnf("Retries exhausted for %s, dropping", in)
		*s = slot{}
		r.skip(from)
		return
	}

	if s.response == nil {
		res := rt.Execute(in, from)
		switch res.Status {
		case routine.Incomplete:
			s.processing--
			logger.Infof("%s incomplete (%d attempts left): %v", rt.Name(), s.processing, res.Err)
			return
		case routine.Failure:
			logger.WithError(res.Err).Warnf("%s failed", rt.Name())
			if _, isErr := in.Body.(*packet.Error); !isErr {
				res.Packet = errorPacket(res.Err.Error(), in.ID)
			}
		}
		if res.Packet == nil {
			logger.Debugf("%s produced no response", rt.Name())
			r.finish(from, rt)
			return
		}
		res.Packet.ID = in.ID
		s.response = res.Packet
	}

	if err := r.respond(from, in, s.response); err != nil {
		s.sending--
		logger.WithError(err).Warnf("Failed to send response (%d attempts left)", s.sending)
		return
	}
	r.finish(from, rt)
}

func (r *Runner) finish(from port.Type, rt routine.Routine) {
	*r.slot(from) = slot{}
	r.skip(from)
	if rs, ok := rt.(routine.Resetter); ok {
		rs.Reset()
	}
}

func (r *Runner) skip(t port.Type) {
	if err := r.router.SkipToNextPacket(t); err != nil {
		r.Logger.WithError(err).WithField("port", t).Error("Failed to skip packet")
	}
}

func (r *Runner) respond(through port.Type, in, out *packet.Packet) error {
	return r.router.From(r.cfg.LocalAddress).To(in.Routing.Sender).Through(through).Send(out)
}

func errorPacket(msg string, id uint32) *packet.Packet {
	p := packet.New(&packet.Error{Message: msg})
	p.ID = id
	return p
}

func (r *Runner) processReports() {
	minute := uint64(r.uptime() / time.Minute)
	for _, t := range ReportPorts {
		if !r.router.HasPort(t) {
			continue
		}
		r.tryReport(t, minute)
		r.heartbeat()
	}
}

func (r *Runner) tryReport(t port.Type, minute uint64) {
	mod := r.cfg.Reporting(ReportingKind(t))
	entry, ok := mod.Entry(r.mode.ID)
	if !ok || entry.Period == 0 {
		return
	}
	if minute < r.nextReport[t] {
		return
	}
	rt := r.reports[t]
	if rt == nil {
		return
	}
	logger := r.Logger.WithField("port", t)
	period := uint64(entry.Period)

	res := rt.Execute(nil, t)
	switch res.Status {
	case routine.Incomplete:
		logger.Infof("Report incomplete, retrying next minute: %v", res.Err)
		r.nextReport[t] = minute + 1
		return
	case routine.Failure:
		logger.WithError(res.Err).Error("Report failed")
		r.nextReport[t] = minute + period
		return
	}
	if res.Packet == nil {
		r.nextReport[t] = minute + period
		return
	}

	err := r.router.From(r.cfg.LocalAddress).To(packet.Backend).Through(t).Send(res.Packet)
	r.metrics.ReportSent(t.String(), err == nil)
	if err != nil {
		logger.WithError(err).Warn("Report send failed, retrying next minute")
		r.nextReport[t] = minute + 1
		return
	}
	logger.Infof("Report sent at minute %d, next at %d", minute, minute+period)
	r.nextReport[t] = minute + period
}
