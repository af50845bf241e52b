// Package node assembles a drifter/localizer node from its config and runs
// the operation cycle.
package node

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/afero"

	"github.com/acousea/buoynode/internal/metrics"
	"github.com/acousea/buoynode/pkg/diag"
	"github.com/acousea/buoynode/pkg/fault"
	"github.com/acousea/buoynode/pkg/module"
	"github.com/acousea/buoynode/pkg/nodeconfig"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/queue"
	"github.com/acousea/buoynode/pkg/router"
	"github.com/acousea/buoynode/pkg/routine"
	"github.com/acousea/buoynode/pkg/runner"
	"github.com/acousea/buoynode/pkg/sensor"
)

var log = logging.MustGetLogger("node")

// ErrWatchdog is the cause of the fatal error raised on watchdog expiry.
var ErrWatchdog = errors.New("operation cycle stalled")

// MetricsNamespace prefixes every node metric.
const MetricsNamespace = "buoynode"

// Option customizes a Node built by NewNode.
type Option func(*options)

type options struct {
	fs    afero.Fs
	ports []port.Port
	gps   sensor.GPS
	bat   sensor.Battery
}

// WithFs makes the node keep its files on fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithPorts registers ps after the ports built from the config.
func WithPorts(ps ...port.Port) Option {
	return func(o *options) { o.ports = append(o.ports, ps...) }
}

// WithSensors replaces the configured sensors. Nil arguments keep the configured ones.
func WithSensors(gps sensor.GPS, bat sensor.Battery) Option {
	return func(o *options) {
		o.gps = gps
		o.bat = bat
	}
}

// Node owns every component of a running node.
type Node struct {
	config *Config

	Logger *logging.MasterLogger
	logger *logging.Logger

	session  uuid.UUID
	started  time.Time
	registry *prometheus.Registry
	metrics  metrics.Recorder

	queues  []queue.Queue
	ports   []port.Port
	router  *router.Router
	repo    *nodeconfig.Repository
	proxy   *module.Proxy
	manager *module.Manager
	runner  *runner.Runner

	diag     *http.Server
	watchdog *Watchdog

	mu         sync.Mutex
	portStates []diag.PortState
}

// NewNode constructs a new Node. Storage is opened and the node
// configuration loaded; ports are not initialized until Start.
func NewNode(config *Config, masterLogger *logging.MasterLogger, opts ...Option) (*Node, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	if masterLogger == nil {
		masterLogger = logging.NewMasterLogger()
	}

	node := &Node{
		config:   config,
		Logger:   masterLogger,
		logger:   masterLogger.PackageLogger("node"),
		session:  uuid.New(),
		started:  time.Now(),
		registry: prometheus.NewRegistry(),
	}
	if lvl, err := logging.LevelFromString(config.LogLevel); err == nil {
		node.Logger.SetLevel(lvl)
	}
	node.metrics = metrics.NewPrometheus(MetricsNamespace, node.registry)

	inbox, err := node.openQueue(o.fs, config.Queue)
	if err != nil {
		return nil, errors.Wrap(err, "queue")
	}
	outbox, err := node.openQueue(o.fs, config.Outbox)
	if err != nil {
		node.closeQueues()
		return nil, errors.Wrap(err, "outbox")
	}

	node.ports, err = node.buildPorts(inbox, outbox)
	if err != nil {
		node.closeQueues()
		return nil, err
	}
	node.ports = append(node.ports, o.ports...)

	relay, err := config.RelayPortTypes()
	if err != nil {
		node.closeQueues()
		return nil, err
	}
	node.router = router.New(&router.Config{
		Logger:     masterLogger.PackageLogger("router"),
		Ports:      node.ports,
		RelayPorts: relay,
		Metrics:    node.metrics,
	})

	store, err := config.NodeConfigStore(o.fs)
	if err != nil {
		node.closeQueues()
		return nil, errors.Wrap(err, "node_config")
	}
	node.repo = nodeconfig.NewRepository(store, masterLogger.PackageLogger("nodeconfig"))
	if err := node.repo.Init(); err != nil {
		node.closeQueues()
		return nil, err
	}

	devices, err := config.DeviceMap()
	if err != nil {
		node.closeQueues()
		return nil, err
	}
	node.proxy = module.NewProxy(module.ProxyConfig{
		Router:  node.router,
		Devices: devices,
		MaxAge:  time.Duration(config.ModuleMaxAge),
		Logger:  masterLogger.PackageLogger("proxy"),
	})

	if o.gps == nil {
		o.gps = sensor.NewStaticGPS(config.Sensors.GPS.Latitude, config.Sensors.GPS.Longitude)
	}
	if o.bat == nil {
		if o.bat, err = config.Battery(o.fs); err != nil {
			node.closeQueues()
			return nil, err
		}
	}
	node.manager = module.NewManager(module.ManagerConfig{
		Repository: node.repo,
		Proxy:      node.proxy,
		GPS:        o.gps,
		Battery:    o.bat,
		RelayPorts: relay,
		Logger:     masterLogger.PackageLogger("modules"),
	})

	node.runner = runner.New(&runner.Config{
		Router:     node.router,
		Repository: node.repo,
		Table:      node.routines(),
		Reports:    node.reports(),
		Uptime:     node.Uptime,
		Heartbeat:  node.kickWatchdog,
		Logger:     masterLogger.PackageLogger("runner"),
		Metrics:    node.metrics,
	})
	return node, nil
}

func (node *Node) openQueue(fs afero.Fs, sc StoreConfig) (queue.Queue, error) {
	q, err := OpenQueue(fs, sc)
	if err != nil {
		return nil, err
	}
	if err := q.Begin(); err != nil {
		return nil, err
	}
	node.queues = append(node.queues, q)
	return q, nil
}

func (node *Node) closeQueues() {
	for _, q := range node.queues {
		if err := q.Close(); err != nil {
			node.logger.WithError(err).Warn("Failed to close queue")
		}
	}
	node.queues = nil
}

func (node *Node) buildPorts(inbox, outbox queue.Queue) ([]port.Port, error) {
	pc := node.config.Ports
	var ports []port.Port
	if pc.Serial != nil {
		ports = append(ports, port.NewSerial(port.SerialConfig{
			Open:     port.OpenSerial(pc.Serial.Device, pc.Serial.Baud),
			Inbox:    inbox,
			RingSize: pc.RingSize,
			Logger:   node.Logger.PackageLogger("serial"),
		}))
	}
	if pc.LoRa != nil {
		ports = append(ports, port.NewLoRa(port.LoRaConfig{
			Open:     port.OpenSerial(pc.LoRa.Device, pc.LoRa.Baud),
			RingSize: pc.RingSize,
			Logger:   node.Logger.PackageLogger("lora"),
		}))
	}
	if pc.Iridium != nil {
		ports = append(ports, port.NewIridium(port.IridiumConfig{
			Modem:          port.NewATModem(port.OpenSerial(pc.Iridium.Device, pc.Iridium.Baud)),
			RingSize:       pc.RingSize,
			CheckInterval:  time.Duration(pc.Iridium.CheckInterval),
			SessionTimeout: time.Duration(pc.Iridium.SessionTimeout),
			Logger:         node.Logger.PackageLogger("iridium"),
		}))
	}
	if pc.GsmMqtt != nil {
		if pc.GsmMqtt.Broker == "" {
			return nil, errors.New("empty gsm_mqtt broker")
		}
		ports = append(ports, port.NewGsmMqtt(port.MQTTConfig{
			Broker:    pc.GsmMqtt.Broker,
			ClientID:  pc.GsmMqtt.ClientID,
			BaseTopic: pc.GsmMqtt.BaseTopic,
			Username:  pc.GsmMqtt.Username,
			Password:  pc.GsmMqtt.Password,
			Timeout:   time.Duration(pc.GsmMqtt.Timeout),
			Inbox:     inbox,
			Outbox:    outbox,
			RingSize:  pc.RingSize,
			Logger:    node.Logger.PackageLogger("mqtt"),
		}))
	}
	return ports, nil
}

func (node *Node) routines() routine.Table {
	store := routine.NewStoreNodeConfiguration(node.proxy)
	return routine.Table{
		{Body: packet.BodyCommand, Payload: packet.TagSetConfiguration}:      routine.NewSetNodeConfiguration(node.manager),
		{Body: packet.BodyCommand, Payload: packet.TagRequestConfiguration}:  routine.NewGetUpdatedNodeConfiguration(node.manager),
		{Body: packet.BodyCommand, Payload: packet.TagPing}:                  routine.Ping{},
		{Body: packet.BodyResponse, Payload: packet.TagSetConfiguration}:     store,
		{Body: packet.BodyResponse, Payload: packet.TagUpdatedConfiguration}: store,
		{Body: packet.BodyReport, Payload: packet.TagStatus}:                 routine.NewRelayPacket(node.router),
		{Body: packet.BodyError, Payload: packet.TagErrorMessage}:            routine.NewLogAndRelayError(node.router),
	}
}

func (node *Node) reports() map[port.Type]routine.Routine {
	out := make(map[port.Type]routine.Routine, len(runner.ReportPorts))
	for _, t := range runner.ReportPorts {
		out[t] = routine.NewStatusReport(node.repo, node.manager)
	}
	return out
}

// Start initializes the ports and the runner, starts the diagnostics API and
// runs one cycle per cycle interval until ctx is done. A fatal error is
// returned, never handled here.
func (node *Node) Start(ctx context.Context) error {
	node.logger.Infof("Starting node %s, session %s", Version, node.session)

	for _, p := range node.ports {
		if err := p.Init(); err != nil {
			node.logger.WithError(err).WithField("port", p.Type()).Error("Failed to initialize port")
		}
	}
	if err := node.runner.Init(); err != nil {
		return err
	}
	node.updatePortStates()

	if addr := node.config.Diagnostics.Address; addr != "" {
		api := diag.New(node, Version, node.registry, node.metrics)
		node.diag = &http.Server{Addr: addr, Handler: api}
		go func() {
			node.logger.Info("Starting diagnostics interface on ", addr)
			if err := node.diag.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				node.logger.WithError(err).Error("Diagnostics interface stopped")
			}
		}()
	}

	if timeout := time.Duration(node.config.Watchdog); timeout > 0 {
		node.watchdog = NewWatchdog(timeout, func() {
			fault.Handle(fault.New(fault.Fatal, "watchdog", ErrWatchdog))
		})
	}

	ticker := time.NewTicker(time.Duration(node.config.CycleInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			node.runner.Run()
			node.updatePortStates()
			node.kickWatchdog()
		}
	}
}

func (node *Node) kickWatchdog() {
	if node.watchdog != nil {
		node.watchdog.Kick()
	}
}

func (node *Node) updatePortStates() {
	states := make([]diag.PortState, len(node.ports))
	for i, p := range node.ports {
		states[i] = diag.PortState{Type: p.Type().String(), Available: p.Available()}
	}
	node.mu.Lock()
	node.portStates = states
	node.mu.Unlock()
}

// Session returns the id of this boot.
func (node *Node) Session() string { return node.session.String() }

// Uptime returns the time since NewNode.
func (node *Node) Uptime() time.Duration { return time.Since(node.started) }

// Snapshot returns the runner state after the last cycle.
func (node *Node) Snapshot() runner.Snapshot { return node.runner.Snapshot() }

// PortStates returns the port states after the last cycle.
func (node *Node) PortStates() []diag.PortState {
	node.mu.Lock()
	defer node.mu.Unlock()
	return append([]diag.PortState(nil), node.portStates...)
}

// NodeConfiguration returns the persisted node configuration.
func (node *Node) NodeConfiguration() packet.NodeConfiguration { return node.repo.Get() }

// Close stops the diagnostics API and the watchdog, then closes ports,
// queues and the configuration store.
func (node *Node) Close() (err error) {
	if node == nil {
		return nil
	}
	if node.watchdog != nil {
		node.watchdog.Stop()
	}
	if node.diag != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(node.config.ShutdownTimeout))
		if err = node.diag.Shutdown(ctx); err != nil {
			node.logger.WithError(err).Error("failed to stop diagnostics interface")
		} else {
			node.logger.Info("diagnostics interface stopped successfully")
		}
		cancel()
	}
	for _, p := range node.ports {
		if err = p.Close(); err != nil {
			node.logger.WithError(err).Errorf("(%s) failed to close port", p.Type())
		}
	}
	for _, q := range node.queues {
		if err = q.Sync(); err != nil {
			node.logger.WithError(err).Error("failed to sync queue")
		}
		if err = q.Close(); err != nil {
			node.logger.WithError(err).Error("failed to close queue")
		}
	}
	if err = node.repo.Close(); err != nil {
		node.logger.WithError(err).Error("failed to close node configuration store")
	} else {
		node.logger.Info("node configuration store closed successfully")
	}
	return err
}
