package nodeconfig

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/fault"
	"github.com/acousea/buoynode/pkg/packet"
)

var log = logging.MustGetLogger("nodeconfig")

// Default returns the configuration used when none is persisted: one
// self-transitioning mode reporting battery, ambient and location over
// Iridium every 15 minutes.
func Default() packet.NodeConfiguration {
	return packet.NodeConfiguration{
		LocalAddress: packet.Broadcast,
		OperationModes: packet.OperationModesModule{
			ActiveModeID: 1,
			Modes: []packet.OperationMode{{
				ID:           1,
				Name:         "DEFAULT",
				ReportTypeID: 1,
				Transition:   &packet.Transition{TargetModeID: 1, Duration: 0},
			}},
		},
		ReportTypes: packet.ReportTypesModule{
			ReportTypes: []packet.ReportType{{
				ID:              1,
				Name:            "BasicRep",
				IncludedModules: []packet.ModuleCode{packet.Battery, packet.Ambient, packet.Location},
			}},
		},
		IridiumReporting: &packet.ReportingModule{
			Kind:    packet.IridiumReporting,
			Entries: []packet.ReportingEntry{{ModeID: 1, Period: 15}},
		},
	}
}

// Repository holds the current node configuration.
type Repository struct {
	Logger *logging.Logger

	store   Store
	mu      sync.RWMutex
	cfg     packet.NodeConfiguration
	version uint64
}

// NewRepository returns a Repository over store. Init must be called before use.
func NewRepository(store Store, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = log
	}
	return &Repository{Logger: logger, store: store, cfg: Default()}
}

// Init loads the persisted configuration. When it is missing or cannot be
// decoded the default configuration is persisted in its place; failing to
// persist it is fatal.
func (r *Repository) Init() error {
	b, err := r.store.Load()
	if err == nil {
		cfg, derr := packet.UnmarshalConfiguration(b)
		if derr == nil {
			r.mu.Lock()
			r.cfg = *cfg
			r.version++
			r.mu.Unlock()
			r.Logger.Infof("Loaded node configuration: address=%s modes=%d active=%d",
				cfg.LocalAddress, len(cfg.OperationModes.Modes), cfg.OperationModes.ActiveModeID)
			return nil
		}
		r.Logger.WithError(derr).Warn("Stored node configuration is corrupt, using default")
	} else if err != ErrNotFound {
		r.Logger.WithError(err).Warn("Failed to load node configuration, using default")
	} else {
		r.Logger.Info("No stored node configuration, using default")
	}

	def := Default()
	if err := r.Save(def); err != nil {
		return fault.New(fault.Fatal, "persist default configuration", err)
	}
	return nil
}

// Get returns a deep copy of the current configuration.
func (r *Repository) Get() packet.NodeConfiguration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// Save persists cfg as a whole and makes it current.
func (r *Repository) Save(cfg packet.NodeConfiguration) error {
	b, err := packet.MarshalConfiguration(&cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode node configuration")
	}
	if err := r.store.Save(b); err != nil {
		return errors.Wrap(err, "failed to save node configuration")
	}
	r.mu.Lock()
	r.cfg = cfg.Clone()
	r.version++
	r.mu.Unlock()
	return nil
}

// Version increases every time a configuration is saved.
func (r *Repository) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// SetActiveMode changes the active mode of the in-memory configuration
// without persisting it.
func (r *Repository) SetActiveMode(id uint8) {
	r.mu.Lock()
	r.cfg.OperationModes.ActiveModeID = id
	r.mu.Unlock()
}

// Close closes the underlying store.
func (r *Repository) Close() error {
	return r.store.Close()
}
