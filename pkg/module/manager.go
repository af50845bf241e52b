package module

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/nodeconfig"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/sensor"
)

var (
	// ErrNotFresh is returned while companion device values are being fetched.
	ErrNotFresh = errors.New("module values are not fresh yet")
	// ErrInvalid is returned for modules that cannot be applied.
	ErrInvalid = errors.New("invalid module")
)

// ManagerConfig configures Manager.
type ManagerConfig struct {
	Repository *nodeconfig.Repository
	Proxy      *Proxy
	GPS        sensor.GPS
	Battery    sensor.Battery
	RTC        sensor.RTC
	RelayPorts []port.Type
	// Device is the companion device owning ambient, storage and IC-Listen modules.
	Device DeviceAlias
	Logger *logging.Logger
}

// Manager reads and writes node modules from their respective owners.
type Manager struct {
	Logger *logging.Logger

	repo    *nodeconfig.Repository
	proxy   *Proxy
	gps     sensor.GPS
	battery sensor.Battery
	rtc     sensor.RTC
	relay   []port.Type
	device  DeviceAlias
}

// NewManager constructs a new Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		Logger:  cfg.Logger,
		repo:    cfg.Repository,
		proxy:   cfg.Proxy,
		gps:     cfg.GPS,
		battery: cfg.Battery,
		rtc:     cfg.RTC,
		relay:   cfg.RelayPorts,
		device:  cfg.Device,
	}
	if m.Logger == nil {
		m.Logger = log
	}
	if m.device == "" {
		m.device = PIDevice
	}
	if m.rtc == nil {
		m.rtc = sensor.SystemRTC{}
	}
	return m
}

func proxied(c packet.ModuleCode) bool {
	return c == packet.Ambient || c == packet.Storage || c.IsICListen()
}

// GetModules returns the current value of the requested modules. When a
// companion value is stale it is requested from the device and ErrNotFresh
// is returned. Modules without a value are left out.
func (m *Manager) GetModules(codes []packet.ModuleCode) (packet.Modules, error) {
	cfg := m.repo.Get()
	out := make(packet.Modules, len(codes))
	var stale []packet.ModuleCode

	for _, c := range codes {
		switch {
		case proxied(c):
			v, ok := m.proxy.GetIfFresh(c)
			if !ok {
				stale = append(stale, c)
				continue
			}
			out[c] = v

		case c == packet.Battery:
			if m.battery == nil {
				m.Logger.Warn("No battery gauge configured")
				continue
			}
			pct, status, err := m.battery.Read()
			if err != nil {
				return nil, errors.Wrap(err, "battery")
			}
			out[c] = &packet.BatteryModule{Percentage: pct, Status: status}

		case c == packet.Location:
			if m.gps == nil {
				m.Logger.Warn("No GPS configured")
				continue
			}
			lat, lon, err := m.gps.Read()
			if err != nil {
				return nil, errors.Wrap(err, "location")
			}
			out[c] = &packet.LocationModule{Latitude: lat, Longitude: lon}

		case c == packet.RTC:
			out[c] = &packet.RTCModule{EpochSeconds: m.rtc.Epoch()}

		case c == packet.Network:
			relay := make([]uint8, len(m.relay))
			for i, t := range m.relay {
				relay[i] = uint8(t)
			}
			out[c] = &packet.NetworkModule{LocalAddress: cfg.LocalAddress, RelayPorts: relay}

		case c == packet.OperationModes:
			v := cfg.OperationModes
			out[c] = &v

		case c == packet.ReportTypes:
			v := cfg.ReportTypes
			out[c] = &v

		case c.IsReporting():
			r := cfg.Reporting(c)
			if r == nil {
				m.Logger.Warnf("Node configuration has no %s", c)
				continue
			}
			out[c] = r

		default:
			m.Logger.Warnf("Unsupported module %s requested", c)
		}
	}

	if len(stale) > 0 {
		if err := m.proxy.Request(m.device, stale...); err != nil {
			m.Logger.WithError(err).Warn("Failed to request stale modules")
		}
		return nil, errors.WithMessage(ErrNotFresh, fmt.Sprint(stale))
	}
	return out, nil
}

// SetModules applies mods to the node configuration and persists it once
// every module was applied. IC-Listen modules are set on the companion
// device; ErrNotFresh is returned until it confirmed them.
func (m *Manager) SetModules(mods packet.Modules) error {
	cfg := m.repo.Get()
	if len(mods) == 0 {
		return errors.WithMessage(ErrInvalid, "no modules")
	}

	for _, c := range mods.Codes() {
		switch v := mods[c].(type) {
		case *packet.OperationModesModule:
			if err := validateModes(v); err != nil {
				return err
			}
			cfg.OperationModes = *v

		case *packet.ReportTypesModule:
			cfg.ReportTypes = *v

		case *packet.ReportingModule:
			if !c.IsReporting() {
				return errors.WithMessage(ErrInvalid, fmt.Sprintf("reporting module under key %s", c))
			}
			r := *v
			r.Kind = c
			cfg.SetReporting(&r)

		case *packet.ICListenModule:
			if c != packet.ICListenLoggingConfig && c != packet.ICListenStreamingConfig && c != packet.ICListenHF {
				return errors.WithMessage(ErrInvalid, fmt.Sprintf("%s cannot be set", c))
			}
			if _, ok := m.proxy.GetIfFreshOrSet(v, m.device); !ok {
				return errors.WithMessage(ErrNotFresh, fmt.Sprintf("%s not confirmed by %s", c, m.device))
			}

		default:
			return errors.WithMessage(ErrInvalid, fmt.Sprintf("%s cannot be set", c))
		}
	}

	return m.repo.Save(cfg)
}

func validateModes(v *packet.OperationModesModule) error {
	if len(v.Modes) == 0 {
		return errors.WithMessage(ErrInvalid, "operation mode graph is empty")
	}
	for _, mode := range v.Modes {
		if mode.Transition == nil {
			return errors.WithMessage(ErrInvalid, fmt.Sprintf("mode %d has no transition", mode.ID))
		}
		if _, ok := v.Mode(mode.Transition.TargetModeID); !ok {
			return errors.WithMessage(ErrInvalid, fmt.Sprintf("mode %d transitions to unknown mode %d",
				mode.ID, mode.Transition.TargetModeID))
		}
	}
	if _, ok := v.Mode(v.ActiveModeID); !ok {
		return errors.WithMessage(ErrInvalid, fmt.Sprintf("active mode %d does not exist", v.ActiveModeID))
	}
	return nil
}
