package node

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/acousea/buoynode/pkg/module"
	"github.com/acousea/buoynode/pkg/nodeconfig"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/queue"
	"github.com/acousea/buoynode/pkg/sensor"
)

// Version is the node version.
const Version = "0.1.0"

// Defaults applied by ReadConfig for zero values.
const (
	DefaultCycleInterval   = time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRingSize        = 16
	DefaultBaud            = 115200
	DefaultIridiumBaud     = 19200
	DefaultWatchdog        = 3 * time.Minute
)

// StoreConfig selects a storage backend. Type is one of "memory", "flash",
// "file" or "boltdb" for queues and "memory", "file" or "boltdb" for the
// node configuration store.
type StoreConfig struct {
	Type     string `json:"type" yaml:"type"`
	Location string `json:"location" yaml:"location"`
	// Size is the flash ring size in bytes, the per port file limit or the
	// in-memory capacity in bytes.
	Size int `json:"size,omitempty" yaml:"size,omitempty"`
}

// UARTConfig configures a port running on a serial device.
type UARTConfig struct {
	Device string `json:"device" yaml:"device"`
	Baud   int    `json:"baud" yaml:"baud"`
}

// IridiumConfig configures the SBD port.
type IridiumConfig struct {
	UARTConfig     `yaml:",inline"`
	CheckInterval  Duration `json:"check_interval" yaml:"check_interval"`
	SessionTimeout Duration `json:"session_timeout" yaml:"session_timeout"`
}

// MQTTConfig configures the GSM MQTT port.
type MQTTConfig struct {
	Broker    string   `json:"broker" yaml:"broker"`
	ClientID  string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	BaseTopic string   `json:"base_topic" yaml:"base_topic"`
	Username  string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// Config defines configuration parameters for Node.
type Config struct {
	Version string `json:"version" yaml:"version"`

	// Queue persists received serial and MQTT messages.
	Queue StoreConfig `json:"queue" yaml:"queue"`
	// Outbox persists MQTT messages not yet published.
	Outbox StoreConfig `json:"outbox" yaml:"outbox"`
	// NodeConfig stores the operation modes, report types and reporting periods.
	NodeConfig StoreConfig `json:"node_config" yaml:"node_config"`

	// Ports are registered in this order; a nil entry disables the port.
	Ports struct {
		Serial   *UARTConfig    `json:"serial,omitempty" yaml:"serial,omitempty"`
		LoRa     *UARTConfig    `json:"lora,omitempty" yaml:"lora,omitempty"`
		Iridium  *IridiumConfig `json:"iridium,omitempty" yaml:"iridium,omitempty"`
		GsmMqtt  *MQTTConfig    `json:"gsm_mqtt,omitempty" yaml:"gsm_mqtt,omitempty"`
		RingSize int            `json:"ring_size" yaml:"ring_size"`
	} `json:"ports" yaml:"ports"`

	RelayPorts []string `json:"relay_ports" yaml:"relay_ports"`
	// Devices maps companion device aliases to the port they hang off.
	Devices map[string]string `json:"devices" yaml:"devices"`

	Sensors struct {
		GPS struct {
			Latitude  float32 `json:"latitude" yaml:"latitude"`
			Longitude float32 `json:"longitude" yaml:"longitude"`
		} `json:"gps" yaml:"gps"`
		Battery struct {
			// Type is "sysfs" or "fixed".
			Type       string `json:"type" yaml:"type"`
			Root       string `json:"root,omitempty" yaml:"root,omitempty"`
			Name       string `json:"name,omitempty" yaml:"name,omitempty"`
			Percentage uint8  `json:"percentage,omitempty" yaml:"percentage,omitempty"`
		} `json:"battery" yaml:"battery"`
	} `json:"sensors" yaml:"sensors"`

	CycleInterval Duration `json:"cycle_interval" yaml:"cycle_interval"`
	// Watchdog resets the node when a cycle phase does not complete in time.
	// It must exceed CycleInterval plus PhaseBound. Disabled when 0.
	Watchdog     Duration `json:"watchdog" yaml:"watchdog"`
	ModuleMaxAge Duration `json:"module_max_age" yaml:"module_max_age"`

	Diagnostics struct {
		Address string `json:"address" yaml:"address"` // leave blank to disable the HTTP interface
	} `json:"diagnostics" yaml:"diagnostics"`

	LogLevel        string   `json:"log_level" yaml:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"` // time value, examples: 10s, 1m, etc
}

// DefaultConfig returns a config with only the serial port enabled, the
// flash queue under ./data and the BoltDB node configuration store.
func DefaultConfig() *Config {
	c := &Config{Version: Version}
	c.Queue = StoreConfig{Type: "flash", Location: "./data/queue.bin", Size: 256 * 1024}
	c.Outbox = StoreConfig{Type: "flash", Location: "./data/outbox.bin", Size: 64 * 1024}
	c.NodeConfig = StoreConfig{Type: "boltdb", Location: "./data/nodeconf.db"}
	c.Ports.Serial = &UARTConfig{Device: "/dev/ttyAMA0", Baud: DefaultBaud}
	c.Ports.RingSize = DefaultRingSize
	c.RelayPorts = []string{}
	c.Devices = map[string]string{
		string(module.PIDevice): port.Serial.String(),
		string(module.VR2C):     port.Serial.String(),
	}
	c.Sensors.Battery.Type = "sysfs"
	c.Sensors.Battery.Root = sensor.DefaultPowerSupplyDir
	c.Sensors.Battery.Name = "battery"
	c.CycleInterval = Duration(DefaultCycleInterval)
	c.Watchdog = Duration(DefaultWatchdog)
	c.ModuleMaxAge = Duration(10 * time.Minute)
	c.Diagnostics.Address = "localhost:8090"
	c.LogLevel = "info"
	c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	return c
}

// ReadConfig reads a JSON config, or a YAML one when path ends in .yaml or .yml.
func ReadConfig(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	conf, err := DecodeConfig(raw, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	return conf, nil
}

// DecodeConfig decodes raw as YAML when ext is .yaml or .yml and as JSON
// otherwise, then applies defaults.
func DecodeConfig(raw []byte, ext string) (*Config, error) {
	conf := new(Config)
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, conf)
	default:
		err = json.Unmarshal(raw, conf)
	}
	if err != nil {
		return nil, err
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// PhaseBound returns the longest a single cycle phase may block: the
// port sync phase runs the Iridium mailbox check and the MQTT sync back
// to back, a send phase runs one of them.
func (c *Config) PhaseBound() time.Duration {
	var bound time.Duration
	if ir := c.Ports.Iridium; ir != nil {
		if ir.SessionTimeout > 0 {
			bound += time.Duration(ir.SessionTimeout)
		} else {
			bound += port.DefaultSessionTimeout
		}
	}
	if mq := c.Ports.GsmMqtt; mq != nil {
		if mq.Timeout > 0 {
			bound += time.Duration(mq.Timeout)
		} else {
			bound += port.DefaultMQTTTimeout
		}
	}
	return bound
}

// Validate rejects a watchdog that a healthy cycle could trip.
func (c *Config) Validate() error {
	if c.Watchdog <= 0 {
		return nil
	}
	floor := time.Duration(c.CycleInterval) + c.PhaseBound()
	if time.Duration(c.Watchdog) <= floor {
		return errors.Errorf("watchdog %s must exceed the cycle interval plus the longest phase (%s)",
			time.Duration(c.Watchdog), floor)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = Duration(DefaultCycleInterval)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Ports.RingSize <= 0 {
		c.Ports.RingSize = DefaultRingSize
	}
	if c.Ports.Serial != nil && c.Ports.Serial.Baud == 0 {
		c.Ports.Serial.Baud = DefaultBaud
	}
	if c.Ports.LoRa != nil && c.Ports.LoRa.Baud == 0 {
		c.Ports.LoRa.Baud = DefaultBaud
	}
	if c.Ports.Iridium != nil && c.Ports.Iridium.Baud == 0 {
		c.Ports.Iridium.Baud = DefaultIridiumBaud
	}
}

// OpenQueue constructs the queue selected by sc. The queue is not begun.
func OpenQueue(fs afero.Fs, sc StoreConfig) (queue.Queue, error) {
	switch sc.Type {
	case "", "memory":
		return queue.InMemory(sc.Size), nil
	case "flash":
		if sc.Location == "" {
			return nil, errors.New("empty flash queue location")
		}
		if err := fs.MkdirAll(filepath.Dir(sc.Location), 0750); err != nil {
			return nil, errors.Wrap(err, "create queue dir")
		}
		return queue.FlashRing(fs, sc.Location, sc.Size), nil
	case "file":
		if sc.Location == "" {
			return nil, errors.New("empty file queue location")
		}
		return queue.FilePerPort(fs, sc.Location, sc.Size), nil
	case "boltdb":
		if sc.Location == "" {
			return nil, errors.New("empty boltdb queue location")
		}
		if err := fs.MkdirAll(filepath.Dir(sc.Location), 0750); err != nil {
			return nil, errors.Wrap(err, "create queue dir")
		}
		return queue.BoltDB(sc.Location), nil
	default:
		return nil, errors.Errorf("unknown queue type %q", sc.Type)
	}
}

// NodeConfigStore constructs the node configuration store.
func (c *Config) NodeConfigStore(fs afero.Fs) (nodeconfig.Store, error) {
	switch c.NodeConfig.Type {
	case "", "memory":
		return nodeconfig.MemoryStore(), nil
	case "file":
		return nodeconfig.FileStore(fs, c.NodeConfig.Location)
	case "boltdb":
		return nodeconfig.BoltStore(c.NodeConfig.Location)
	default:
		return nil, errors.Errorf("unknown node_config type %q", c.NodeConfig.Type)
	}
}

// RelayPortTypes parses RelayPorts.
func (c *Config) RelayPortTypes() ([]port.Type, error) {
	out := make([]port.Type, 0, len(c.RelayPorts))
	for _, name := range c.RelayPorts {
		t, err := port.ParseType(name)
		if err != nil {
			return nil, errors.Wrap(err, "relay_ports")
		}
		out = append(out, t)
	}
	return out, nil
}

// DeviceMap parses Devices, falling back to module.DefaultDevices when empty.
func (c *Config) DeviceMap() (map[module.DeviceAlias]port.Type, error) {
	if len(c.Devices) == 0 {
		return module.DefaultDevices(), nil
	}
	out := make(map[module.DeviceAlias]port.Type, len(c.Devices))
	for alias, name := range c.Devices {
		t, err := port.ParseType(name)
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", alias)
		}
		out[module.DeviceAlias(alias)] = t
	}
	return out, nil
}

// Battery constructs the battery sensor.
func (c *Config) Battery(fs afero.Fs) (sensor.Battery, error) {
	b := c.Sensors.Battery
	switch b.Type {
	case "", "fixed":
		return sensor.FixedBattery{Percentage: b.Percentage, Status: packet.BatteryUnknown}, nil
	case "sysfs":
		return sensor.NewSysfsBattery(fs, b.Root, b.Name), nil
	default:
		return nil, errors.Errorf("unknown battery type %q", b.Type)
	}
}

// Duration wraps around time.Duration to allow parsing from and to JSON and YAML.
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v interface{}
	if err := value.Decode(&v); err != nil {
		return err
	}
	if i, ok := v.(int); ok {
		v = float64(i)
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
