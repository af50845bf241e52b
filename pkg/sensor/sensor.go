// Package sensor provides the local readings included in status reports.
package sensor

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/acousea/buoynode/pkg/packet"
)

// GPS reads the node position.
type GPS interface {
	Read() (lat, lon float32, err error)
}

// Battery reads the battery state of charge.
type Battery interface {
	Read() (percentage uint8, status packet.BatteryStatus, err error)
}

// RTC reads the node clock.
type RTC interface {
	Epoch() uint32
}

// StaticGPS reports a fixed position, for moored nodes or bench setups.
type StaticGPS struct {
	mu       sync.Mutex
	lat, lon float32
}

// NewStaticGPS returns a StaticGPS at lat, lon.
func NewStaticGPS(lat, lon float32) *StaticGPS {
	return &StaticGPS{lat: lat, lon: lon}
}

// Read implements GPS.
func (g *StaticGPS) Read() (float32, float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lat, g.lon, nil
}

// Set moves the reported position.
func (g *StaticGPS) Set(lat, lon float32) {
	g.mu.Lock()
	g.lat, g.lon = lat, lon
	g.mu.Unlock()
}

// SystemRTC reads the host clock.
type SystemRTC struct {
	Now func() time.Time
}

// Epoch implements RTC.
func (r SystemRTC) Epoch() uint32 {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return uint32(now().Unix())
}

// DefaultPowerSupplyDir is where the kernel exposes power supplies.
const DefaultPowerSupplyDir = "/sys/class/power_supply"

// SysfsBattery reads a Linux power supply class device.
type SysfsBattery struct {
	fs  afero.Fs
	dir string
}

// NewSysfsBattery returns a Battery reading <root>/<name>/{capacity,status}.
func NewSysfsBattery(fs afero.Fs, root, name string) *SysfsBattery {
	if root == "" {
		root = DefaultPowerSupplyDir
	}
	return &SysfsBattery{fs: fs, dir: filepath.Join(root, name)}
}

// Read implements Battery.
func (b *SysfsBattery) Read() (uint8, packet.BatteryStatus, error) {
	raw, err := afero.ReadFile(b.fs, filepath.Join(b.dir, "capacity"))
	if err != nil {
		return 0, packet.BatteryUnknown, errors.Wrap(err, "failed to read battery capacity")
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, packet.BatteryUnknown, errors.Wrap(err, "invalid battery capacity")
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	status := packet.BatteryUnknown
	if raw, err := afero.ReadFile(b.fs, filepath.Join(b.dir, "status")); err == nil {
		status = parseStatus(strings.TrimSpace(string(raw)))
	}
	return uint8(pct), status, nil
}

func parseStatus(s string) packet.BatteryStatus {
	switch strings.ToLower(s) {
	case "charging":
		return packet.BatteryCharging
	case "discharging", "not charging":
		return packet.BatteryDischarging
	case "full":
		return packet.BatteryFull
	default:
		return packet.BatteryUnknown
	}
}

// FixedBattery reports a constant state, for nodes without a gauge.
type FixedBattery struct {
	Percentage uint8
	Status     packet.BatteryStatus
}

// Read implements Battery.
func (b FixedBattery) Read() (uint8, packet.BatteryStatus, error) {
	return b.Percentage, b.Status, nil
}
