// Package module assembles and applies node modules, reading local sensors,
// the persisted configuration and a cache of companion device modules.
package module

import (
	"sort"
	"sync"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/router"
)

var log = logging.MustGetLogger("module")

// DeviceAlias names a companion device reachable through a port.
type DeviceAlias string

// Known device aliases.
const (
	PIDevice DeviceAlias = "pi"
	VR2C     DeviceAlias = "vr2c"
)

// DefaultDevices maps every known device to the serial port.
func DefaultDevices() map[DeviceAlias]port.Type {
	return map[DeviceAlias]port.Type{PIDevice: port.Serial, VR2C: port.Serial}
}

// DefaultResendAfter is how long a set stays pending before it is sent again.
const DefaultResendAfter = 5 * time.Minute

// ProxyConfig configures Proxy.
type ProxyConfig struct {
	Router  *router.Router
	Devices map[DeviceAlias]port.Type
	// MaxAge bounds how long a stored module stays fresh. Zero keeps it
	// fresh until invalidated.
	MaxAge      time.Duration
	ResendAfter time.Duration
	Logger      *logging.Logger
	Now         func() time.Time
}

type entry struct {
	module   packet.Module
	fresh    bool
	storedAt time.Time
}

// Proxy caches modules owned by companion devices and requests or sets them
// on the device when the cache cannot answer.
type Proxy struct {
	Logger *logging.Logger

	router      *router.Router
	devices     map[DeviceAlias]port.Type
	maxAge      time.Duration
	resendAfter time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[packet.ModuleCode]entry
	pending map[packet.ModuleCode]time.Time
}

// NewProxy constructs a new Proxy.
func NewProxy(cfg ProxyConfig) *Proxy {
	p := &Proxy{
		Logger:      cfg.Logger,
		router:      cfg.Router,
		devices:     cfg.Devices,
		maxAge:      cfg.MaxAge,
		resendAfter: cfg.ResendAfter,
		now:         cfg.Now,
		entries:     make(map[packet.ModuleCode]entry),
		pending:     make(map[packet.ModuleCode]time.Time),
	}
	if p.Logger == nil {
		p.Logger = log
	}
	if p.devices == nil {
		p.devices = DefaultDevices()
	}
	if p.resendAfter == 0 {
		p.resendAfter = DefaultResendAfter
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Store caches m as fresh.
func (p *Proxy) Store(m packet.Module) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[m.Code()] = entry{module: m, fresh: true, storedAt: p.now()}
}

// Invalidate marks the cached value of code as stale.
func (p *Proxy) Invalidate(codes ...packet.ModuleCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidate(codes...)
}

func (p *Proxy) invalidate(codes ...packet.ModuleCode) {
	for _, c := range codes {
		if e, ok := p.entries[c]; ok {
			e.fresh = false
			p.entries[c] = e
		}
	}
}

// GetIfFresh returns the cached module of code when it is fresh.
func (p *Proxy) GetIfFresh(code packet.ModuleCode) (packet.Module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getIfFresh(code)
}

func (p *Proxy) getIfFresh(code packet.ModuleCode) (packet.Module, bool) {
	e, ok := p.entries[code]
	if !ok || !e.fresh {
		return nil, false
	}
	if p.maxAge > 0 && p.now().Sub(e.storedAt) > p.maxAge {
		return nil, false
	}
	return e.module, true
}

// GetIfFreshOrRequest returns the fresh cached module of code, or requests
// it from the device and returns false.
func (p *Proxy) GetIfFreshOrRequest(code packet.ModuleCode, alias DeviceAlias) (packet.Module, bool) {
	if m, ok := p.GetIfFresh(code); ok {
		return m, true
	}
	if err := p.Request(alias, code); err != nil {
		p.Logger.WithError(err).Warnf("Failed to request %s from %s", code, alias)
	}
	return nil, false
}

// GetIfFreshOrSet sets m on the device and returns it once the device
// confirmed it. A set is sent once and then awaited; it is sent again only
// after the resend delay elapsed without confirmation.
func (p *Proxy) GetIfFreshOrSet(m packet.Module, alias DeviceAlias) (packet.Module, bool) {
	code := m.Code()

	p.mu.Lock()
	sentAt, pending := p.pending[code]
	if pending {
		if got, ok := p.getIfFresh(code); ok {
			delete(p.pending, code)
			p.mu.Unlock()
			return got, true
		}
		if p.now().Sub(sentAt) < p.resendAfter {
			p.mu.Unlock()
			return nil, false
		}
	}
	p.invalidate(code)
	p.mu.Unlock()

	req := packet.New(&packet.SetConfiguration{Modules: packet.Modules{code: m}})
	if err := p.send(alias, req); err != nil {
		p.Logger.WithError(err).Warnf("Failed to set %s on %s", code, alias)
		return nil, false
	}
	p.mu.Lock()
	p.pending[code] = p.now()
	p.mu.Unlock()
	p.Logger.Infof("Sent %s to %s, waiting for confirmation", code, alias)
	return nil, false
}

// Request asks the device for the current value of codes and marks them stale
// until the response is stored.
func (p *Proxy) Request(alias DeviceAlias, codes ...packet.ModuleCode) error {
	sorted := append([]packet.ModuleCode(nil), codes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p.Invalidate(sorted...)
	return p.send(alias, packet.New(&packet.RequestConfiguration{Codes: sorted}))
}

func (p *Proxy) send(alias DeviceAlias, pkt *packet.Packet) error {
	t, ok := p.devices[alias]
	if !ok || t == port.None {
		return router.ErrNoPort
	}
	return p.router.From(packet.Broadcast).Through(t).Send(pkt)
}
