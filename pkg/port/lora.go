package port

import (
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/frame"
)

// LoRaMTU is the largest frame the radio module transmits.
const LoRaMTU = 240

// LoRaConfig configures a LoRaPort.
type LoRaConfig struct {
	Open     Opener
	RingSize int
	Logger   *logging.Logger
	Now      func() time.Time
}

// LoRaPort talks to a LoRa module in transparent UART mode. Received
// messages are volatile and live in the Ring only.
type LoRaPort struct {
	streamLink
	reader ringReader
}

// NewLoRa constructs a LoRaPort.
func NewLoRa(cfg LoRaConfig) *LoRaPort {
	p := &LoRaPort{streamLink: newStreamLink(cfg.Logger, cfg.Open, cfg.Now, cfg.RingSize)}
	p.reader = ringReader{log: p.log, ring: p.ring}
	return p
}

// Type implements Port.
func (p *LoRaPort) Type() Type { return LoRa }

// Init opens the module UART and starts the reader.
func (p *LoRaPort) Init() error { return p.start() }

// Available implements Port.
func (p *LoRaPort) Available() bool { return p.ring.Len() > 0 }

// ReadInto implements Port.
func (p *LoRaPort) ReadInto(buf []byte) int {
	return p.reader.read(buf)
}

// Skip implements Port.
func (p *LoRaPort) Skip() error {
	p.reader.skip()
	return nil
}

// Send implements Port.
func (p *LoRaPort) Send(data []byte) error {
	if frame.RequiredSize(len(data)) > LoRaMTU {
		return ErrTooLarge
	}
	return p.write(data)
}

// Sync implements Port. Received messages are not persisted.
func (p *LoRaPort) Sync() error { return nil }

// Close implements Port.
func (p *LoRaPort) Close() error { return p.close() }
