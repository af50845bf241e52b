package port

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

const (
	// SBDMaxMO is the largest mobile originated message the modem accepts.
	SBDMaxMO = 340
	// SBDMaxMT is the largest mobile terminated message the modem delivers.
	SBDMaxMT = 270

	// DefaultSessionTimeout bounds a single SBD session.
	DefaultSessionTimeout = 60 * time.Second

	maxMailboxChecks = 8
)

// SessionResult is the outcome of an SBD session as reported by +SBDIX.
type SessionResult struct {
	MOStatus int
	MOMSN    int
	MTStatus int // 0 no message, 1 message received, 2 mailbox check failed
	MTMSN    int
	MTLength int
	MTQueued int // messages still waiting at the gateway
	MT       []byte
}

// MOSuccess reports whether the mobile originated message was transferred.
func (r SessionResult) MOSuccess() bool {
	return r.MOStatus >= 0 && r.MOStatus <= 4
}

// SBDModem is an Iridium short burst data transceiver.
type SBDModem interface {
	Init(ctx context.Context) error
	// Session uploads mo (nothing when empty) and checks the mailbox in one exchange.
	Session(ctx context.Context, mo []byte) (SessionResult, error)
	Close() error
}

// IridiumConfig configures an IridiumPort.
type IridiumConfig struct {
	Modem          SBDModem
	RingSize       int
	CheckInterval  time.Duration // periodic mailbox check, disabled when 0
	SessionTimeout time.Duration
	Logger         *logging.Logger
	Now            func() time.Time
	// SyncBudget bounds all mailbox checks of one Sync. Defaults to SessionTimeout.
	SyncBudget time.Duration
}

// IridiumPort sends each message in its own SBD session. Mobile terminated
// messages picked up by a session are kept in a volatile Ring.
type IridiumPort struct {
	cfg    IridiumConfig
	log    *logging.Logger
	ring   *Ring
	reader ringReader
	now    func() time.Time

	queued    int
	lastCheck time.Time
}

// NewIridium constructs an IridiumPort.
func NewIridium(cfg IridiumConfig) *IridiumPort {
	if cfg.Logger == nil {
		cfg.Logger = log
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SyncBudget <= 0 {
		cfg.SyncBudget = cfg.SessionTimeout
	}
	p := &IridiumPort{cfg: cfg, log: cfg.Logger, ring: NewRing(cfg.RingSize), now: cfg.Now}
	p.reader = ringReader{log: p.log, ring: p.ring}
	return p
}

// Type implements Port.
func (p *IridiumPort) Type() Type { return SBD }

// Init implements Port.
func (p *IridiumPort) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SessionTimeout)
	defer cancel()
	if err := p.cfg.Modem.Init(ctx); err != nil {
		return errors.Wrap(err, "init SBD modem")
	}
	p.lastCheck = p.now()
	return nil
}

// Available implements Port.
func (p *IridiumPort) Available() bool { return p.ring.Len() > 0 }

// ReadInto implements Port.
func (p *IridiumPort) ReadInto(buf []byte) int { return p.reader.read(buf) }

// Skip implements Port.
func (p *IridiumPort) Skip() error {
	p.reader.skip()
	return nil
}

// Send implements Port.
func (p *IridiumPort) Send(data []byte) error {
	if len(data) > SBDMaxMO {
		return ErrTooLarge
	}
	res, err := p.session(context.Background(), data)
	if err != nil {
		return err
	}
	if !res.MOSuccess() {
		return errors.Errorf("SBD session failed with MO status %d", res.MOStatus)
	}
	p.log.Infof("Sent %d bytes as MOMSN %d", len(data), res.MOMSN)
	return nil
}

// Sync checks the mailbox when the gateway announced queued messages or
// the check interval elapsed. Messages still queued once SyncBudget is
// spent are left for the next Sync.
func (p *IridiumPort) Sync() error {
	due := p.cfg.CheckInterval > 0 && p.now().Sub(p.lastCheck) >= p.cfg.CheckInterval
	if p.queued == 0 && !due {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SyncBudget)
	defer cancel()
	for i := 0; i < maxMailboxChecks; i++ {
		if ctx.Err() != nil {
			p.log.Debugf("Mailbox check budget spent, %d messages left at the gateway", p.queued)
			break
		}
		res, err := p.session(ctx, nil)
		if err != nil {
			return err
		}
		if res.MTQueued == 0 {
			break
		}
	}
	return nil
}

// Close implements Port.
func (p *IridiumPort) Close() error { return p.cfg.Modem.Close() }

func (p *IridiumPort) session(parent context.Context, mo []byte) (SessionResult, error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.SessionTimeout)
	defer cancel()

	res, err := p.cfg.Modem.Session(ctx, mo)
	p.lastCheck = p.now()
	if err != nil {
		return res, errors.Wrap(err, "SBD session")
	}
	if res.MTStatus == 1 && len(res.MT) > 0 {
		p.log.Infof("Received %d bytes as MTMSN %d", len(res.MT), res.MTMSN)
		if p.ring.Push(res.MT) {
			p.log.Warn("Receive ring full, dropped the oldest message")
		}
	}
	p.queued = res.MTQueued
	return res, nil
}
