package port

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/queue"
)

const (
	mqttQoS = 1

	// DefaultMQTTTimeout bounds connect, subscribe and publish operations.
	DefaultMQTTTimeout = 10 * time.Second

	statusOnline  = `{"state":"online"}`
	statusOffline = `{"state":"offline"}`
)

// MQTTClient is the subset of mqtt.Client used by MQTTPort.
type MQTTClient interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTConfig configures an MQTTPort.
type MQTTConfig struct {
	Broker    string // e.g. tcp://broker:1883
	ClientID  string // defaults to DefaultClientID()
	BaseTopic string
	Username  string
	Password  string
	Timeout   time.Duration

	Inbox    queue.Queue // persistent store of received messages
	Outbox   queue.Queue // persistent store of messages not yet published
	RingSize int
	Logger   *logging.Logger

	// NewClient builds the client from options. Defaults to mqtt.NewClient.
	NewClient func(*mqtt.ClientOptions) MQTTClient
}

// DefaultClientID returns a fresh client id.
func DefaultClientID() string {
	return "buoy-" + uuid.New().String()[:8]
}

// MQTTPort carries packets over an MQTT broker reached through the GSM
// modem's data link. Topics are <base>/<client id>/{in,out,status}.
type MQTTPort struct {
	cfg    MQTTConfig
	log    *logging.Logger
	ring   *Ring
	client MQTTClient

	inTopic, outTopic, statusTopic string
}

// NewGsmMqtt constructs an MQTTPort.
func NewGsmMqtt(cfg MQTTConfig) *MQTTPort {
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMQTTTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(o *mqtt.ClientOptions) MQTTClient { return mqtt.NewClient(o) }
	}
	prefix := fmt.Sprintf("%s/%s", cfg.BaseTopic, cfg.ClientID)
	return &MQTTPort{
		cfg:         cfg,
		log:         cfg.Logger,
		ring:        NewRing(cfg.RingSize),
		inTopic:     prefix + "/in",
		outTopic:    prefix + "/out",
		statusTopic: prefix + "/status",
	}
}

// Type implements Port.
func (p *MQTTPort) Type() Type { return GsmMqtt }

// Init builds the client and makes a first connection attempt. A broker
// that cannot be reached yet is not an error; Sync keeps retrying.
func (p *MQTTPort) Init() error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetAutoReconnect(false).
		SetCleanSession(false).
		SetWill(p.statusTopic, statusOffline, mqttQoS, true).
		SetOnConnectHandler(p.onConnect)
	p.client = p.cfg.NewClient(opts)

	if err := p.connect(); err != nil {
		p.log.WithError(err).Warnf("Broker %s not reachable yet", p.cfg.Broker)
	}
	return nil
}

func (p *MQTTPort) connect() error {
	return p.wait(p.client.Connect(), "connect")
}

func (p *MQTTPort) onConnect(c mqtt.Client) {
	p.log.Infof("Connected to %s as %s", p.cfg.Broker, p.cfg.ClientID)
	c.Subscribe(p.inTopic, mqttQoS, p.onMessage)
	c.Publish(p.statusTopic, mqttQoS, true, statusOnline)
}

func (p *MQTTPort) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if p.ring.Push(msg.Payload()) {
		p.log.Warn("Receive ring full, dropped the oldest message")
	}
}

// Available implements Port.
func (p *MQTTPort) Available() bool {
	return !p.cfg.Inbox.IsEmptyForPort(uint8(GsmMqtt))
}

// ReadInto implements Port.
func (p *MQTTPort) ReadInto(buf []byte) int {
	return readInbox(p.log, p.cfg.Inbox, GsmMqtt, buf)
}

// Skip implements Port.
func (p *MQTTPort) Skip() error {
	return p.cfg.Inbox.SkipForPort(uint8(GsmMqtt))
}

// Send publishes data, or stores it in the outbox when the broker is not
// reachable. Storing counts as success.
func (p *MQTTPort) Send(data []byte) error {
	if p.client != nil && p.client.IsConnected() && p.cfg.Outbox.IsEmptyForPort(uint8(GsmMqtt)) {
		err := p.publish(data)
		if err == nil {
			return nil
		}
		p.log.WithError(err).Warn("Publish failed, storing message in outbox")
	}
	if err := p.cfg.Outbox.Push(uint8(GsmMqtt), data); err != nil {
		return errors.Wrap(err, "store in outbox")
	}
	return nil
}

func (p *MQTTPort) publish(data []byte) error {
	return p.wait(p.client.Publish(p.outTopic, mqttQoS, false, data), "publish")
}

// Sync reconnects when needed, flushes the outbox in order and moves
// received messages into the inbox.
func (p *MQTTPort) Sync() error {
	if err := drainInto(p.log, p.ring, p.cfg.Inbox, GsmMqtt); err != nil {
		return err
	}
	if err := p.cfg.Inbox.Sync(); err != nil {
		return err
	}
	if p.client == nil {
		return ErrNotConnected
	}
	if !p.client.IsConnected() {
		if err := p.connect(); err != nil {
			return err
		}
	}
	return p.flushOutbox()
}

func (p *MQTTPort) flushOutbox() error {
	buf := make([]byte, queue.MaxRecord)
	for {
		n, err := p.cfg.Outbox.PeekForPort(uint8(GsmMqtt), buf)
		if err != nil {
			return errors.Wrap(err, "read outbox")
		}
		if n == 0 {
			return p.cfg.Outbox.Sync()
		}
		if err := p.publish(buf[:n]); err != nil {
			return err
		}
		if err := p.cfg.Outbox.SkipForPort(uint8(GsmMqtt)); err != nil {
			return errors.Wrap(err, "commit outbox")
		}
	}
}

// Close publishes the offline status and disconnects.
func (p *MQTTPort) Close() error {
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}
	if err := p.wait(p.client.Publish(p.statusTopic, mqttQoS, true, statusOffline), "publish status"); err != nil {
		p.log.WithError(err).Warn("Failed to publish offline status")
	}
	p.client.Disconnect(250)
	return nil
}

func (p *MQTTPort) wait(t mqtt.Token, op string) error {
	if !t.WaitTimeout(p.cfg.Timeout) {
		return errors.Errorf("mqtt %s timed out", op)
	}
	if err := t.Error(); err != nil {
		return errors.Wrapf(err, "mqtt %s", op)
	}
	return nil
}
