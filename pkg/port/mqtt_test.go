package port

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acousea/buoynode/pkg/queue"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct{ payload []byte }

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return mqttQoS }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "" }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	opts        *mqtt.ClientOptions
	connected   bool
	failConnect bool
	failPublish bool
	published   []published
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.failConnect {
		return &fakeToken{err: errors.New("network unreachable")}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	if c.failPublish {
		return &fakeToken{err: errors.New("publish refused")}
	}
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.published = append(c.published, published{topic, retained, s})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func newTestMQTT(t *testing.T, c *fakeClient) *MQTTPort {
	inbox, outbox := queue.InMemory(0), queue.InMemory(0)
	p := NewGsmMqtt(MQTTConfig{
		Broker:    "tcp://broker:1883",
		ClientID:  "buoy-1",
		BaseTopic: "acousea",
		Inbox:     inbox,
		Outbox:    outbox,
		NewClient: func(o *mqtt.ClientOptions) MQTTClient {
			c.opts = o
			return c
		},
	})
	require.NoError(t, p.Init())
	return p
}

func TestMQTTPortTopicsAndWill(t *testing.T) {
	c := &fakeClient{}
	p := newTestMQTT(t, c)
	assert.Equal(t, GsmMqtt, p.Type())

	assert.Equal(t, "acousea/buoy-1/in", p.inTopic)
	assert.Equal(t, "acousea/buoy-1/out", p.outTopic)
	assert.Equal(t, "acousea/buoy-1/status", c.opts.WillTopic)
	assert.Equal(t, statusOffline, string(c.opts.WillPayload))
	assert.True(t, c.opts.WillRetained)

	require.NoError(t, p.Send([]byte("report")))
	require.Len(t, c.published, 1)
	assert.Equal(t, published{"acousea/buoy-1/out", false, "report"}, c.published[0])

	require.NoError(t, p.Close())
	assert.Equal(t, published{"acousea/buoy-1/status", true, statusOffline}, c.published[1])
	assert.False(t, c.connected)
}

func TestMQTTPortOutboxFlush(t *testing.T) {
	c := &fakeClient{failConnect: true}
	p := newTestMQTT(t, c)

	require.NoError(t, p.Send([]byte("a")))
	require.NoError(t, p.Send([]byte("b")))
	assert.Empty(t, c.published)
	assert.Error(t, p.Sync())

	c.failConnect = false
	require.NoError(t, p.Sync())
	require.Len(t, c.published, 2)
	assert.Equal(t, "a", c.published[0].payload)
	assert.Equal(t, "b", c.published[1].payload)
	assert.True(t, p.cfg.Outbox.IsEmpty())

	// a failed publish falls back to the outbox and keeps order
	c.failPublish = true
	require.NoError(t, p.Send([]byte("c")))
	assert.False(t, p.cfg.Outbox.IsEmpty())
	assert.Error(t, p.Sync())
	c.failPublish = false
	require.NoError(t, p.Send([]byte("d")))
	require.NoError(t, p.Sync())
	require.Len(t, c.published, 4)
	assert.Equal(t, "c", c.published[2].payload)
	assert.Equal(t, "d", c.published[3].payload)
}

func TestMQTTPortReceive(t *testing.T) {
	c := &fakeClient{}
	p := newTestMQTT(t, c)

	p.onMessage(nil, &fakeMessage{payload: []byte("cmd")})
	assert.False(t, p.Available())
	require.NoError(t, p.Sync())
	require.True(t, p.Available())

	buf := make([]byte, 8)
	n := p.ReadInto(buf)
	assert.Equal(t, "cmd", string(buf[:n]))
	require.NoError(t, p.Skip())
	assert.False(t, p.Available())
}
