package node

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acousea/buoynode/internal/testhelpers"
	"github.com/acousea/buoynode/pkg/fault"
	"github.com/acousea/buoynode/pkg/nodeconfig"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/port/porttest"
	"github.com/acousea/buoynode/pkg/sensor"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func memoryConfig() *Config {
	c := DefaultConfig()
	c.Queue = StoreConfig{Type: "memory"}
	c.Outbox = StoreConfig{Type: "memory"}
	c.NodeConfig = StoreConfig{Type: "memory"}
	c.Ports.Serial = nil
	c.Diagnostics.Address = ""
	c.Watchdog = 0
	c.CycleInterval = Duration(5 * time.Millisecond)
	c.Sensors.Battery.Type = "fixed"
	return c
}

func deliver(t *testing.T, p *porttest.Port, body packet.Body, id uint32) {
	pkt := packet.New(body)
	pkt.Routing = packet.Routing{Sender: packet.Backend, Receiver: packet.Broadcast, TTL: 3}
	pkt.ID = id
	b, err := packet.ProtoCodec{}.Encode(pkt, nil)
	require.NoError(t, err)
	p.Deliver(b)
}

func sentPackets(t *testing.T, p *porttest.Port) []*packet.Packet {
	var out []*packet.Packet
	for _, b := range p.Sent() {
		var pkt packet.Packet
		require.NoError(t, packet.ProtoCodec{}.Decode(b, &pkt))
		out = append(out, &pkt)
	}
	return out
}

func startNode(t *testing.T, n *Node) (cancel func() error) {
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(ctx) }()
	return func() error {
		stop()
		err := testhelpers.WithinTimeout(errCh)
		require.NoError(t, n.Close())
		return err
	}
}

func TestNodeAnswersPing(t *testing.T) {
	serial := porttest.New(port.Serial)
	n, err := NewNode(memoryConfig(), nil, WithPorts(serial), WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	stop := startNode(t, n)

	deliver(t, serial, &packet.Ping{}, 21)
	require.Eventually(t, func() bool { return len(serial.Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	sent := sentPackets(t, serial)
	require.Len(t, sent, 1)
	assert.IsType(t, &packet.Pong{}, sent[0].Body)
	assert.Equal(t, uint32(21), sent[0].ID)
	assert.Equal(t, packet.Backend, sent[0].Routing.Receiver)
	assert.Equal(t, 0, serial.Pending())

	assert.NotEmpty(t, n.Session())
	assert.True(t, n.Snapshot().Cycles >= 2)
	assert.Equal(t, "DEFAULT", n.Snapshot().ModeName)
	assert.Equal(t, "serial", n.PortStates()[0].Type)
	assert.Equal(t, nodeconfig.Default(), n.NodeConfiguration())
	assert.True(t, serial.Closed())
}

func TestNodeReportRequestsCompanionData(t *testing.T) {
	serial := porttest.New(port.Serial)
	sbd := porttest.New(port.SBD)
	n, err := NewNode(memoryConfig(), nil,
		WithPorts(serial, sbd),
		WithFs(afero.NewMemMapFs()),
		WithSensors(sensor.NewStaticGPS(28.1, -15.4), sensor.FixedBattery{Percentage: 90}),
	)
	require.NoError(t, err)
	stop := startNode(t, n)

	// the first report needs ambient data from the companion computer
	require.Eventually(t, func() bool { return len(serial.Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
	req := sentPackets(t, serial)[0]
	assert.Equal(t, &packet.RequestConfiguration{Codes: []packet.ModuleCode{packet.Ambient}}, req.Body)
	assert.Equal(t, packet.Broadcast, req.Routing.Sender)
	assert.Empty(t, sbd.Sent())

	amb := &packet.AmbientModule{Temperature: 19, Humidity: 70}
	deliver(t, serial, &packet.UpdatedConfiguration{Modules: packet.Modules{packet.Ambient: amb}}, 3)
	require.Eventually(t, func() bool {
		_, ok := n.proxy.GetIfFresh(packet.Ambient)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, uint64(1), n.Snapshot().NextReport["sbd"])
}

func TestNodeMissingModeIsFatal(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := nodeconfig.Default()
	cfg.OperationModes.ActiveModeID = 42
	blob, err := packet.MarshalConfiguration(&cfg)
	require.NoError(t, err)
	testhelpers.NoErrorN(t,
		fs.MkdirAll("/conf", 0750),
		afero.WriteFile(fs, "/conf/"+nodeconfig.BlobName, blob, 0600),
	)

	conf := memoryConfig()
	conf.NodeConfig = StoreConfig{Type: "file", Location: "/conf"}
	n, err := NewNode(conf, nil, WithFs(fs))
	require.NoError(t, err)

	err = n.Start(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
	require.NoError(t, n.Close())
}

func TestNodeWatchdogExpiry(t *testing.T) {
	fatal := make(chan error, 1)
	prev := fault.SetHandler(func(err error) { fatal <- err })
	defer fault.SetHandler(prev)

	conf := memoryConfig()
	conf.CycleInterval = Duration(time.Hour)
	conf.Watchdog = Duration(20 * time.Millisecond)
	n, err := NewNode(conf, nil, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	stop := startNode(t, n)

	select {
	case err := <-fatal:
		assert.True(t, fault.IsFatal(err))
		assert.Equal(t, ErrWatchdog, errors.Cause(err))
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not expire")
	}
	require.NoError(t, stop())
}

func TestNewNodeErrors(t *testing.T) {
	conf := memoryConfig()
	conf.Ports.GsmMqtt = &MQTTConfig{BaseTopic: "buoys"}
	_, err := NewNode(conf, nil, WithFs(afero.NewMemMapFs()))
	assert.Error(t, err)

	conf = memoryConfig()
	conf.RelayPorts = []string{"ham-radio"}
	_, err = NewNode(conf, nil, WithFs(afero.NewMemMapFs()))
	assert.Error(t, err)

	conf = memoryConfig()
	conf.Queue = StoreConfig{Type: "punch-cards"}
	_, err = NewNode(conf, nil, WithFs(afero.NewMemMapFs()))
	assert.Error(t, err)
}

func TestWatchdog(t *testing.T) {
	fired := make(chan struct{}, 2)
	w := NewWatchdog(30*time.Millisecond, func() { fired <- struct{}{} })

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Kick()
	}
	assert.Len(t, fired, 0)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not expire")
	}
	w.Kick()
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, fired, 0)

	stopped := NewWatchdog(10*time.Millisecond, func() { fired <- struct{}{} })
	stopped.Stop()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, fired, 0)
}
