package routine

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acousea/buoynode/pkg/module"
	"github.com/acousea/buoynode/pkg/nodeconfig"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
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

type fakeModules struct {
	requested []packet.ModuleCode
	set       packet.Modules
	values    packet.Modules
	err       error
}

func (f *fakeModules) GetModules(codes []packet.ModuleCode) (packet.Modules, error) {
	f.requested = codes
	if f.err != nil {
		return nil, f.err
	}
	out := packet.Modules{}
	for _, c := range codes {
		if v, ok := f.values[c]; ok {
			out[c] = v
		}
	}
	return out, nil
}

func (f *fakeModules) SetModules(mods packet.Modules) error {
	if f.err != nil {
		return f.err
	}
	f.set = mods
	return nil
}

type staticConfig packet.NodeConfiguration

func (c staticConfig) Get() packet.NodeConfiguration { return packet.NodeConfiguration(c) }

type fakeCache []packet.Module

func (c *fakeCache) Store(m packet.Module) { *c = append(*c, m) }

type fakeRelay struct {
	relayed []*packet.Packet
	exclude []port.Type
	ok      bool
}

func (r *fakeRelay) RelayPacket(p *packet.Packet, exclude ...port.Type) bool {
	r.relayed = append(r.relayed, p)
	r.exclude = exclude
	return r.ok
}

func request(body packet.Body) *packet.Packet {
	p := packet.New(body)
	p.Routing = packet.Routing{Sender: packet.Backend, Receiver: packet.Drifter, TTL: 3}
	return p
}

func TestStatus(t *testing.T) {
	assert.Equal(t, Success, Succeed(nil).Status)
	assert.Equal(t, "incomplete", Pending("wait").Status.String())
	r := Failf("bad %d", 1)
	assert.Equal(t, Failure, r.Status)
	assert.EqualError(t, r.Err, "bad 1")
}

func TestTableLookup(t *testing.T) {
	table := Table{
		{packet.BodyCommand, packet.TagPing}: Ping{},
		{packet.BodyError, packet.TagErrorMessage}: nil,
	}
	r, ok := table.Lookup(request(&packet.Ping{}))
	require.True(t, ok)
	assert.Equal(t, "Ping", r.Name())

	_, ok = table.Lookup(request(&packet.Pong{}))
	assert.False(t, ok)
	_, ok = table.Lookup(request(&packet.Error{}))
	assert.False(t, ok)
	assert.Equal(t, "Command->Ping", KeyOf(request(&packet.Ping{})).String())
}

func TestStatusReport(t *testing.T) {
	cfg := nodeconfig.Default()
	mods := &fakeModules{values: packet.Modules{packet.Battery: &packet.BatteryModule{Percentage: 50}}}
	r := NewStatusReport(staticConfig(cfg), mods)

	res := r.Execute(nil, port.SBD)
	require.Equal(t, Success, res.Status)
	assert.Equal(t, []packet.ModuleCode{packet.Battery, packet.Ambient, packet.Location}, mods.requested)
	report, ok := res.Packet.Body.(*packet.StatusReport)
	require.True(t, ok)
	assert.Len(t, report.Modules, 1)

	mods.err = errors.WithMessage(module.ErrNotFresh, "ambient")
	assert.Equal(t, Incomplete, r.Execute(nil, port.SBD).Status)

	cfg.OperationModes.Modes[0].ReportTypeID = 9
	res = NewStatusReport(staticConfig(cfg), mods).Execute(nil, port.SBD)
	assert.Equal(t, Failure, res.Status)

	cfg.OperationModes.ActiveModeID = 3
	res = NewStatusReport(staticConfig(cfg), mods).Execute(nil, port.SBD)
	assert.Equal(t, Failure, res.Status)
}

func TestSetNodeConfiguration(t *testing.T) {
	mods := &fakeModules{}
	r := NewSetNodeConfiguration(mods)
	set := packet.Modules{packet.LoRaReporting: &packet.ReportingModule{Kind: packet.LoRaReporting}}

	res := r.Execute(request(&packet.SetConfiguration{Modules: set}), port.Serial)
	require.Equal(t, Success, res.Status)
	assert.Equal(t, set, mods.set)
	assert.Equal(t, &packet.SetConfigurationResponse{Modules: set}, res.Packet.Body)

	mods.err = errors.WithMessage(module.ErrNotFresh, "hf")
	assert.Equal(t, Incomplete, r.Execute(request(&packet.SetConfiguration{Modules: set}), port.Serial).Status)
	mods.err = module.ErrInvalid
	assert.Equal(t, Failure, r.Execute(request(&packet.SetConfiguration{Modules: set}), port.Serial).Status)

	assert.Equal(t, Failure, r.Execute(request(&packet.Ping{}), port.Serial).Status)
	assert.Equal(t, Failure, r.Execute(nil, port.Serial).Status)
}

func TestGetUpdatedNodeConfiguration(t *testing.T) {
	mods := &fakeModules{values: packet.Modules{packet.RTC: &packet.RTCModule{EpochSeconds: 5}}}
	r := NewGetUpdatedNodeConfiguration(mods)

	res := r.Execute(request(&packet.RequestConfiguration{Codes: []packet.ModuleCode{packet.RTC}}), port.LoRa)
	require.Equal(t, Success, res.Status)
	assert.Equal(t, &packet.UpdatedConfiguration{Modules: mods.values}, res.Packet.Body)

	mods.err = errors.WithMessage(module.ErrNotFresh, "storage")
	res = r.Execute(request(&packet.RequestConfiguration{Codes: []packet.ModuleCode{packet.Storage}}), port.LoRa)
	assert.Equal(t, Incomplete, res.Status)
}

func TestPing(t *testing.T) {
	res := Ping{}.Execute(request(&packet.Ping{}), port.Serial)
	require.Equal(t, Success, res.Status)
	assert.IsType(t, &packet.Pong{}, res.Packet.Body)
}

func TestStoreNodeConfiguration(t *testing.T) {
	cache := &fakeCache{}
	r := NewStoreNodeConfiguration(cache)
	amb := &packet.AmbientModule{Temperature: 12}

	res := r.Execute(request(&packet.UpdatedConfiguration{Modules: packet.Modules{packet.Ambient: amb}}), port.Serial)
	assert.Equal(t, Success, res.Status)
	assert.Nil(t, res.Packet)
	assert.Equal(t, fakeCache{amb}, *cache)

	res = r.Execute(request(&packet.SetConfigurationResponse{Modules: packet.Modules{packet.Ambient: amb}}), port.Serial)
	assert.Equal(t, Success, res.Status)
	assert.Len(t, *cache, 2)

	assert.Equal(t, Failure, r.Execute(request(&packet.Pong{}), port.Serial).Status)
}

func TestRelayPacket(t *testing.T) {
	relay := &fakeRelay{ok: true}
	r := NewRelayPacket(relay)
	in := request(&packet.StatusReport{})

	res := r.Execute(in, port.LoRa)
	assert.Equal(t, Success, res.Status)
	assert.Nil(t, res.Packet)
	assert.Equal(t, []*packet.Packet{in}, relay.relayed)
	assert.Equal(t, []port.Type{port.LoRa}, relay.exclude)

	relay.ok = false
	assert.Equal(t, Failure, r.Execute(in, port.LoRa).Status)

	// expired packets are dropped without relaying
	in.Routing.TTL = 0
	res = r.Execute(in, port.LoRa)
	assert.Equal(t, Success, res.Status)
	assert.Nil(t, res.Packet)
	assert.Len(t, relay.relayed, 2)
}

func TestLogAndRelayError(t *testing.T) {
	relay := &fakeRelay{ok: true}
	r := NewLogAndRelayError(relay)

	in := request(&packet.Error{Message: "bad"})
	assert.Equal(t, Success, r.Execute(in, port.Serial).Status)
	assert.Empty(t, relay.relayed)

	in.Routing.Receiver = packet.Broadcast
	res := r.Execute(in, port.Serial)
	assert.Equal(t, Success, res.Status)
	assert.Nil(t, res.Packet)
	assert.Len(t, relay.relayed, 1)
	assert.Equal(t, []port.Type{port.Serial}, relay.exclude)
}
