package packet

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePackets() map[string]*Packet {
	withRouting := func(p *Packet, id uint32) *Packet {
		p.Routing = Routing{Sender: Backend, Receiver: Drifter, TTL: 3}
		p.ID = id
		return p
	}
	return map[string]*Packet{
		"set configuration": withRouting(New(&SetConfiguration{Modules: Modules{
			OperationModes: &OperationModesModule{
				ActiveModeID: 1,
				Modes: []OperationMode{
					{ID: 1, Name: "LAUNCH", ReportTypeID: 1, Transition: &Transition{TargetModeID: 2, Duration: 10}},
					{ID: 2, Name: "WORKING", ReportTypeID: 1, Transition: &Transition{TargetModeID: 2}},
				},
			},
			IridiumReporting: &ReportingModule{Kind: IridiumReporting, Entries: []ReportingEntry{{ModeID: 1, Period: 15}}},
			ICListenHF:       &ICListenModule{Kind: ICListenHF, Raw: []byte{0x08, 0x01}},
		}}), 42),
		"request configuration": withRouting(New(&RequestConfiguration{Codes: []ModuleCode{Battery, Location}}), 7),
		"ping":                  withRouting(New(&Ping{}), 1),
		"pong":                  withRouting(New(&Pong{}), 1),
		"updated configuration": withRouting(New(&UpdatedConfiguration{Modules: Modules{
			Ambient: &AmbientModule{Temperature: 21.5, Humidity: 40},
			Storage: &StorageModule{UsedKB: 100, TotalKB: 32000},
		}}), 3),
		"status report": withRouting(New(&StatusReport{Modules: Modules{
			Battery:  &BatteryModule{Percentage: 87, Status: BatteryCharging},
			Location: &LocationModule{Latitude: 28.1, Longitude: -15.4},
			RTC:      &RTCModule{EpochSeconds: 1700000000},
		}}), 0),
		"error": withRouting(New(&Error{Message: "Routine not found."}), 9),
	}
}

func TestProtoCodecRoundTrip(t *testing.T) {
	var codec ProtoCodec
	for name, p := range samplePackets() {
		t.Run(name, func(t *testing.T) {
			b, err := codec.Encode(p, make([]byte, 0, MaxSize))
			require.NoError(t, err)

			var out Packet
			require.NoError(t, codec.Decode(b, &out))
			assert.Equal(t, p, &out)
		})
	}
}

func TestProtoCodecDecodeReusesTarget(t *testing.T) {
	var codec ProtoCodec
	pkts := samplePackets()

	var out Packet
	b, err := codec.Encode(pkts["status report"], nil)
	require.NoError(t, err)
	require.NoError(t, codec.Decode(b, &out))

	b, err = codec.Encode(pkts["ping"], nil)
	require.NoError(t, err)
	require.NoError(t, codec.Decode(b, &out))
	assert.Equal(t, pkts["ping"], &out)
}

func TestProtoCodecUnknownPayload(t *testing.T) {
	var codec ProtoCodec
	p := New(&Unknown{Body: BodyCommand, Payload: 9})
	_, err := codec.Encode(p, nil)
	require.Error(t, err)

	// command body with payload field 9
	raw := []byte{0x0A, 0x02, 0x10, 0x02, 0x12, 0x02, 0x4A, 0x00}
	var out Packet
	require.NoError(t, codec.Decode(raw, &out))
	b, pl := out.Tags()
	assert.Equal(t, BodyCommand, b)
	assert.Equal(t, PayloadTag(9), pl)
	assert.Equal(t, Drifter, out.Routing.Receiver)
}

func TestProtoCodecMalformed(t *testing.T) {
	var codec ProtoCodec
	good, err := codec.Encode(samplePackets()["status report"], nil)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     {},
		"truncated": good[:len(good)-3],
		"bad tag":   {0xFF},
		"no body":   {0x0A, 0x02, 0x10, 0x02},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			var out Packet
			err := codec.Decode(b, &out)
			require.Error(t, err)
			assert.Equal(t, ErrMalformed, errors.Cause(err))
		})
	}
}

func TestProtoCodecTooLarge(t *testing.T) {
	var codec ProtoCodec
	p := New(&Error{Message: string(make([]byte, MaxSize))})
	_, err := codec.Encode(p, nil)
	assert.Equal(t, ErrTooLarge, err)
}

func TestConfigurationRoundTrip(t *testing.T) {
	c := &NodeConfiguration{
		LocalAddress: Drifter,
		OperationModes: OperationModesModule{
			ActiveModeID: 1,
			Modes: []OperationMode{
				{ID: 1, Name: "DEFAULT", ReportTypeID: 1, Transition: &Transition{TargetModeID: 1}},
			},
		},
		ReportTypes: ReportTypesModule{ReportTypes: []ReportType{
			{ID: 1, Name: "BasicRep", IncludedModules: []ModuleCode{Battery, Ambient, Location}},
		}},
		IridiumReporting: &ReportingModule{Kind: IridiumReporting, Entries: []ReportingEntry{{ModeID: 1, Period: 15}}},
		GsmMqttReporting: &ReportingModule{Kind: GsmMqttReporting, Entries: []ReportingEntry{{ModeID: 1, Period: 5}}},
	}
	b, err := MarshalConfiguration(c)
	require.NoError(t, err)

	out, err := UnmarshalConfiguration(b)
	require.NoError(t, err)
	assert.Equal(t, c, out)

	clone := c.Clone()
	clone.OperationModes.Modes[0].Transition.Duration = 99
	clone.IridiumReporting.Entries[0].Period = 1
	assert.Equal(t, uint32(0), c.OperationModes.Modes[0].Transition.Duration)
	assert.Equal(t, uint32(15), c.IridiumReporting.Entries[0].Period)
}

func TestSimpleReportLayout(t *testing.T) {
	r := SimpleReport{
		Epoch:                0x01020304,
		Latitude:             1.5,
		Longitude:            -2,
		BatteryPercentage:    80,
		BatteryStatusAndMode: 0x21,
	}
	b, err := r.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, SimpleReportSize)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[0:4])
	assert.Equal(t, []byte{0x00, 0x00, 0xC0, 0x3F}, b[4:8])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0xC0}, b[8:12])
	assert.Equal(t, []byte{80, 0x21, 0, 0}, b[12:16])

	var out SimpleReport
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, r, out)
	assert.Error(t, out.UnmarshalBinary(b[:10]))
}

func TestSimpleReportFrom(t *testing.T) {
	r := SimpleReportFrom(Modules{
		Battery: &BatteryModule{Percentage: 50, Status: BatteryCharging},
		RTC:     &RTCModule{EpochSeconds: 10},
	}, 3)
	assert.Equal(t, uint32(10), r.Epoch)
	assert.Equal(t, uint8(50), r.BatteryPercentage)
	assert.Equal(t, uint8(0x23), r.BatteryStatusAndMode)
}
