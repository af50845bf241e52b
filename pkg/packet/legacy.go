package packet

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// SimpleReportSize is the encoded size of a SimpleReport.
const SimpleReportSize = 16

// SimpleReport is the fixed layout report understood by first generation peers.
type SimpleReport struct {
	Epoch                uint32
	Latitude             float32
	Longitude            float32
	BatteryPercentage    uint8
	BatteryStatusAndMode uint8
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r SimpleReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, SimpleReportSize)
	binary.LittleEndian.PutUint32(b[0:4], r.Epoch)
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(r.Latitude))
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(r.Longitude))
	b[12] = r.BatteryPercentage
	b[13] = r.BatteryStatusAndMode
	// b[14:16] reserved
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *SimpleReport) UnmarshalBinary(b []byte) error {
	if len(b) != SimpleReportSize {
		return errors.Errorf("simple report must be %d bytes, got %d", SimpleReportSize, len(b))
	}
	r.Epoch = binary.LittleEndian.Uint32(b[0:4])
	r.Latitude = math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))
	r.Longitude = math.Float32frombits(binary.LittleEndian.Uint32(b[8:12]))
	r.BatteryPercentage = b[12]
	r.BatteryStatusAndMode = b[13]
	return nil
}

// SimpleReportFrom builds a SimpleReport out of the modules of a status report.
func SimpleReportFrom(mods Modules, mode uint8) SimpleReport {
	var r SimpleReport
	if m, ok := mods[RTC].(*RTCModule); ok {
		r.Epoch = m.EpochSeconds
	}
	if m, ok := mods[Location].(*LocationModule); ok {
		r.Latitude, r.Longitude = m.Latitude, m.Longitude
	}
	if m, ok := mods[Battery].(*BatteryModule); ok {
		r.BatteryPercentage = m.Percentage
		r.BatteryStatusAndMode = uint8(m.Status)<<4 | mode&0x0F
	}
	return r
}
