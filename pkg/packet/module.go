package packet

import (
	"fmt"
	"sort"
)

// ModuleCode identifies a module within a Modules map.
type ModuleCode uint8

// Module codes, equal to their wire field numbers within a module wrapper.
const (
	ModuleUnknown           ModuleCode = 0
	Battery                 ModuleCode = 1
	Location                ModuleCode = 2
	RTC                     ModuleCode = 3
	Ambient                 ModuleCode = 4
	Storage                 ModuleCode = 5
	Network                 ModuleCode = 6
	OperationModes          ModuleCode = 7
	ReportTypes             ModuleCode = 8
	LoRaReporting           ModuleCode = 9
	IridiumReporting        ModuleCode = 10
	GsmMqttReporting        ModuleCode = 11
	ICListenStatus          ModuleCode = 12
	ICListenLoggingConfig   ModuleCode = 13
	ICListenStreamingConfig ModuleCode = 14
	ICListenRecordingStats  ModuleCode = 15
	ICListenHF              ModuleCode = 16

	maxModuleCode = ICListenHF
)

var moduleNames = map[ModuleCode]string{
	ModuleUnknown:           "MODULE_UNKNOWN",
	Battery:                 "BATTERY",
	Location:                "LOCATION",
	RTC:                     "RTC",
	Ambient:                 "AMBIENT",
	Storage:                 "STORAGE",
	Network:                 "NETWORK",
	OperationModes:          "OPERATION_MODES",
	ReportTypes:             "REPORTING_TYPES",
	LoRaReporting:           "LORA_REPORTING",
	IridiumReporting:        "IRIDIUM_REPORTING",
	GsmMqttReporting:        "GSM_MQTT_REPORTING",
	ICListenStatus:          "ICLISTEN_STATUS",
	ICListenLoggingConfig:   "ICLISTEN_LOGGING_CONFIG",
	ICListenStreamingConfig: "ICLISTEN_STREAMING_CONFIG",
	ICListenRecordingStats:  "ICLISTEN_RECORDING_STATS",
	ICListenHF:              "ICLISTEN_HF",
}

func (c ModuleCode) String() string {
	if n, ok := moduleNames[c]; ok {
		return n
	}
	return fmt.Sprintf("MODULE(%d)", uint8(c))
}

// Valid reports whether c is a known, non-zero module code.
func (c ModuleCode) Valid() bool {
	return c > ModuleUnknown && c <= maxModuleCode
}

// IsICListen reports whether c belongs to the PAM device.
func (c ModuleCode) IsICListen() bool {
	return c >= ICListenStatus && c <= ICListenHF
}

// IsReporting reports whether c is one of the reporting period modules.
func (c ModuleCode) IsReporting() bool {
	return c == LoRaReporting || c == IridiumReporting || c == GsmMqttReporting
}

// Module is the tagged union of module payloads.
type Module interface {
	Code() ModuleCode
}

// Modules maps module codes to module values.
type Modules map[ModuleCode]Module

// Codes returns the codes present in m in ascending order.
func (m Modules) Codes() []ModuleCode {
	codes := make([]ModuleCode, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// BatteryStatus is the charging state reported by the battery gauge.
type BatteryStatus uint8

// Battery states.
const (
	BatteryUnknown BatteryStatus = iota
	BatteryDischarging
	BatteryCharging
	BatteryFull
	BatteryLow
)

// BatteryModule reports the battery level.
type BatteryModule struct {
	Percentage uint8
	Status     BatteryStatus
}

// LocationModule reports the GPS fix.
type LocationModule struct {
	Latitude  float32
	Longitude float32
}

// RTCModule reports the node clock.
type RTCModule struct {
	EpochSeconds uint32
}

// AmbientModule reports enclosure conditions measured by the companion computer.
type AmbientModule struct {
	Temperature float32
	Humidity    float32
}

// StorageModule reports storage usage of the companion computer.
type StorageModule struct {
	UsedKB  uint32
	TotalKB uint32
}

// NetworkModule describes the addressing of the node.
type NetworkModule struct {
	LocalAddress Address
	RelayPorts   []uint8
}

// Transition moves the node to TargetModeID after Duration cycles.
type Transition struct {
	TargetModeID uint8
	Duration     uint32
}

// OperationMode is a node state with its own reporting cadence.
type OperationMode struct {
	ID           uint8
	Name         string
	ReportTypeID uint8
	Transition   *Transition
}

// OperationModesModule is the operation mode graph.
type OperationModesModule struct {
	ActiveModeID uint8
	Modes        []OperationMode
}

// Mode returns the mode with the given id.
func (m *OperationModesModule) Mode(id uint8) (OperationMode, bool) {
	for _, mode := range m.Modes {
		if mode.ID == id {
			return mode, true
		}
	}
	return OperationMode{}, false
}

// ReportType names the set of modules included in a status report.
type ReportType struct {
	ID              uint8
	Name            string
	IncludedModules []ModuleCode
}

// ReportTypesModule lists the known report types.
type ReportTypesModule struct {
	ReportTypes []ReportType
}

// ReportType returns the report type with the given id.
func (m *ReportTypesModule) ReportType(id uint8) (ReportType, bool) {
	for _, rt := range m.ReportTypes {
		if rt.ID == id {
			return rt, true
		}
	}
	return ReportType{}, false
}

// ReportingEntry is the reporting period, in minutes, of one operation mode.
type ReportingEntry struct {
	ModeID uint8
	Period uint32
}

// ReportingModule holds the reporting periods of one transport.
// Kind is one of LoRaReporting, IridiumReporting or GsmMqttReporting.
type ReportingModule struct {
	Kind    ModuleCode
	Entries []ReportingEntry
}

// Entry returns the reporting entry of a mode.
func (m *ReportingModule) Entry(modeID uint8) (ReportingEntry, bool) {
	if m == nil {
		return ReportingEntry{}, false
	}
	for _, e := range m.Entries {
		if e.ModeID == modeID {
			return e, true
		}
	}
	return ReportingEntry{}, false
}

// ICListenModule is a PAM device module carried as opaque bytes.
type ICListenModule struct {
	Kind ModuleCode
	Raw  []byte
}

// Code implements Module.
func (*BatteryModule) Code() ModuleCode { return Battery }

// Code implements Module.
func (*LocationModule) Code() ModuleCode { return Location }

// Code implements Module.
func (*RTCModule) Code() ModuleCode { return RTC }

// Code implements Module.
func (*AmbientModule) Code() ModuleCode { return Ambient }

// Code implements Module.
func (*StorageModule) Code() ModuleCode { return Storage }

// Code implements Module.
func (*NetworkModule) Code() ModuleCode { return Network }

// Code implements Module.
func (*OperationModesModule) Code() ModuleCode { return OperationModes }

// Code implements Module.
func (*ReportTypesModule) Code() ModuleCode { return ReportTypes }

// Code implements Module.
func (m *ReportingModule) Code() ModuleCode { return m.Kind }

// Code implements Module.
func (m *ICListenModule) Code() ModuleCode { return m.Kind }
