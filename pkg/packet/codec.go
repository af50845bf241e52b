package packet

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed is returned when bytes cannot be decoded as a packet.
	ErrMalformed = errors.New("malformed packet")
	// ErrNoBody is returned when encoding a packet without body.
	ErrNoBody = errors.New("packet has no body")
	// ErrTooLarge is returned when an encoded packet exceeds MaxSize.
	ErrTooLarge = errors.New("packet too large")
)

// Codec encodes and decodes packets.
type Codec interface {
	// Encode appends the encoding of p to buf[:0].
	Encode(p *Packet, buf []byte) ([]byte, error)
	// Decode decodes b into p, overwriting its previous content.
	Decode(b []byte, p *Packet) error
}

// ProtoCodec is the protobuf wire encoding of packets.
type ProtoCodec struct{}

const (
	fieldRouting  protowire.Number = 1
	fieldPacketID protowire.Number = 6

	fieldSender   protowire.Number = 1
	fieldReceiver protowire.Number = 2
	fieldTTL      protowire.Number = 3

	fieldEntry      protowire.Number = 1
	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// Encode implements Codec.
func (ProtoCodec) Encode(p *Packet, buf []byte) ([]byte, error) {
	if p.Body == nil {
		return nil, ErrNoBody
	}
	payload, err := appendPayload(nil, p.Body)
	if err != nil {
		return nil, err
	}

	b := buf[:0]
	b = appendMessage(b, fieldRouting, appendRouting(nil, p.Routing))
	inner := appendMessage(nil, protowire.Number(p.Body.PayloadTag()), payload)
	b = appendMessage(b, protowire.Number(p.Body.BodyTag()), inner)
	if p.ID != 0 {
		b = appendVarint(b, fieldPacketID, uint64(p.ID))
	}
	if len(b) > MaxSize {
		return nil, ErrTooLarge
	}
	return b, nil
}

// Decode implements Codec.
func (ProtoCodec) Decode(b []byte, p *Packet) error {
	p.Reset()
	err := walk(b, func(f field) error {
		switch {
		case f.num == fieldRouting:
			return walk(f.b, func(r field) error {
				switch r.num {
				case fieldSender:
					p.Routing.Sender = Address(r.u)
				case fieldReceiver:
					p.Routing.Receiver = Address(r.u)
				case fieldTTL:
					p.Routing.TTL = uint8(r.u)
				}
				return nil
			})
		case f.num == fieldPacketID:
			p.ID = uint32(f.u)
		case f.num >= protowire.Number(BodyCommand) && f.num <= protowire.Number(BodyError):
			if f.typ != protowire.BytesType {
				return errors.WithMessage(ErrMalformed, "body is not a message")
			}
			body, err := decodeBody(BodyTag(f.num), f.b)
			if err != nil {
				return err
			}
			p.Body = body
		}
		return nil
	})
	if err != nil {
		return err
	}
	if p.Body == nil {
		return errors.WithMessage(ErrMalformed, "missing body")
	}
	return nil
}

func appendPayload(b []byte, body Body) ([]byte, error) {
	switch v := body.(type) {
	case *SetConfiguration:
		return appendModules(b, v.Modules)
	case *SetConfigurationResponse:
		return appendModules(b, v.Modules)
	case *UpdatedConfiguration:
		return appendModules(b, v.Modules)
	case *StatusReport:
		return appendModules(b, v.Modules)
	case *RequestConfiguration:
		for _, c := range v.Codes {
			b = appendVarint(b, 1, uint64(c))
		}
		return b, nil
	case *Ping, *Pong:
		return b, nil
	case *Error:
		return append(b, v.Message...), nil
	default:
		return nil, errors.Errorf("cannot encode body %T", body)
	}
}

type bodyKey struct {
	body    BodyTag
	payload PayloadTag
}

func decodeBody(tag BodyTag, b []byte) (Body, error) {
	var body Body
	err := walk(b, func(f field) error {
		pt := PayloadTag(f.num)
		if tag == BodyError && pt == TagErrorMessage {
			body = &Error{Message: string(f.b)}
			return nil
		}
		var err error
		switch (bodyKey{tag, pt}) {
		case bodyKey{BodyCommand, TagSetConfiguration}:
			m := &SetConfiguration{}
			m.Modules, err = decodeModules(f.b)
			body = m
		case bodyKey{BodyCommand, TagRequestConfiguration}:
			m := &RequestConfiguration{}
			m.Codes, err = decodeCodes(f.b)
			body = m
		case bodyKey{BodyCommand, TagPing}:
			body = &Ping{}
		case bodyKey{BodyResponse, TagSetConfiguration}:
			m := &SetConfigurationResponse{}
			m.Modules, err = decodeModules(f.b)
			body = m
		case bodyKey{BodyResponse, TagUpdatedConfiguration}:
			m := &UpdatedConfiguration{}
			m.Modules, err = decodeModules(f.b)
			body = m
		case bodyKey{BodyResponse, TagPong}:
			body = &Pong{}
		case bodyKey{BodyReport, TagStatus}:
			m := &StatusReport{}
			m.Modules, err = decodeModules(f.b)
			body = m
		default:
			body = &Unknown{Body: tag, Payload: pt}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = &Unknown{Body: tag}
	}
	return body, nil
}

func decodeCodes(b []byte) ([]ModuleCode, error) {
	var codes []ModuleCode
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if f.typ == protowire.BytesType {
			// packed encoding
			rest := f.b
			for len(rest) > 0 {
				v, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					return malformed(n)
				}
				codes = append(codes, ModuleCode(v))
				rest = rest[n:]
			}
			return nil
		}
		codes = append(codes, ModuleCode(f.u))
		return nil
	})
	return codes, err
}

// Modules are encoded as a protobuf map<int32, ModuleWrapper> where the
// wrapper's single field number is the module code.

func appendModules(b []byte, mods Modules) ([]byte, error) {
	for _, code := range mods.Codes() {
		m := mods[code]
		body, err := appendModule(nil, m)
		if err != nil {
			return nil, err
		}
		wrapper := appendMessage(nil, protowire.Number(code), body)
		entry := appendVarint(nil, fieldEntryKey, uint64(code))
		entry = appendMessage(entry, fieldEntryValue, wrapper)
		b = appendMessage(b, fieldEntry, entry)
	}
	return b, nil
}

func decodeModules(b []byte) (Modules, error) {
	mods := make(Modules)
	err := walk(b, func(f field) error {
		if f.num != fieldEntry {
			return nil
		}
		var wrapper []byte
		if err := walk(f.b, func(e field) error {
			if e.num == fieldEntryValue {
				wrapper = e.b
			}
			return nil
		}); err != nil {
			return err
		}
		return walk(wrapper, func(w field) error {
			m, err := decodeModule(ModuleCode(w.num), w.b)
			if err != nil || m == nil {
				return err
			}
			mods[m.Code()] = m
			return nil
		})
	})
	return mods, err
}

func appendModule(b []byte, m Module) ([]byte, error) {
	switch v := m.(type) {
	case *BatteryModule:
		b = appendVarint(b, 1, uint64(v.Percentage))
		b = appendVarint(b, 2, uint64(v.Status))
	case *LocationModule:
		b = appendFloat(b, 1, v.Latitude)
		b = appendFloat(b, 2, v.Longitude)
	case *RTCModule:
		b = appendVarint(b, 1, uint64(v.EpochSeconds))
	case *AmbientModule:
		b = appendFloat(b, 1, v.Temperature)
		b = appendFloat(b, 2, v.Humidity)
	case *StorageModule:
		b = appendVarint(b, 1, uint64(v.UsedKB))
		b = appendVarint(b, 2, uint64(v.TotalKB))
	case *NetworkModule:
		b = appendVarint(b, 1, uint64(v.LocalAddress))
		for _, p := range v.RelayPorts {
			b = appendVarint(b, 2, uint64(p))
		}
	case *OperationModesModule:
		b = appendVarint(b, 1, uint64(v.ActiveModeID))
		for _, mode := range v.Modes {
			b = appendMessage(b, 2, appendMode(nil, mode))
		}
	case *ReportTypesModule:
		for _, rt := range v.ReportTypes {
			e := appendVarint(nil, 1, uint64(rt.ID))
			e = appendString(e, 2, rt.Name)
			for _, c := range rt.IncludedModules {
				e = appendVarint(e, 3, uint64(c))
			}
			b = appendMessage(b, 1, e)
		}
	case *ReportingModule:
		for _, entry := range v.Entries {
			e := appendVarint(nil, 1, uint64(entry.ModeID))
			e = appendVarint(e, 2, uint64(entry.Period))
			b = appendMessage(b, 1, e)
		}
	case *ICListenModule:
		b = append(b, v.Raw...)
	default:
		return nil, errors.Errorf("cannot encode module %T", m)
	}
	return b, nil
}

func appendMode(b []byte, m OperationMode) []byte {
	b = appendVarint(b, 1, uint64(m.ID))
	b = appendString(b, 2, m.Name)
	b = appendVarint(b, 3, uint64(m.ReportTypeID))
	if m.Transition != nil {
		tr := appendVarint(nil, 1, uint64(m.Transition.TargetModeID))
		tr = appendVarint(tr, 2, uint64(m.Transition.Duration))
		b = appendMessage(b, 4, tr)
	}
	return b
}

func decodeModule(code ModuleCode, b []byte) (Module, error) {
	switch {
	case code == Battery:
		m := &BatteryModule{}
		return m, walk(b, func(f field) error {
			switch f.num {
			case 1:
				m.Percentage = uint8(f.u)
			case 2:
				m.Status = BatteryStatus(f.u)
			}
			return nil
		})
	case code == Location:
		m := &LocationModule{}
		return m, walk(b, func(f field) error {
			switch f.num {
			case 1:
				m.Latitude = math.Float32frombits(uint32(f.u))
			case 2:
				m.Longitude = math.Float32frombits(uint32(f.u))
			}
			return nil
		})
	case code == RTC:
		m := &RTCModule{}
		return m, walk(b, func(f field) error {
			if f.num == 1 {
				m.EpochSeconds = uint32(f.u)
			}
			return nil
		})
	case code == Ambient:
		m := &AmbientModule{}
		return m, walk(b, func(f field) error {
			switch f.num {
			case 1:
				m.Temperature = math.Float32frombits(uint32(f.u))
			case 2:
				m.Humidity = math.Float32frombits(uint32(f.u))
			}
			return nil
		})
	case code == Storage:
		m := &StorageModule{}
		return m, walk(b, func(f field) error {
			switch f.num {
			case 1:
				m.UsedKB = uint32(f.u)
			case 2:
				m.TotalKB = uint32(f.u)
			}
			return nil
		})
	case code == Network:
		m := &NetworkModule{}
		return m, walk(b, func(f field) error {
			switch f.num {
			case 1:
				m.LocalAddress = Address(f.u)
			case 2:
				m.RelayPorts = append(m.RelayPorts, uint8(f.u))
			}
			return nil
		})
	case code == OperationModes:
		m := &OperationModesModule{}
		return m, walk(b, func(f field) error {
			switch f.num {
			case 1:
				m.ActiveModeID = uint8(f.u)
			case 2:
				mode, err := decodeMode(f.b)
				if err != nil {
					return err
				}
				m.Modes = append(m.Modes, mode)
			}
			return nil
		})
	case code == ReportTypes:
		m := &ReportTypesModule{}
		return m, walk(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			var rt ReportType
			if err := walk(f.b, func(e field) error {
				switch e.num {
				case 1:
					rt.ID = uint8(e.u)
				case 2:
					rt.Name = string(e.b)
				case 3:
					rt.IncludedModules = append(rt.IncludedModules, ModuleCode(e.u))
				}
				return nil
			}); err != nil {
				return err
			}
			m.ReportTypes = append(m.ReportTypes, rt)
			return nil
		})
	case code.IsReporting():
		m := &ReportingModule{Kind: code}
		return m, walk(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			var e ReportingEntry
			if err := walk(f.b, func(x field) error {
				switch x.num {
				case 1:
					e.ModeID = uint8(x.u)
				case 2:
					e.Period = uint32(x.u)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
			return nil
		})
	case code.IsICListen():
		return &ICListenModule{Kind: code, Raw: append([]byte(nil), b...)}, nil
	default:
		return nil, nil
	}
}

func decodeMode(b []byte) (OperationMode, error) {
	var mode OperationMode
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			mode.ID = uint8(f.u)
		case 2:
			mode.Name = string(f.b)
		case 3:
			mode.ReportTypeID = uint8(f.u)
		case 4:
			tr := &Transition{}
			if err := walk(f.b, func(x field) error {
				switch x.num {
				case 1:
					tr.TargetModeID = uint8(x.u)
				case 2:
					tr.Duration = uint32(x.u)
				}
				return nil
			}); err != nil {
				return err
			}
			mode.Transition = tr
		}
		return nil
	})
	return mode, err
}

// MarshalConfiguration encodes a node configuration blob.
func MarshalConfiguration(c *NodeConfiguration) ([]byte, error) {
	b := appendVarint(nil, 1, uint64(c.LocalAddress))
	modes, err := appendModule(nil, &c.OperationModes)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 2, modes)
	types, err := appendModule(nil, &c.ReportTypes)
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 3, types)
	for i, r := range []*ReportingModule{c.LoRaReporting, c.IridiumReporting, c.GsmMqttReporting} {
		if r == nil {
			continue
		}
		body, err := appendModule(nil, r)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, protowire.Number(4+i), body)
	}
	return b, nil
}

// UnmarshalConfiguration decodes a node configuration blob.
func UnmarshalConfiguration(b []byte) (*NodeConfiguration, error) {
	c := &NodeConfiguration{}
	kinds := map[protowire.Number]ModuleCode{4: LoRaReporting, 5: IridiumReporting, 6: GsmMqttReporting}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			c.LocalAddress = Address(f.u)
		case 2, 3:
			code := OperationModes
			if f.num == 3 {
				code = ReportTypes
			}
			m, err := decodeModule(code, f.b)
			if err != nil {
				return err
			}
			switch v := m.(type) {
			case *OperationModesModule:
				c.OperationModes = *v
			case *ReportTypesModule:
				c.ReportTypes = *v
			}
		case 4, 5, 6:
			m, err := decodeModule(kinds[f.num], f.b)
			if err != nil {
				return err
			}
			c.SetReporting(m.(*ReportingModule))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

// walk iterates over the top level fields of a protobuf message.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func malformed(n int) error {
	return errors.WithMessage(ErrMalformed, protowire.ParseError(n).Error())
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendRouting(b []byte, r Routing) []byte {
	b = appendVarint(b, fieldSender, uint64(r.Sender))
	b = appendVarint(b, fieldReceiver, uint64(r.Receiver))
	return appendVarint(b, fieldTTL, uint64(r.TTL))
}
