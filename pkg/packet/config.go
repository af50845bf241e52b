package packet

// NodeConfiguration is the persisted configuration of a node.
type NodeConfiguration struct {
	LocalAddress     Address
	OperationModes   OperationModesModule
	ReportTypes      ReportTypesModule
	LoRaReporting    *ReportingModule
	IridiumReporting *ReportingModule
	GsmMqttReporting *ReportingModule
}

// Reporting returns the reporting module of the given kind, or nil.
func (c *NodeConfiguration) Reporting(kind ModuleCode) *ReportingModule {
	switch kind {
	case LoRaReporting:
		return c.LoRaReporting
	case IridiumReporting:
		return c.IridiumReporting
	case GsmMqttReporting:
		return c.GsmMqttReporting
	default:
		return nil
	}
}

// SetReporting replaces the reporting module of m.Kind.
func (c *NodeConfiguration) SetReporting(m *ReportingModule) {
	switch m.Kind {
	case LoRaReporting:
		c.LoRaReporting = m
	case IridiumReporting:
		c.IridiumReporting = m
	case GsmMqttReporting:
		c.GsmMqttReporting = m
	}
}

// Clone returns a deep copy of c.
func (c *NodeConfiguration) Clone() NodeConfiguration {
	out := NodeConfiguration{
		LocalAddress: c.LocalAddress,
		OperationModes: OperationModesModule{
			ActiveModeID: c.OperationModes.ActiveModeID,
			Modes:        make([]OperationMode, len(c.OperationModes.Modes)),
		},
		ReportTypes: ReportTypesModule{
			ReportTypes: make([]ReportType, len(c.ReportTypes.ReportTypes)),
		},
		LoRaReporting:    cloneReporting(c.LoRaReporting),
		IridiumReporting: cloneReporting(c.IridiumReporting),
		GsmMqttReporting: cloneReporting(c.GsmMqttReporting),
	}
	for i, m := range c.OperationModes.Modes {
		if m.Transition != nil {
			tr := *m.Transition
			m.Transition = &tr
		}
		out.OperationModes.Modes[i] = m
	}
	for i, rt := range c.ReportTypes.ReportTypes {
		rt.IncludedModules = append([]ModuleCode(nil), rt.IncludedModules...)
		out.ReportTypes.ReportTypes[i] = rt
	}
	return out
}

func cloneReporting(m *ReportingModule) *ReportingModule {
	if m == nil {
		return nil
	}
	return &ReportingModule{Kind: m.Kind, Entries: append([]ReportingEntry(nil), m.Entries...)}
}
