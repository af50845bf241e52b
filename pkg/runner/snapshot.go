package runner

// SlotState is the retry state of one port.
type SlotState struct {
	PacketID       uint32 `json:"packet_id"`
	ProcessingLeft int    `json:"processing_left"`
	SendingLeft    int    `json:"sending_left"`
	AwaitingSend   bool   `json:"awaiting_send"`
}

// Snapshot is a point-in-time copy of the runner state.
type Snapshot struct {
	ModeID       uint8                `json:"mode_id"`
	ModeName     string               `json:"mode_name"`
	CycleCount   uint32               `json:"cycle_count"`
	Cycles       uint64               `json:"cycles"`
	LocalAddress string               `json:"local_address"`
	NextReport   map[string]uint64    `json:"next_report_minute"`
	Slots        map[string]SlotState `json:"slots"`
}

// Snapshot returns the state after the last completed cycle.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.NextReport = make(map[string]uint64, len(r.snap.NextReport))
	for k, v := range r.snap.NextReport {
		s.NextReport[k] = v
	}
	s.Slots = make(map[string]SlotState, len(r.snap.Slots))
	for k, v := range r.snap.Slots {
		s.Slots[k] = v
	}
	return s
}

func (r *Runner) updateSnapshot() {
	s := Snapshot{
		ModeID:       r.mode.ID,
		ModeName:     r.mode.Name,
		CycleCount:   r.cycleCount,
		Cycles:       r.cycles,
		LocalAddress: r.cfg.LocalAddress.String(),
		NextReport:   make(map[string]uint64, len(r.nextReport)),
		Slots:        make(map[string]SlotState, len(r.slots)),
	}
	for t, m := range r.nextReport {
		s.NextReport[t.String()] = m
	}
	for t, sl := range r.slots {
		if !sl.valid {
			continue
		}
		s.Slots[t.String()] = SlotState{
			PacketID:       sl.packetID,
			ProcessingLeft: sl.processing,
			SendingLeft:    sl.sending,
			AwaitingSend:   sl.response != nil,
		}
	}

	r.mu.Lock()
	r.snap = s
	r.mu.Unlock()
}
