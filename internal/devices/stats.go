package devices

import (
	"sync/atomic"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

type counters struct {
	reads      atomic.Uint64
	writes     atomic.Uint64
	exceptions atomic.Uint64
}

// Stats are per register type access counters of one device.
type Stats struct {
	byType map[types.RegisterType]*counters
}

type Counts struct {
	Reads      uint64 `json:"reads"`
	Writes     uint64 `json:"writes"`
	Exceptions uint64 `json:"exceptions"`
}

func newStats() *Stats {
	s := &Stats{byType: make(map[types.RegisterType]*counters, len(types.RegisterTypes))}
	for _, t := range types.RegisterTypes {
		s.byType[t] = &counters{}
	}
	return s
}

func (s *Stats) RecordRead(t types.RegisterType) {
	if c, ok := s.byType[t]; ok {
		c.reads.Add(1)
	}
}

func (s *Stats) RecordWrite(t types.RegisterType) {
	if c, ok := s.byType[t]; ok {
		c.writes.Add(1)
	}
}

func (s *Stats) RecordException(t types.RegisterType) {
	if c, ok := s.byType[t]; ok {
		c.exceptions.Add(1)
	}
}

// Snapshot returns the counters keyed by register type.
func (s *Stats) Snapshot() map[types.RegisterType]Counts {
	out := make(map[types.RegisterType]Counts, len(s.byType))
	for t, c := range s.byType {
		out[t] = Counts{
			Reads:      c.reads.Load(),
			Writes:     c.writes.Load(),
			Exceptions: c.exceptions.Load(),
		}
	}
	return out
}

func (s *Stats) Reset() {
	for _, c := range s.byType {
		c.reads.Store(0)
		c.writes.Store(0)
		c.exceptions.Store(0)
	}
}
