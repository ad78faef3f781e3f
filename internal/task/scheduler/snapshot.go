package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:   c != nil,
		Timezone:  tz,
		Schedules: items,
		History:   hist,
	}
}

// NextRun returns the next trigger time for name, or zero when unknown or
// not running.
func (s *Service) NextRun(name string) time.Time {
	for _, it := range s.Snapshot().Schedules {
		if it.Name == name {
			return it.Next
		}
	}
	return time.Time{}
}
