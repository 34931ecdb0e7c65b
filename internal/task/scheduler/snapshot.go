package scheduler

func (s *Service) addHistory(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// History returns finished runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Snapshot returns a diagnostic view of the service.
func (s *Service) Snapshot() Snapshot {
	tasks := s.Tasks()
	s.mu.Lock()
	snap := Snapshot{
		State:    s.state,
		Started:  s.started && !s.stopped,
		Timezone: s.loc.String(),
		InFlight: s.running,
	}
	s.mu.Unlock()
	snap.Tasks = tasks
	snap.History = s.History()
	return snap
}
