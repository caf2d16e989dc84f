package localnotify

func (s *MemoryStore) counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, r := range s.rows {
		out[r.status]++
	}
	return out
}

func (s *MemoryStore) lastError(seq int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.seq == seq {
			return r.lastErr
		}
	}
	return ""
}
