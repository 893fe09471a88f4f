package scheduler

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Name:          l.cfg.Name,
		Schedule:      l.cfg.Schedule,
		Timezone:      l.loc.String(),
		StartupSpread: l.spread,
		Ticks:         l.ticks,
		SkippedTicks:  l.skipped,
		Running:       l.running,
		LastTickID:    l.lastTickID,
		LastTickAt:    l.lastTickAt,
		LastTickTook:  l.lastTickTook,
		Jobs:          append([]JobInfo(nil), l.stats...),
	}
	if l.c != nil && l.entryID != 0 {
		e := l.c.Entry(l.entryID)
		s.Next = e.Next
		s.Prev = e.Prev
	}
	return s
}
