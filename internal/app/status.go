package app

import (
	"birthdaybot/internal/refresh"
	"birthdaybot/internal/runtime/supervisor"
	"birthdaybot/internal/task/scheduler"
)

// Status is the diagnostic snapshot served by the debug server.
type Status struct {
	Loops           []scheduler.Snapshot `json:"loops"`
	Refresh         refresh.Stats        `json:"refresh"`
	CacheEntries    int                  `json:"cache_entries"`
	CacheGuilds     int                  `json:"cache_guilds"`
	LogLinesDropped uint64               `json:"log_lines_dropped"`
	Supervisor      *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		Refresh:         a.refresh.Stats(),
		CacheEntries:    a.cache.Len(),
		CacheGuilds:     len(a.cache.Guilds()),
		LogLinesDropped: a.logs.Dropped(),
	}
	for _, l := range a.loops {
		st.Loops = append(st.Loops, l.Snapshot())
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}
