package birthday

import (
	"strings"
	"sync"
	"time"

	logx "birthdaybot/pkg/logx"
)

// zoneCache memoizes time.LoadLocation, including failures.
type zoneCache struct {
	mu    sync.Mutex
	zones map[string]*time.Location
	log   logx.Logger
}

func newZoneCache(log logx.Logger) *zoneCache {
	return &zoneCache{zones: map[string]*time.Location{}, log: log}
}

// load returns nil for empty or unknown names.
func (z *zoneCache) load(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if loc, ok := z.zones[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		z.log.Warn("invalid timezone; ignoring", logx.String("tz", name), logx.Err(err))
		loc = nil
	}
	z.zones[name] = loc
	return loc
}

// effective resolves the user zone, then the guild zone, then UTC.
func (z *zoneCache) effective(userTZ, guildTZ string) *time.Location {
	if loc := z.load(userTZ); loc != nil {
		return loc
	}
	if loc := z.load(guildTZ); loc != nil {
		return loc
	}
	return time.UTC
}
