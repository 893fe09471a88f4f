package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrTickInProgress is returned by RunOnce when a tick is already running.
var ErrTickInProgress = errors.New("tick already in progress")

// Job is one named step of a tick.
type Job struct {
	Name    string
	Timeout time.Duration // 0 uses Config.DefaultTimeout
	Run     func(ctx context.Context) error
}

// Config controls a loop.
type Config struct {
	Name           string // shown in logs, e.g. "shard-0"
	Schedule       string // see ParseSchedule
	Timezone       string // IANA TZ for cron schedules, e.g. "Asia/Jakarta"
	DefaultTimeout time.Duration
}

type JobInfo struct {
	Name         string
	Timeout      time.Duration
	Runs         uint64
	Failures     uint64
	LastRun      time.Time
	LastDuration time.Duration
	LastErr      string
}

type Snapshot struct {
	Name          string
	Schedule      string
	Timezone      string
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time

	Ticks        uint64
	SkippedTicks uint64
	Running      bool
	LastTickID   string
	LastTickAt   time.Time
	LastTickTook time.Duration

	Jobs []JobInfo
}
