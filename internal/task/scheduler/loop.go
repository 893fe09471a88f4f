package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "birthdaybot/pkg/logx"
)

const skipWarnThrottle = time.Minute

// Loop triggers its jobs sequentially on a schedule.
type Loop struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	jobs   []Job
	stats  []JobInfo

	c       *cron.Cron
	entryID cron.EntryID
	spread  time.Duration
	root    context.Context
	cancel  context.CancelFunc

	tickMu       sync.Mutex // held for the duration of a tick
	running      bool
	ticks        uint64
	skipped      uint64
	lastTickID   string
	lastTickAt   time.Time
	lastTickTook time.Duration
	lastSkipWarn time.Time
}

// New validates cfg and jobs. The loop does nothing until Start.
func New(cfg Config, jobs []Job, log logx.Logger) (*Loop, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "loop"
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, j := range jobs {
		if strings.TrimSpace(j.Name) == "" {
			return nil, errors.New("job name required")
		}
		if j.Run == nil {
			return nil, fmt.Errorf("job %q has no run func", j.Name)
		}
		if _, dup := seen[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", j.Name)
		}
		seen[j.Name] = struct{}{}
	}

	l := &Loop{
		cfg: cfg,
		log: log.With(logx.String("loop", cfg.Name)),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   append([]Job(nil), jobs...),
		stats:  make([]JobInfo, len(jobs)),
	}
	for i, j := range jobs {
		l.stats[i] = JobInfo{Name: j.Name, Timeout: l.timeoutFor(j)}
	}
	l.loc = l.loadLocation()
	return l, nil
}

// Start begins triggering ticks. Jobs run under a context derived from ctx.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		return nil
	}

	ps, err := ParseSchedule(l.cfg.Schedule)
	if err != nil {
		return err
	}
	l.root, l.cancel = context.WithCancel(ctx)

	clog := cronLogger{l: l}
	c := cron.New(
		cron.WithParser(l.parser),
		cron.WithLocation(l.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	job := cron.FuncJob(func() { _ = l.tick(l.root) })

	switch ps.Kind {
	case SpecInterval:
		sched, jitter := intervalWithSpread(ps.Every, time.Now().In(l.loc), l.cfg.Name)
		l.spread = jitter
		l.entryID = c.Schedule(sched, job)
	default:
		id, err := c.AddJob(ps.Cron, job)
		if err != nil {
			l.cancel()
			return fmt.Errorf("register schedule %q: %w", ps.Cron, err)
		}
		l.entryID = id
	}

	l.c = c
	c.Start()
	l.log.Info("loop started",
		logx.String("schedule", l.cfg.Schedule),
		logx.String("tz", l.loc.String()),
		logx.Duration("startup_spread", l.spread),
		logx.Int("jobs", len(l.jobs)))
	return nil
}

// Stop halts triggering and cancels a running tick, waiting for it until ctx is done.
func (l *Loop) Stop(ctx context.Context) {
	start := time.Now()
	l.mu.Lock()
	c, cancel := l.c, l.cancel
	l.c = nil
	l.mu.Unlock()
	if c == nil {
		return
	}

	stopped := c.Stop()
	cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	l.log.Info("loop stopped", logx.Duration("took", time.Since(start)))
}

// RunOnce runs one tick now. It returns ErrTickInProgress if a tick is running,
// otherwise the joined job errors.
func (l *Loop) RunOnce(ctx context.Context) error {
	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) error {
	if !l.tickMu.TryLock() {
		l.reportSkip()
		return ErrTickInProgress
	}
	defer l.tickMu.Unlock()

	id := uuid.NewString()[:8]
	start := time.Now()
	l.mu.Lock()
	l.running = true
	l.lastTickID = id
	l.lastTickAt = start
	l.mu.Unlock()

	log := l.log.With(logx.String("tick", id))
	log.Debug("tick started")

	var errs []error
	for i := range l.jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := l.runJob(ctx, i, log); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.jobs[i].Name, err))
		}
	}

	took := time.Since(start)
	l.mu.Lock()
	l.running = false
	l.ticks++
	l.lastTickTook = took
	l.mu.Unlock()
	log.Debug("tick finished", logx.Duration("took", took), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (l *Loop) runJob(ctx context.Context, i int, log logx.Logger) (err error) {
	j := l.jobs[i]
	jctx, cancel := context.WithTimeout(ctx, l.timeoutFor(j))
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
		}
		l.record(i, start, err)
	}()

	err = j.Run(jctx)
	switch {
	case err == nil:
		log.Debug("job finished", logx.String("job", j.Name), logx.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Debug("job cancelled", logx.String("job", j.Name))
	case errors.Is(err, context.DeadlineExceeded) && jctx.Err() != nil:
		log.Error("job timed out", logx.String("job", j.Name), logx.Duration("timeout", l.timeoutFor(j)), logx.Err(err))
	default:
		log.Error("job failed", logx.String("job", j.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
	}
	return err
}

func (l *Loop) record(i int, start time.Time, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := &l.stats[i]
	st.Runs++
	st.LastRun = start
	st.LastDuration = time.Since(start)
	st.LastErr = ""
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
	}
}

func (l *Loop) timeoutFor(j Job) time.Duration {
	switch {
	case j.Timeout > 0:
		return j.Timeout
	case l.cfg.DefaultTimeout > 0:
		return l.cfg.DefaultTimeout
	default:
		return 10 * time.Minute
	}
}

// reportSkip logs overlapping triggers at most once per skipWarnThrottle.
func (l *Loop) reportSkip() {
	now := time.Now()
	l.mu.Lock()
	l.skipped++
	last := l.lastSkipWarn
	throttled := !last.IsZero() && now.Sub(last) < skipWarnThrottle
	if !throttled {
		l.lastSkipWarn = now
	}
	l.mu.Unlock()

	if throttled {
		return
	}
	l.log.Warn("tick skipped; previous tick still running")
}

func (l *Loop) loadLocation() *time.Location {
	tz := strings.TrimSpace(l.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		l.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
