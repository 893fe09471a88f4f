package refresh

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
)

// Job is a shared handle to one guild's fetch run.
type Job struct {
	ID        string
	GuildID   snowflake.ID
	StartedAt time.Time

	userIDs []snowflake.ID
	done    chan struct{}
	err     error

	found, notFound, dropped atomic.Int64
}

func newJob(guildID snowflake.ID, ids []snowflake.ID, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		StartedAt: now,
		userIDs:   ids,
		done:      make(chan struct{}),
	}
}

func completedJob(guildID snowflake.ID, err error) *Job {
	j := &Job{GuildID: guildID, done: make(chan struct{}), err: err}
	close(j.done)
	return j
}

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done. Cancelling ctx does not stop the job.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the job's error. Only meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// UserIDs returns the ids the job was created for.
func (j *Job) UserIDs() []snowflake.ID {
	out := make([]snowflake.ID, len(j.userIDs))
	copy(out, j.userIDs)
	return out
}

// Result reports per-outcome counts. Only meaningful after Done is closed.
type Result struct {
	Found    int
	NotFound int
	Dropped  int
}

func (j *Job) Result() Result {
	select {
	case <-j.done:
		return Result{Found: int(j.found.Load()), NotFound: int(j.notFound.Load()), Dropped: int(j.dropped.Load())}
	default:
		return Result{}
	}
}
