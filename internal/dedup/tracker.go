package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxRetainedRuns bounds how many runs a Tracker remembers.
const maxRetainedRuns = 20

// Run is a tracked job execution. Its event log is append-only and every
// subscriber sees it from the start.
type Run struct {
	ID      string
	Started time.Time

	mu      sync.Mutex
	events  []Event
	done    bool
	changed chan struct{}
}

func newRun() *Run {
	return &Run{
		ID:      uuid.NewString(),
		Started: time.Now(),
		changed: make(chan struct{}),
	}
}

func (r *Run) append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if ev.Terminal() {
		r.done = true
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Run) since(next int) ([]Event, bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[next:], r.done, r.changed
}

// Done reports whether the run has emitted its terminal event.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Subscribe replays the run's events and follows new ones until the terminal
// event or until ctx is cancelled, then closes the channel.
func (r *Run) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		next := 0
		for {
			events, done, changed := r.since(next)
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += len(events)
			if done {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Tracker starts jobs in the background and keeps their event logs so that
// progress can be followed from another request.
type Tracker struct {
	ctx    context.Context
	newJob func() *Job

	mu    sync.Mutex
	runs  map[string]*Run
	order []*Run
}

// NewTracker creates a tracker whose runs live as long as ctx.
func NewTracker(ctx context.Context, newJob func() *Job) *Tracker {
	return &Tracker{
		ctx:    ctx,
		newJob: newJob,
		runs:   make(map[string]*Run),
	}
}

// Start launches a new run.
func (t *Tracker) Start() *Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked()
}

func (t *Tracker) startLocked() *Run {
	run := newRun()
	t.runs[run.ID] = run
	t.order = append(t.order, run)
	t.evictLocked()

	events := t.newJob().Run(t.ctx)
	go func() {
		for ev := range events {
			run.append(ev)
		}
	}()
	log.Info().Str("run_id", run.ID).Msg("Started dedup run")
	return run
}

// evictLocked drops the oldest finished runs beyond maxRetainedRuns.
func (t *Tracker) evictLocked() {
	for len(t.order) > maxRetainedRuns {
		idx := -1
		for i, r := range t.order {
			if r.Done() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		delete(t.runs, t.order[idx].ID)
		t.order = append(t.order[:idx], t.order[idx+1:]...)
	}
}

// Get returns the run with id.
func (t *Tracker) Get(id string) (*Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	return r, ok
}

// Latest returns the most recently started run.
func (t *Tracker) Latest() (*Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return nil, false
	}
	return t.order[len(t.order)-1], true
}

// LatestOrStart returns the most recent run, starting one if none exists.
func (t *Tracker) LatestOrStart() *Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) > 0 {
		return t.order[len(t.order)-1]
	}
	return t.startLocked()
}
