package scheduler

import (
	"context"
	"sync"
	"time"

	"media-preview/internal/logging"
	"media-preview/internal/metrics"
	"media-preview/internal/preview"
)

// Job produces the artifact for one preview key. It must honor ctx
// cancellation promptly; the scheduler cancels it when every waiter is gone.
type Job func(ctx context.Context) (*preview.PreviewArtifact, error)

// Config holds scheduler limits.
type Config struct {
	// Workers is the number of jobs allowed to run concurrently.
	Workers int

	// QueueDepth is the number of admitted jobs allowed to wait for a
	// worker slot. Requests for new keys beyond this fail fast.
	QueueDepth int

	// JobTimeout is the wall-clock budget for a single job execution.
	// Zero disables the timeout.
	JobTimeout time.Duration
}

// job is one in-flight unit of work, shared by every request coalesced onto
// its key.
type job struct {
	key    preview.PreviewKey
	run    Job
	ctx    context.Context
	cancel context.CancelFunc

	waiters int
	queued  bool

	done     chan struct{}
	artifact *preview.PreviewArtifact
	err      error
}

// Scheduler coalesces preview requests by key and bounds decode concurrency.
//
// At most one job runs per key at a time; additional requests for the same
// key attach to the in-flight job and share its result. Distinct keys beyond
// the worker pool wait in FIFO order up to the queue depth, after which
// admission fails fast with the overloaded kind. A job whose last waiter
// departs is cancelled so it stops consuming decode resources.
type Scheduler struct {
	config Config

	mu       sync.Mutex
	inflight map[preview.PreviewKey]*job
	queue    []*job
	running  int
	closed   bool
}

// New creates a scheduler with the given limits.
func New(config Config) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Scheduler{
		config:   config,
		inflight: make(map[preview.PreviewKey]*job),
	}
}

// Request obtains the artifact for key, either by attaching to an in-flight
// job or by admitting a new one running the given producer. It blocks until
// the job completes, the queue rejects it, or ctx is done.
func (s *Scheduler) Request(ctx context.Context, key preview.PreviewKey, run Job) (*preview.PreviewArtifact, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, preview.Errorf(preview.KindCancelled, "scheduler.Request", "scheduler shut down")
	}

	j, ok := s.inflight[key]
	if ok && j.waiters == 0 && j.ctx.Err() != nil {
		// The job lost its last waiter and is unwinding toward a Cancelled
		// outcome this caller never asked for. Admit a replacement; the
		// stale job's finalization only removes its own map entry.
		ok = false
	}
	if ok {
		j.waiters++
		metrics.SchedulerCoalescedTotal.Inc()
	} else {
		if s.running >= s.config.Workers && s.config.QueueDepth > 0 && len(s.queue) >= s.config.QueueDepth {
			s.mu.Unlock()
			metrics.SchedulerOverloadedTotal.Inc()
			return nil, preview.Errorf(preview.KindOverloaded, "scheduler.Request",
				"queue full (%d jobs waiting)", s.config.QueueDepth)
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		j = &job{
			key:     key,
			run:     run,
			ctx:     jobCtx,
			cancel:  cancel,
			waiters: 1,
			done:    make(chan struct{}),
		}
		s.inflight[key] = j

		if s.running < s.config.Workers {
			s.running++
			go s.execute(j)
		} else {
			j.queued = true
			s.queue = append(s.queue, j)
		}
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	select {
	case <-j.done:
		return j.artifact, j.err
	case <-ctx.Done():
		s.detach(j)
		return nil, preview.E(preview.KindOf(ctx.Err()), "scheduler.Request", ctx.Err())
	}
}

// detach removes one waiter from a job. The last waiter leaving cancels the
// job: nobody will consume its result, so finishing it only wastes a slot.
func (s *Scheduler) detach(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.waiters--
	if j.waiters > 0 {
		return
	}

	j.cancel()

	if j.queued {
		// Never reached a worker; finalize it here.
		s.removeFromQueueLocked(j)
		j.queued = false
		j.err = preview.Errorf(preview.KindCancelled, "scheduler.detach", "all waiters departed")
		close(j.done)
		s.removeInflightLocked(j)
		s.updateGaugesLocked()
		logging.Debug("Dropped queued job %s, all waiters gone", j.key)
	}
	// A running job is killed via its context; execute finalizes it.
}

func (s *Scheduler) removeFromQueueLocked(j *job) {
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// execute runs one job on a worker slot and starts the next queued job when
// it finishes.
func (s *Scheduler) execute(j *job) {
	runCtx := j.ctx
	var timeoutCancel context.CancelFunc
	if s.config.JobTimeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(j.ctx, s.config.JobTimeout)
	}

	artifact, err := j.run(runCtx)

	if timeoutCancel != nil {
		timeoutCancel()
	}

	if err != nil && runCtx.Err() == context.DeadlineExceeded && j.ctx.Err() == nil {
		metrics.SchedulerTimeoutsTotal.Inc()
		err = preview.E(preview.KindTimeout, "scheduler.execute", runCtx.Err())
	}

	// Result recording, completion signaling, and in-flight removal happen
	// under one lock acquisition so no observer sees a key with neither a
	// job nor a result.
	s.mu.Lock()
	j.artifact = artifact
	j.err = err
	close(j.done)
	s.removeInflightLocked(j)
	s.running--
	s.startNextLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()
}

// removeInflightLocked drops j's map entry unless a replacement job has
// already taken over the key.
func (s *Scheduler) removeInflightLocked(j *job) {
	if cur, ok := s.inflight[j.key]; ok && cur == j {
		delete(s.inflight, j.key)
	}
}

// startNextLocked pops the FIFO queue onto the freed slot, skipping jobs
// whose waiters already departed.
func (s *Scheduler) startNextLocked() {
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		next.queued = false

		if next.ctx.Err() != nil {
			// Cancelled while queued but not yet finalized by detach.
			next.err = preview.E(preview.KindCancelled, "scheduler.startNext", next.ctx.Err())
			close(next.done)
			s.removeInflightLocked(next)
			continue
		}

		s.running++
		go s.execute(next)
		return
	}
}

func (s *Scheduler) updateGaugesLocked() {
	metrics.SchedulerJobsInFlight.Set(float64(len(s.inflight)))
	metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
}

// InFlight returns the number of distinct jobs admitted or queued.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Shutdown cancels every job and rejects new requests. Running jobs observe
// their context and unwind; Shutdown does not wait for them.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, j := range s.inflight {
		j.cancel()
	}
	for _, j := range s.queue {
		if j.queued {
			j.queued = false
			j.err = preview.Errorf(preview.KindCancelled, "scheduler.Shutdown", "scheduler shut down")
			close(j.done)
			s.removeInflightLocked(j)
		}
	}
	s.queue = nil
	s.updateGaugesLocked()
}
