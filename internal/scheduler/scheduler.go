// Package scheduler owns the extraction job lifecycle: jobs are accepted
// immediately, queued first-in-first-out, and run under a fixed concurrency
// bound.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/logger"
)

// Store is the persistence surface the scheduler depends on. It is an
// interface so the job registry can be swapped (the server uses the gorm
// repositories, tests use an in-memory map).
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, job *domain.Job) error
	AppendLog(ctx context.Context, entry *domain.JobLog) error
}

// Runner executes one job. A nil return completes the job; a context
// cancellation cancels it; any other error fails it. The runner may update
// the job's counters, which are persisted when it returns.
type Runner interface {
	Run(ctx context.Context, job *domain.Job) error
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler closed")

// ErrJobNotFound is returned by Cancel for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned by Cancel when the job has already finished.
var ErrJobTerminal = errors.New("job already in a terminal state")

// InvariantError reports a state transition the lifecycle does not admit.
// It indicates scheduler corruption, so it is raised as a panic rather than
// returned.
type InvariantError struct {
	JobID string
	From  domain.JobStatus
	To    domain.JobStatus
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s (job %s)", e.From, e.To, e.JobID)
}

// Config holds configuration for the scheduler.
type Config struct {
	Workers int
}

type task struct {
	job    *domain.Job
	cancel context.CancelFunc // set while running
}

// Scheduler dispatches queued jobs to a fixed pool of workers.
type Scheduler struct {
	store  Store
	runner Runner
	logger *logger.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	tasks  map[string]*task
	closed bool
}

// New creates a scheduler and starts its worker pool.
func New(store Store, runner Runner, log *logger.Logger, cfg *Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:     store,
		runner:    runner,
		logger:    log,
		baseCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[string]*task),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			s.worker(workerID)
		}(i)
	}
	return s
}

func (s *Scheduler) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Submit validates and registers a new job. The job is persisted as pending
// before Submit returns, so it is immediately visible to status queries;
// execution happens later, whenever a worker becomes free. Submit never
// blocks on the queue.
func (s *Scheduler) Submit(ctx context.Context, documentRef string, templates domain.TemplateRefs) (*domain.Job, error) {
	if documentRef == "" {
		return nil, errors.New("document reference is required")
	}
	if len(templates) == 0 {
		return nil, errors.New("at least one template is required")
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		DocumentRef: documentRef,
		Templates:   templates,
		Status:      domain.JobStatusPending,
		Counts:      domain.CountMap{},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	t := &task{job: job}
	s.tasks[job.ID] = t
	s.queue = append(s.queue, t)
	s.cond.Signal()
	s.mu.Unlock()

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		"document_ref":    documentRef,
	}).Info("Job queued")
	return job, nil
}

// Requeue re-enqueues a job that is already persisted as pending. Used on
// startup to pick up work that was queued when the previous process stopped.
func (s *Scheduler) Requeue(ctx context.Context, job *domain.Job) error {
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("cannot requeue job %s in status %s", job.ID, job.Status)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.tasks[job.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	t := &task{job: job}
	s.tasks[job.ID] = t
	s.queue = append(s.queue, t)
	s.cond.Signal()
	s.mu.Unlock()

	s.log(ctx).WithField(logger.FieldJobID, job.ID).Info("Pending job requeued")
	return nil
}

// Cancel withdraws a pending job or requests cooperative cancellation of a
// running one. Pending jobs become cancelled without ever running; running
// jobs finish their current stage and stop at the next cancellation point.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	t, ok := s.tasks[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}

	switch t.job.Status {
	case domain.JobStatusPending:
		for i, queued := range s.queue {
			if queued == t {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.transitionLocked(t.job, domain.JobStatusCancelled)
		delete(s.tasks, jobID)
		s.mu.Unlock()

		if err := s.store.UpdateJob(ctx, t.job); err != nil {
			return fmt.Errorf("persist cancellation: %w", err)
		}
		s.log(ctx).WithField(logger.FieldJobID, jobID).Info("Pending job cancelled")
		return nil

	case domain.JobStatusRunning:
		cancel := t.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.log(ctx).WithField(logger.FieldJobID, jobID).Info("Cancellation requested for running job")
		return nil

	default:
		s.mu.Unlock()
		return ErrJobTerminal
	}
}

// Close stops accepting jobs and waits for running jobs to finish. Jobs
// still queued stay pending in the store; a restarted scheduler can requeue
// them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.cancelAll()
}

func (s *Scheduler) worker(workerID int) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]

		runCtx, cancel := context.WithCancel(s.baseCtx)
		t.cancel = cancel
		s.transitionLocked(t.job, domain.JobStatusRunning)
		now := time.Now()
		t.job.StartedAt = &now
		s.mu.Unlock()

		s.execute(runCtx, workerID, t)
		cancel()
	}
}

func (s *Scheduler) execute(ctx context.Context, workerID int, t *task) {
	job := t.job
	log := s.logger.WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		"worker":          workerID,
	})
	log.Info("Job started")

	if err := s.store.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("Failed to persist running state")
	}

	start := time.Now()
	err := s.runner.Run(ctx, job)

	var final domain.JobStatus
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		final = domain.JobStatusCancelled
		job.Notes = "cancelled"
	case err != nil:
		final = domain.JobStatusFailed
		job.Notes = err.Error()
	default:
		final = domain.JobStatusCompleted
	}

	s.mu.Lock()
	s.transitionLocked(job, final)
	now := time.Now()
	job.FinishedAt = &now
	delete(s.tasks, job.ID)
	s.mu.Unlock()

	// Persist the terminal state with a fresh context: the job's own context
	// is gone once the job is cancelled.
	if err := s.store.UpdateJob(context.Background(), job); err != nil {
		log.WithError(err).Error("Failed to persist terminal state")
	}

	log.WithFields(logger.Fields{
		logger.FieldStatus:     string(final),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Job finished")
}

var validTransitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusPending: {domain.JobStatusRunning, domain.JobStatusCancelled},
	domain.JobStatusRunning: {domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
}

// transitionLocked applies a status change, panicking on any transition the
// lifecycle does not admit. Callers hold s.mu.
func (s *Scheduler) transitionLocked(job *domain.Job, to domain.JobStatus) {
	for _, allowed := range validTransitions[job.Status] {
		if allowed == to {
			job.Status = to
			job.UpdatedAt = time.Now()
			return
		}
	}
	panic(&InvariantError{JobID: job.ID, From: job.Status, To: to})
}
