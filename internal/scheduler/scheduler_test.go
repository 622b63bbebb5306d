package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/logger"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	logs []domain.JobLog
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]domain.Job)}
}

func (m *memStore) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) UpdateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) AppendLog(_ context.Context, entry *domain.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) status(jobID string) domain.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].Status
}

type runnerFunc func(ctx context.Context, job *domain.Job) error

func (f runnerFunc) Run(ctx context.Context, job *domain.Job) error { return f(ctx, job) }

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error"})
}

func templates() domain.TemplateRefs {
	return domain.TemplateRefs{domain.KindPottery: "pottery.xlsx"}
}

func TestSubmitIsVisibleBeforeExecution(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	started := make(chan string, 8)

	s := New(store, runnerFunc(func(ctx context.Context, job *domain.Job) error {
		started <- job.ID
		<-release
		return nil
	}), testLogger(), &Config{Workers: 1})
	defer func() { close(release); s.Close() }()

	first, err := s.Submit(context.Background(), "doc-a", templates())
	require.NoError(t, err)
	<-started

	second, err := s.Submit(context.Background(), "doc-b", templates())
	require.NoError(t, err)

	// The second job has not run yet, but it is already registered.
	assert.Equal(t, domain.JobStatusPending, store.status(second.ID))
	assert.Equal(t, domain.JobStatusRunning, store.status(first.ID))
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	store := newMemStore()
	var current, peak int32

	s := New(store, runnerFunc(func(ctx context.Context, job *domain.Job) error {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil
	}), testLogger(), &Config{Workers: 2})

	var ids []string
	for i := 0; i < 6; i++ {
		job, err := s.Submit(context.Background(), "doc", templates())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if store.status(id) != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	s.Close()
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	store := newMemStore()
	var mu sync.Mutex
	var order []string

	s := New(store, runnerFunc(func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		order = append(order, job.DocumentRef)
		mu.Unlock()
		return nil
	}), testLogger(), &Config{Workers: 1})

	var ids []string
	for _, doc := range []string{"doc-1", "doc-2", "doc-3"} {
		job, err := s.Submit(context.Background(), doc, templates())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		return store.status(ids[2]) == domain.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, order)
	s.Close()
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	var ran sync.Map

	s := New(store, runnerFunc(func(ctx context.Context, job *domain.Job) error {
		ran.Store(job.ID, true)
		<-release
		return nil
	}), testLogger(), &Config{Workers: 1})

	blocker, err := s.Submit(context.Background(), "doc-a", templates())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.status(blocker.ID) == domain.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	victim, err := s.Submit(context.Background(), "doc-b", templates())
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), victim.ID))

	assert.Equal(t, domain.JobStatusCancelled, store.status(victim.ID))

	close(release)
	s.Close()
	_, executed := ran.Load(victim.ID)
	assert.False(t, executed)

	// A terminal job cannot be cancelled again.
	assert.ErrorIs(t, s.Cancel(context.Background(), victim.ID), ErrJobNotFound)
}

func TestCancelRunningJobStopsCooperatively(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})

	s := New(store, runnerFunc(func(ctx context.Context, job *domain.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), testLogger(), &Config{Workers: 1})

	job, err := s.Submit(context.Background(), "doc", templates())
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	require.Eventually(t, func() bool {
		return store.status(job.ID) == domain.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
	s.Close()
}

func TestSubmitValidatesInput(t *testing.T) {
	s := New(newMemStore(), runnerFunc(func(context.Context, *domain.Job) error { return nil }),
		testLogger(), &Config{Workers: 1})
	defer s.Close()

	_, err := s.Submit(context.Background(), "", templates())
	assert.Error(t, err)

	_, err = s.Submit(context.Background(), "doc", nil)
	assert.Error(t, err)
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	s := New(newMemStore(), runnerFunc(func(context.Context, *domain.Job) error { return nil }),
		testLogger(), &Config{Workers: 1})
	s.Close()

	_, err := s.Submit(context.Background(), "doc", templates())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIllegalTransitionPanics(t *testing.T) {
	s := New(newMemStore(), runnerFunc(func(context.Context, *domain.Job) error { return nil }),
		testLogger(), &Config{Workers: 1})
	defer s.Close()

	job := &domain.Job{ID: "x", Status: domain.JobStatusCompleted}
	assert.PanicsWithError(t, "invalid job transition completed -> running (job x)", func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.transitionLocked(job, domain.JobStatusRunning)
	})
}

func TestRequeuePicksUpPersistedPendingJob(t *testing.T) {
	store := newMemStore()
	done := make(chan string, 1)

	s := New(store, runnerFunc(func(ctx context.Context, job *domain.Job) error {
		done <- job.ID
		return nil
	}), testLogger(), &Config{Workers: 1})
	defer s.Close()

	// A job left pending by a previous process: persisted but unknown to
	// this scheduler.
	job := &domain.Job{ID: "leftover", DocumentRef: "doc", Templates: templates(), Status: domain.JobStatusPending}
	require.NoError(t, store.CreateJob(context.Background(), job))

	require.NoError(t, s.Requeue(context.Background(), job))
	assert.Equal(t, "leftover", <-done)

	require.Error(t, s.Requeue(context.Background(), &domain.Job{ID: "done", Status: domain.JobStatusCompleted}))
}
