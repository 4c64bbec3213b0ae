package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gymflow/internal/domain"
	"gymflow/internal/metrics"
)

// DefaultMisfireGrace bounds how late an overdue job may still run when no
// per-job grace was set.
const DefaultMisfireGrace = time.Hour

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Scheduler is a durable one-shot job executor. Jobs live in the Store and
// survive restarts; a ticker-driven loop dispatches whatever is due. A job is
// marked finished only after its handler returns, so a crash mid-execution
// leaves it re-runnable (at-least-once). Handlers must therefore be idempotent.
type Scheduler struct {
	store       Store
	handlers    map[domain.JobKind]Handler
	log         zerolog.Logger
	poll        time.Duration
	execTimeout time.Duration
	sem         chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(store Store, log zerolog.Logger, poll time.Duration, workers int) *Scheduler {
	if poll <= 0 {
		poll = time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:       store,
		handlers:    make(map[domain.JobKind]Handler),
		log:         log,
		poll:        poll,
		execTimeout: time.Minute,
		sem:         make(chan struct{}, workers),
		stop:        make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Not safe to call once Run started.
func (s *Scheduler) Register(kind domain.JobKind, h Handler) {
	s.handlers[kind] = h
}

// Schedule durably registers a one-shot job. An existing job with the same id
// is replaced, not duplicated.
func (s *Scheduler) Schedule(ctx context.Context, j domain.Job) (string, error) {
	if j.ID == "" {
		j.ID = domain.JobID(j.Kind, j.EntityID)
	}
	if j.MisfireGrace <= 0 {
		j.MisfireGrace = DefaultMisfireGrace
	}
	if err := s.store.Put(ctx, j); err != nil {
		return "", fmt.Errorf("schedule %s: %w", j.ID, err)
	}
	s.log.Info().Str("job_id", j.ID).Str("kind", string(j.Kind)).Time("run_at", j.RunAt).Msg("job scheduled")
	return j.ID, nil
}

// Cancel removes a pending job. False means the job does not exist or already
// ran; callers treat that as a no-op, not an error.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.JobCanceled()
		s.log.Info().Str("job_id", id).Msg("job canceled")
	}
	return ok, nil
}

// CancelForEntity cancels every pending job scheduled for the entity, using
// the entity index rather than scanning job ids.
func (s *Scheduler) CancelForEntity(ctx context.Context, entityID string) (int, error) {
	n, err := s.store.CancelForEntity(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		for i := 0; i < n; i++ {
			metrics.JobCanceled()
		}
		s.log.Info().Str("entity_id", entityID).Int("count", n).Msg("entity jobs canceled")
	}
	return n, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Scheduler) List(ctx context.Context) ([]domain.Job, error) {
	return s.store.List(ctx)
}

func (s *Scheduler) ListForEntity(ctx context.Context, entityID string) ([]domain.Job, error) {
	return s.store.ListForEntity(ctx, entityID)
}

// Run drives the dispatch loop until the context is done or Shutdown is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	t := time.NewTicker(s.poll)
	defer t.Stop()

	s.log.Info().Dur("poll", s.poll).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-t.C:
			s.dispatchDue(ctx, now)
		}
	}
}

// Shutdown stops the dispatch loop and waits for in-flight handlers. Pending
// jobs stay in the durable store and run after the next start.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// dispatchDue claims every due pending job and executes the batch. Jobs past
// their misfire grace are dropped as missed, never executed late; handler
// errors are logged and final (no automatic retry at this layer).
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load due jobs")
		return
	}

	var batch sync.WaitGroup
	for _, j := range due {
		if now.After(j.RunAt.Add(j.MisfireGrace)) {
			if err := s.store.MarkDone(ctx, j.ID, domain.JobMissed, "misfire grace exceeded"); err != nil {
				s.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to mark job missed")
				continue
			}
			metrics.JobMissed()
			s.log.Warn().Str("job_id", j.ID).Time("run_at", j.RunAt).Dur("grace", j.MisfireGrace).
				Msg("job missed, dropped")
			continue
		}

		h, ok := s.handlers[j.Kind]
		if !ok {
			_ = s.store.MarkDone(ctx, j.ID, domain.JobFailed, "no handler for kind")
			s.log.Error().Str("job_id", j.ID).Str("kind", string(j.Kind)).Msg("no handler registered")
			continue
		}

		if err := s.store.MarkRunning(ctx, j.ID); err != nil {
			s.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to claim job")
			continue
		}

		batch.Add(1)
		s.wg.Add(1)
		s.sem <- struct{}{}
		go func(j domain.Job) {
			defer func() {
				<-s.sem
				s.wg.Done()
				batch.Done()
			}()
			s.execute(ctx, h, j)
		}(j)
	}
	batch.Wait()
}

func (s *Scheduler) execute(ctx context.Context, h Handler, j domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			_ = s.store.MarkDone(ctx, j.ID, domain.JobFailed, fmt.Sprintf("panic: %v", r))
			metrics.JobFailed()
			s.log.Error().Str("job_id", j.ID).Interface("panic", r).Msg("job handler panicked")
		}
	}()

	c, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	if err := h.Handle(c, j.Payload); err != nil {
		_ = s.store.MarkDone(ctx, j.ID, domain.JobFailed, err.Error())
		metrics.JobFailed()
		s.log.Error().Err(err).Str("job_id", j.ID).Str("kind", string(j.Kind)).Msg("job failed")
		return
	}
	if err := s.store.MarkDone(ctx, j.ID, domain.JobExecuted, ""); err != nil {
		s.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to mark job executed")
		return
	}
	metrics.JobExecuted()
	s.log.Info().Str("job_id", j.ID).Str("kind", string(j.Kind)).Msg("job executed")
}
