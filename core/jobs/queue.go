package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vigil-ims/config"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

// Handler processes one claimed job. A nil return marks the job done; an
// error reschedules it with backoff until the attempt budget runs out.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the delayed-job dispatcher over the jobs table. Delivery is
// at-least-once: a handler crash between claim and done leads to a redelivery
// after the stuck-job cutoff, so handlers must be idempotent.
type Queue struct {
	store  store.JobsStore
	cfg    config.QueueConfig
	logger *utils.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cron     *cron.Cron
	running  bool
}

func NewQueue(jobsStore store.JobsStore, cfg config.QueueConfig, logger *utils.Logger) *Queue {
	return &Queue{
		store:    jobsStore,
		cfg:      cfg,
		logger:   logger,
		handlers: map[string]Handler{},
	}
}

// Handle registers the handler for a job type. Must be called before Start.
func (q *Queue) Handle(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[strings.TrimSpace(jobType)] = h
}

type EnqueueOptions struct {
	// JobID is the deterministic id; enqueueing the same id replaces the
	// earlier pending job.
	JobID string
	Delay time.Duration
}

func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	job := &store.Job{
		ID:          opts.JobID,
		JobType:     strings.TrimSpace(jobType),
		PayloadJSON: string(raw),
		RunAt:       time.Now().UTC().Add(opts.Delay),
	}
	return q.store.Enqueue(ctx, job)
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	q.wg.Add(1)
	go q.loop(ctx)
	q.startJanitor()
	if q.logger != nil {
		q.logger.Printf("jobs: queue started")
	}
}

func (q *Queue) StopWithContext(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel := q.cancel
	q.cancel = nil
	cronRunner := q.cron
	q.cron = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cronRunner != nil {
		cronRunner.Stop()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	tick := time.Duration(q.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.RunPending(ctx)
		}
	}
}

// RunPending claims due jobs and runs them synchronously. Exposed so tests
// can drive the queue without the background loop.
func (q *Queue) RunPending(ctx context.Context) {
	limit := q.cfg.MaxJobsPerTick
	if limit <= 0 {
		limit = 20
	}
	claimed, err := q.store.ClaimDueJobs(ctx, time.Now().UTC(), limit)
	if err != nil {
		q.logger.Errorf("jobs: claim due jobs: %v", err)
		return
	}
	for _, job := range claimed {
		q.runJob(ctx, job)
	}
}

func (q *Queue) runJob(ctx context.Context, job store.Job) {
	q.mu.Lock()
	handler := q.handlers[job.JobType]
	q.mu.Unlock()
	if handler == nil {
		q.logger.Errorf("jobs: no handler for type %s, job %s dead", job.JobType, job.ID)
		if err := q.store.MarkDead(ctx, job.ID, "no handler registered"); err != nil {
			q.logger.Errorf("jobs: mark dead %s: %v", job.ID, err)
		}
		return
	}
	if err := handler(ctx, []byte(job.PayloadJSON)); err != nil {
		q.retryOrKill(ctx, job, err)
		return
	}
	if err := q.store.MarkDone(ctx, job.ID); err != nil {
		q.logger.Errorf("jobs: mark done %s: %v", job.ID, err)
	}
}

func (q *Queue) retryOrKill(ctx context.Context, job store.Job, cause error) {
	maxAttempts := q.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if job.Attempts >= maxAttempts {
		q.logger.Errorf("jobs: job %s dead after %d attempts: %v", job.ID, job.Attempts, cause)
		if err := q.store.MarkDead(ctx, job.ID, cause.Error()); err != nil {
			q.logger.Errorf("jobs: mark dead %s: %v", job.ID, err)
		}
		return
	}
	delay := q.backoff(job.Attempts)
	q.logger.Errorf("jobs: job %s attempt %d failed, retry in %s: %v", job.ID, job.Attempts, delay, cause)
	if err := q.store.Reschedule(ctx, job.ID, time.Now().UTC().Add(delay), cause.Error()); err != nil {
		q.logger.Errorf("jobs: reschedule %s: %v", job.ID, err)
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	base := time.Duration(q.cfg.RetryBaseSeconds) * time.Second
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

func (q *Queue) startJanitor() {
	spec := strings.TrimSpace(q.cfg.JanitorSpec)
	if spec == "" {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		q.janitorPass(ctx)
	})
	if err != nil {
		q.logger.Errorf("jobs: bad janitor spec %q: %v", spec, err)
		return
	}
	c.Start()
	q.cron = c
}

func (q *Queue) janitorPass(ctx context.Context) {
	released, err := q.store.ReleaseStuckJobs(ctx, time.Now().UTC().Add(-10*time.Minute))
	if err != nil {
		q.logger.Errorf("jobs: release stuck jobs: %v", err)
	} else if released > 0 {
		q.logger.Printf("jobs: released %d stuck jobs", released)
	}
	retention := q.cfg.RetentionDays
	if retention <= 0 {
		retention = 7
	}
	purged, err := q.store.PurgeFinished(ctx, time.Now().UTC().AddDate(0, 0, -retention))
	if err != nil {
		q.logger.Errorf("jobs: purge finished jobs: %v", err)
	} else if purged > 0 {
		q.logger.Printf("jobs: purged %d finished jobs", purged)
	}
}
