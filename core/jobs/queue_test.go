package jobs

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vigil-ims/config"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

func setupQueue(t *testing.T, cfg config.QueueConfig) (*Queue, store.JobsStore, *sql.DB) {
	t.Helper()
	appCfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "queue_test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(appCfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	jobsStore := store.NewJobsStore(db)
	return NewQueue(jobsStore, cfg, logger), jobsStore, db
}

func TestQueueRunsRegisteredHandler(t *testing.T) {
	q, jobsStore, _ := setupQueue(t, config.QueueConfig{TickSeconds: 1, MaxJobsPerTick: 10, MaxAttempts: 3, RetryBaseSeconds: 1})
	ctx := context.Background()

	var got []byte
	q.Handle("ping", func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})
	if err := q.Enqueue(ctx, "ping", map[string]string{"k": "v"}, EnqueueOptions{JobID: "ping-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.RunPending(ctx)

	if string(got) != `{"k":"v"}` {
		t.Fatalf("handler payload wrong: %s", got)
	}
	job, _ := jobsStore.GetJob(ctx, "ping-1")
	if job.Status != store.JobDone {
		t.Fatalf("job not done: %+v", job)
	}
}

func TestQueueDelayedJobNotRunEarly(t *testing.T) {
	q, jobsStore, _ := setupQueue(t, config.QueueConfig{TickSeconds: 1, MaxJobsPerTick: 10, MaxAttempts: 3, RetryBaseSeconds: 1})
	ctx := context.Background()

	called := false
	q.Handle("later", func(ctx context.Context, payload []byte) error {
		called = true
		return nil
	})
	if err := q.Enqueue(ctx, "later", nil, EnqueueOptions{JobID: "later-1", Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.RunPending(ctx)

	if called {
		t.Fatal("delayed job ran early")
	}
	job, _ := jobsStore.GetJob(ctx, "later-1")
	if job.Status != store.JobPending {
		t.Fatalf("delayed job should stay pending: %+v", job)
	}
}

func TestQueueRetriesWithBackoffThenDead(t *testing.T) {
	q, jobsStore, db := setupQueue(t, config.QueueConfig{TickSeconds: 1, MaxJobsPerTick: 10, MaxAttempts: 2, RetryBaseSeconds: 1})
	ctx := context.Background()

	attempts := 0
	q.Handle("flaky", func(ctx context.Context, payload []byte) error {
		attempts++
		return errors.New("boom")
	})
	if err := q.Enqueue(ctx, "flaky", nil, EnqueueOptions{JobID: "flaky-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.RunPending(ctx)
	job, _ := jobsStore.GetJob(ctx, "flaky-1")
	if job.Status != store.JobPending || job.Attempts != 1 || job.LastError == "" {
		t.Fatalf("first failure should reschedule: %+v", job)
	}
	if !job.RunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("backoff missing: %+v", job)
	}

	// Force the retry due and exhaust the attempt budget.
	if _, err := db.ExecContext(ctx, `UPDATE jobs SET run_at=? WHERE id=?`, time.Now().UTC().Add(-time.Second), "flaky-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	q.RunPending(ctx)

	job, _ = jobsStore.GetJob(ctx, "flaky-1")
	if job.Status != store.JobDead {
		t.Fatalf("job should be dead after max attempts: %+v", job)
	}
	if attempts != 2 {
		t.Fatalf("handler should have run twice, ran %d times", attempts)
	}
}

func TestQueueUnknownJobTypeGoesDead(t *testing.T) {
	q, jobsStore, _ := setupQueue(t, config.QueueConfig{TickSeconds: 1, MaxJobsPerTick: 10, MaxAttempts: 3, RetryBaseSeconds: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "mystery", nil, EnqueueOptions{JobID: "mystery-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.RunPending(ctx)

	job, _ := jobsStore.GetJob(ctx, "mystery-1")
	if job.Status != store.JobDead {
		t.Fatalf("unhandled job should be dead: %+v", job)
	}
}

func TestQueueStartStop(t *testing.T) {
	q, _, _ := setupQueue(t, config.QueueConfig{TickSeconds: 1, MaxJobsPerTick: 10, MaxAttempts: 3, RetryBaseSeconds: 1, JanitorSpec: "17 * * * *"})
	q.Start()
	// Idempotent start.
	q.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.StopWithContext(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopping again is a no-op.
	if err := q.StopWithContext(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
