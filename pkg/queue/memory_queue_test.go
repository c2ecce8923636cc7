package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, q JobQueue, id, status string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, status)
	return JobStatus{}
}

func TestMemoryJobQueueRetriesThenSucceeds(t *testing.T) {
	q := NewMemoryJobQueue(4, 3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	q.Start(ctx, 1, func(context.Context, JobStatus) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	job, err := q.Enqueue(ctx, "u", "fp")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForStatus(t, q, job.ID, StatusDone)
	if done.Attempts != 2 || done.ErrorMessage != "" {
		t.Fatalf("unexpected job: %+v", done)
	}
}

func TestMemoryJobQueueMarksFailed(t *testing.T) {
	q := NewMemoryJobQueue(4, 2, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 1, func(context.Context, JobStatus) error { return errors.New("boom") })

	job, err := q.Enqueue(ctx, "u", "fp")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 2 || failed.ErrorMessage != "boom" {
		t.Fatalf("unexpected job: %+v", failed)
	}
}
