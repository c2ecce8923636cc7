package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"talqs/internal/util"
)

// MemoryJobQueue runs jobs in-process. Used when Redis is not configured.
type MemoryJobQueue struct {
	mu         sync.RWMutex
	jobs       map[string]JobStatus
	pending    chan string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

func NewMemoryJobQueue(buffer, maxRetries int, retryDelay time.Duration) *MemoryJobQueue {
	if buffer <= 0 {
		buffer = 128
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &MemoryJobQueue{
		jobs:       make(map[string]JobStatus),
		pending:    make(chan string, buffer),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		now:        time.Now,
	}
}

func (q *MemoryJobQueue) Enqueue(ctx context.Context, userID, fingerprint string) (JobStatus, error) {
	userID = strings.TrimSpace(userID)
	fingerprint = strings.TrimSpace(fingerprint)
	if userID == "" || fingerprint == "" {
		return JobStatus{}, errJobFields
	}
	now := q.now().UTC()
	job := JobStatus{
		ID:          util.NewID(),
		UserID:      userID,
		Fingerprint: fingerprint,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	select {
	case q.pending <- job.ID:
		return job, nil
	case <-ctx.Done():
		return JobStatus{}, ctx.Err()
	}
}

func (q *MemoryJobQueue) GetJob(_ context.Context, jobID string) (JobStatus, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	return job, ok, nil
}

func (q *MemoryJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.pending:
					q.run(ctx, id, handler)
				}
			}
		}()
	}
}

func (q *MemoryJobQueue) run(ctx context.Context, id string, handler Handler) {
	for {
		job := q.update(id, func(j *JobStatus) {
			j.Attempts++
			j.Status = StatusProcessing
		})
		err := handler(ctx, job)
		if err == nil {
			q.update(id, func(j *JobStatus) {
				j.Status = StatusDone
				j.ErrorMessage = ""
			})
			return
		}
		if job.Attempts >= q.maxRetries {
			util.LoggerFromContext(ctx).Error("job failed", "job_id", id, "attempts", job.Attempts, "err", err)
			q.update(id, func(j *JobStatus) {
				j.Status = StatusFailed
				j.ErrorMessage = err.Error()
			})
			return
		}
		q.update(id, func(j *JobStatus) {
			j.Status = StatusQueued
			j.ErrorMessage = err.Error()
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
}

func (q *MemoryJobQueue) update(id string, fn func(*JobStatus)) JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.jobs[id]
	fn(&job)
	job.UpdatedAt = q.now().UTC()
	q.jobs[id] = job
	return job
}
