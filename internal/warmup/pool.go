// Package warmup brings the session pool up to speed at startup by
// restoring persisted cookie sets for many accounts concurrently.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kworkgate/pkg/logger"
	"kworkgate/pkg/session"
)

// Job is one account to warm up
type Job struct {
	AccountID string
}

// Outcome says how an account ended up after warm-up
type Outcome string

const (
	OutcomeRestored Outcome = "restored"
	OutcomeLoggedIn Outcome = "logged_in"
	OutcomeMissing  Outcome = "missing"
	OutcomeFailed   Outcome = "failed"
)

// Result is the result of one job
type Result struct {
	Job      Job
	Outcome  Outcome
	Error    error
	Duration time.Duration
}

// Sessions is what the workers drive; *pool.Manager implements it
type Sessions interface {
	Restore(ctx context.Context, accountID string) (bool, error)
	Login(ctx context.Context, accountID string, force bool) (session.Session, error)
}

// WorkerPool restores sessions with a fixed number of workers
type WorkerPool struct {
	numWorkers  int
	login       bool
	jobQueue    chan Job
	resultQueue chan Result
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	sessions    Sessions
	logger      logger.Logger
}

// Option configures a WorkerPool
type Option func(*WorkerPool)

// WithLogin makes workers log in when nothing usable is persisted
func WithLogin(enabled bool) Option {
	return func(wp *WorkerPool) { wp.login = enabled }
}

func WithLogger(l logger.Logger) Option {
	return func(wp *WorkerPool) { wp.logger = l }
}

// NewWorkerPool creates a pool bound to ctx; cancelling ctx stops the workers
func NewWorkerPool(ctx context.Context, numWorkers int, sessions Sessions, opts ...Option) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	wp := &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan Job, numWorkers*2),
		resultQueue: make(chan Result, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    sessions,
	}
	for _, opt := range opts {
		opt(wp)
	}
	wp.logger = logger.ForComponent(wp.logger, "warmup")
	return wp
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.InfoWithFields("Starting warm-up workers", map[string]interface{}{
		"num_workers": wp.numWorkers,
		"login":       wp.login,
	})
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the queue, waits for queued jobs and closes Results
func (wp *WorkerPool) Stop() {
	close(wp.jobQueue)
	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()
}

// Submit queues a job
func (wp *WorkerPool) Submit(job Job) error {
	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("warm-up is shutting down")
	}
}

// Results returns the result channel
func (wp *WorkerPool) Results() <-chan Result {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		result := wp.process(job)
		select {
		case wp.resultQueue <- result:
		case <-wp.ctx.Done():
			// drain so Stop does not block on a full queue
			for range wp.jobQueue {
			}
			return
		}
	}
}

func (wp *WorkerPool) process(job Job) Result {
	start := time.Now()
	result := Result{Job: job}
	log := wp.logger.WithField("account_id", job.AccountID)

	if err := wp.ctx.Err(); err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err
		return result
	}

	ok, err := wp.sessions.Restore(wp.ctx, job.AccountID)
	switch {
	case err != nil:
		result.Outcome = OutcomeFailed
		result.Error = fmt.Errorf("restore failed: %w", err)
	case ok:
		result.Outcome = OutcomeRestored
	case wp.login:
		if _, err := wp.sessions.Login(wp.ctx, job.AccountID, false); err != nil {
			result.Outcome = OutcomeFailed
			result.Error = fmt.Errorf("login failed: %w", err)
		} else {
			result.Outcome = OutcomeLoggedIn
		}
	default:
		result.Outcome = OutcomeMissing
	}
	result.Duration = time.Since(start)

	if result.Error != nil {
		log.WithError(result.Error).Warn("Warm-up failed")
	} else {
		log.DebugWithFields("Warm-up done", map[string]interface{}{
			"outcome":  result.Outcome,
			"duration": result.Duration,
		})
	}
	return result
}

// Summary counts outcomes of a Run
type Summary struct {
	Restored int
	LoggedIn int
	Missing  int
	Failed   map[string]error
}

// Err joins the failures, nil when there were none
func (s Summary) Err() error {
	errList := make([]error, 0, len(s.Failed))
	for id, err := range s.Failed {
		errList = append(errList, fmt.Errorf("%s: %w", id, err))
	}
	return errors.Join(errList...)
}

// Run warms up accountIDs with numWorkers workers and waits for all of them
func Run(ctx context.Context, sessions Sessions, accountIDs []string, numWorkers int, opts ...Option) Summary {
	wp := NewWorkerPool(ctx, numWorkers, sessions, opts...)
	wp.Start()

	go func() {
		defer wp.Stop()
		for _, id := range accountIDs {
			if err := wp.Submit(Job{AccountID: id}); err != nil {
				return
			}
		}
	}()

	summary := Summary{Failed: make(map[string]error)}
	for r := range wp.Results() {
		switch r.Outcome {
		case OutcomeRestored:
			summary.Restored++
		case OutcomeLoggedIn:
			summary.LoggedIn++
		case OutcomeMissing:
			summary.Missing++
		default:
			summary.Failed[r.Job.AccountID] = r.Error
		}
	}
	wp.logger.InfoWithFields("Warm-up finished", map[string]interface{}{
		"restored":  summary.Restored,
		"logged_in": summary.LoggedIn,
		"missing":   summary.Missing,
		"failed":    len(summary.Failed),
	})
	return summary
}
