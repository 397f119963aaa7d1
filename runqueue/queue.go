// Package runqueue manages a queue of coverage processing jobs and
// runs them on a pool of workers.
package runqueue

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psturc/coverage-processor/history"
	"github.com/psturc/coverage-processor/metrics"
	"github.com/psturc/coverage-processor/pipeline"
)

// Job represents a request to process one coverage artifact.
type Job struct {
	RunID     string
	Reference string // OCI reference of the coverage artifact image
}

// Runner executes a single pipeline run. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, reference string, workDir string) (*pipeline.Result, error)
}

// Queue buffers processing jobs and hands them to worker goroutines.
type Queue struct {
	jobs        chan Job
	runner      Runner
	db          *history.DB
	metrics     *metrics.Metrics
	scratchRoot string
	jobTimeout  time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a queue and starts the requested number of workers. Each
// job is bounded by jobTimeout of wall-clock time.
func New(runner Runner, db *history.DB, m *metrics.Metrics, scratchRoot string, workers int, jobTimeout time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	queue := &Queue{
		jobs:        make(chan Job, 100), // Buffer up to 100 jobs
		runner:      runner,
		db:          db,
		metrics:     m,
		scratchRoot: scratchRoot,
		jobTimeout:  jobTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker(i)
	}

	log.Printf("Coverage job queue initialized with %d workers", workers)
	return queue
}

// Enqueue adds a processing job to the queue and returns the run ID.
// Returns immediately without blocking; when the queue is full the job
// is dropped and an error is returned. The run is recorded as queued in
// the history before the ID is handed out, so it is visible to lookups
// even if it never reaches a worker.
func (q *Queue) Enqueue(reference string) (string, error) {
	job := Job{
		RunID:     uuid.NewString(),
		Reference: reference,
	}

	if q.ctx.Err() != nil {
		log.Println("Queue shutting down, cannot enqueue job")
		return "", errors.New("queue is shutting down")
	}

	// Record before the channel send: a worker may pick the job up
	// immediately and must find the row already there.
	if err := q.db.RecordEnqueued(job.RunID, job.Reference, time.Now()); err != nil {
		log.Printf("Error recording enqueue for %s: %v", job.RunID, err)
		return "", err
	}

	select {
	case q.jobs <- job:
		log.Printf("Enqueued coverage job: run=%s artifact=%s", job.RunID, job.Reference)
		q.metrics.QueueDepthAdd(q.ctx, 1)
		return job.RunID, nil
	case <-q.ctx.Done():
		q.discardRun(job.RunID)
		log.Println("Queue shutting down, cannot enqueue job")
		return "", errors.New("queue is shutting down")
	default:
		q.discardRun(job.RunID)
		log.Printf("Warning: job queue is full, dropping coverage job for %s", job.Reference)
		return "", errors.New("job queue is full")
	}
}

// discardRun removes the queued row for a job that was refused. The
// caller gets an error instead of the ID, so the row must not linger.
func (q *Queue) discardRun(runID string) {
	if err := q.db.DeleteRun(runID); err != nil {
		log.Printf("Error discarding refused run %s: %v", runID, err)
	}
}

// worker processes jobs from the queue until the queue shuts down.
func (q *Queue) worker(id int) {
	defer q.wg.Done()

	log.Printf("Coverage worker %d started", id)

	for {
		select {
		case job := <-q.jobs:
			q.metrics.QueueDepthAdd(q.ctx, -1)
			q.processJob(job)
		case <-q.ctx.Done():
			log.Printf("Coverage worker %d shutting down", id)
			return
		}
	}
}

// processJob runs the pipeline for a single artifact and records the
// outcome in the run history.
func (q *Queue) processJob(job Job) {
	startedAt := time.Now()
	log.Printf("Processing coverage job: run=%s artifact=%s", job.RunID, job.Reference)

	if err := q.db.MarkStarted(job.RunID, startedAt); err != nil {
		log.Printf("Error recording run start for %s: %v", job.RunID, err)
		return
	}
	q.metrics.RunStarted(q.ctx)

	workDir := filepath.Join(q.scratchRoot, job.RunID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Printf("Error creating scratch directory for run %s: %v", job.RunID, err)
		q.recordFailure(job, "", err, startedAt)
		return
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Printf("Error cleaning up scratch directory for run %s: %v", job.RunID, err)
		}
	}()

	ctx, cancel := context.WithTimeout(q.ctx, q.jobTimeout)
	defer cancel()

	result, err := q.runner.Run(ctx, job.Reference, workDir)
	if err != nil {
		log.Printf("Coverage run %s failed: %v", job.RunID, err)
		q.recordFailure(job, failedStep(err), err, startedAt)
		return
	}

	finishedAt := time.Now()
	success := history.Success{
		Image:             result.Image,
		TestName:          result.TestName,
		RepositoryURL:     result.Source.RepositoryURL,
		CommitSHA:         result.Source.CommitSHA,
		UnresolvablePaths: len(result.Unresolvable),
	}
	if err := q.db.RecordSuccess(job.RunID, success, finishedAt); err != nil {
		log.Printf("Error recording run success for %s: %v", job.RunID, err)
	}
	q.metrics.RunSucceeded(q.ctx, finishedAt.Sub(startedAt))

	log.Printf("Coverage run %s completed: image=%s commit=%s files=%d unresolvable=%d",
		job.RunID, result.Image, result.Source.CommitSHA, result.Files, len(result.Unresolvable))
}

// recordFailure marks a run as failed in the history database.
func (q *Queue) recordFailure(job Job, step string, err error, startedAt time.Time) {
	finishedAt := time.Now()
	if dbErr := q.db.RecordFailure(job.RunID, step, err.Error(), finishedAt); dbErr != nil {
		log.Printf("Error recording run failure for %s: %v", job.RunID, dbErr)
	}
	q.metrics.RunFailed(q.ctx, step, finishedAt.Sub(startedAt))
}

// failedStep extracts the pipeline step name from a run error.
func failedStep(err error) string {
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		return string(stepErr.Step)
	}
	return ""
}

// Shutdown gracefully shuts down the queue, waiting for in-flight jobs
// to complete. Jobs still buffered when the workers stop are marked
// failed so their run IDs do not stay queued forever.
func (q *Queue) Shutdown() {
	log.Println("Shutting down coverage job queue...")
	q.cancel()
	q.wg.Wait()

	for {
		select {
		case job := <-q.jobs:
			log.Printf("Discarding queued coverage job at shutdown: run=%s artifact=%s", job.RunID, job.Reference)
			if err := q.db.RecordFailure(job.RunID, "", "service shut down before the run started", time.Now()); err != nil {
				log.Printf("Error recording shutdown failure for %s: %v", job.RunID, err)
			}
		default:
			log.Println("Coverage job queue shut down")
			return
		}
	}
}
