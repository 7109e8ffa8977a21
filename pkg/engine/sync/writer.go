package sync

import (
	"context"
	"log/slog"

	"github.com/stratoform/cartograph/pkg/model"
)

// writerQueueSize bounds how many mutation jobs may be outstanding before
// submitters block.
const writerQueueSize = 64

// writerJob is one unit of serialized graph mutation. The writer runs jobs
// one at a time in submission order; err carries the job's outcome back to
// the submitter.
type writerJob struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{}
	err  error
}

// startWriter launches the single mutation goroutine. All graph writes in
// the process funnel through it, which is what makes concurrent cycles and
// snapshot operations safe without fine-grained locking.
func (e *Engine) startWriter() {
	e.jobs = make(chan *writerJob, writerQueueSize)
	e.writerDone = make(chan struct{})
	go func() {
		defer close(e.writerDone)
		for job := range e.jobs {
			// Jobs already handed off must drain even if the submitting
			// cycle was cancelled, so the writer runs them on a context
			// detached from any caller.
			job.err = job.run(context.WithoutCancel(context.Background()))
			if job.err != nil {
				slog.Error("Writer job failed", "job", job.name, "error", job.err)
			}
			close(job.done)
		}
	}()
}

// submit hands a job to the writer and waits for it to finish. If ctx ends
// before the hand-off the job never runs and the context error is returned;
// once handed off the job always completes.
func (e *Engine) submit(ctx context.Context, name string, run func(ctx context.Context) error) error {
	job := &writerJob{name: name, run: run, done: make(chan struct{})}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return model.WrapError(model.KindCancelled, "submit-cancelled", ctx.Err(), "mutation not submitted")
	case <-e.writerDone:
		return model.NewError(model.KindPermanent, "writer-closed", "engine is closed")
	}
	<-job.done
	return job.err
}

// Exclusive runs fn with the same serialization guarantee as a sync plan: no
// other graph mutation runs while fn does. Snapshot capture and pruning use
// this to see a frozen graph.
func (e *Engine) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.submit(ctx, "exclusive", fn)
}

// closeWriter stops accepting jobs and waits for queued ones to drain.
func (e *Engine) closeWriter() {
	close(e.jobs)
	<-e.writerDone
}
