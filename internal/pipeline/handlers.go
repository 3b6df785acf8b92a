package pipeline

import (
	"context"
	"fmt"

	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/queue"
)

// Handlers returns the queue handler bindings for every pipeline stage.
// Payload decode failures are terminal: retrying a malformed payload can
// never succeed, so the job is completed and the problem logged.
func (p *Pipeline) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.Transcribe: func(ctx context.Context, job *models.Job) error {
			var pl TranscribePayload
			if err := queue.Unmarshal(job, &pl); err != nil {
				fmt.Fprintf(p.out, "pipeline: transcribe: drop malformed job %s: %v\n", job.ID, err)
				return nil
			}
			return p.report(queue.Transcribe, job.ID)(p.Transcribe(ctx, pl))
		},
		queue.Categorize: func(ctx context.Context, job *models.Job) error {
			var pl CategorizePayload
			if err := queue.Unmarshal(job, &pl); err != nil {
				fmt.Fprintf(p.out, "pipeline: categorize: drop malformed job %s: %v\n", job.ID, err)
				return nil
			}
			return p.report(queue.Categorize, job.ID)(p.Categorize(ctx, pl))
		},
		queue.Tasks: func(ctx context.Context, job *models.Job) error {
			var pl TasksPayload
			if err := queue.Unmarshal(job, &pl); err != nil {
				fmt.Fprintf(p.out, "pipeline: tasks: drop malformed job %s: %v\n", job.ID, err)
				return nil
			}
			return p.report(queue.Tasks, job.ID)(p.CreateTasks(ctx, pl))
		},
		queue.Notify: func(ctx context.Context, job *models.Job) error {
			var pl NotifyPayload
			if err := queue.Unmarshal(job, &pl); err != nil {
				fmt.Fprintf(p.out, "pipeline: notify: drop malformed job %s: %v\n", job.ID, err)
				return nil
			}
			return p.report(queue.Notify, job.ID)(p.Notify(ctx, pl))
		},
		queue.Review: func(ctx context.Context, job *models.Job) error {
			var pl ReviewPayload
			if err := queue.Unmarshal(job, &pl); err != nil {
				fmt.Fprintf(p.out, "pipeline: review: drop malformed job %s: %v\n", job.ID, err)
				return nil
			}
			return p.report(queue.Review, job.ID)(p.Review(ctx, pl))
		},
	}
}

// report logs a stage result and passes the error through to the worker.
func (p *Pipeline) report(stage, jobID string) func(Result, error) error {
	return func(res Result, err error) error {
		if err != nil {
			return err
		}
		if res.Code != CodeOK {
			fmt.Fprintf(p.out, "pipeline: %s: job %s: %s (%s)\n", stage, jobID, res.Code, res.Reason)
		}
		return nil
	}
}
