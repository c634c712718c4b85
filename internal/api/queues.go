package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// registerQueueRoutes wires up the operator-facing queue endpoints.
//
//	GET  /queues/{queue}         — backlog counts, throughput, pause state
//	GET  /queues/{queue}/failed  — terminally failed jobs for inspection
//	POST /queues/{queue}/pause   — stop handing out claims
//	POST /queues/{queue}/resume  — resume claims
func registerQueueRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "get-queue-stats",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}",
		Summary:     "Get queue statistics",
		Tags:        []string{"Queues"},
	}, getQueueStatsHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "list-failed-jobs",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}/failed",
		Summary:     "List failed jobs",
		Description: "Terminally failed jobs for a queue, newest first, optionally bounded by failure time.",
		Tags:        []string{"Queues"},
	}, listFailedJobsHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "pause-queue",
		Method:      http.MethodPost,
		Path:        "/queues/{queue}/pause",
		Summary:     "Pause a queue",
		Description: "Stops workers from claiming new jobs. In-flight jobs run to completion.",
		Tags:        []string{"Queues"},
	}, setPausedHandler(srv, true))

	huma.Register(api, huma.Operation{
		OperationID: "resume-queue",
		Method:      http.MethodPost,
		Path:        "/queues/{queue}/resume",
		Summary:     "Resume a paused queue",
		Tags:        []string{"Queues"},
	}, setPausedHandler(srv, false))
}

// QueueInput identifies a queue.
type QueueInput struct {
	Queue string `path:"queue" doc:"Queue name: documents, payouts, or payment-confirmations"`
}

// QueueStatsBody is the operator view of one queue.
type QueueStatsBody struct {
	Queue                string  `json:"queue"`
	Waiting              int     `json:"waiting"`
	Active               int     `json:"active"`
	Delayed              int     `json:"delayed"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Paused               bool    `json:"paused"`
	ProcessingRate       float64 `json:"processing_rate_per_minute"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
	MaxAttempts          int     `json:"max_attempts"`
	Concurrency          int     `json:"concurrency"`
}

// QueueStatsOutput wraps QueueStatsBody.
type QueueStatsOutput struct {
	Body *QueueStatsBody
}

func getQueueStatsHandler(srv *Server) func(context.Context, *QueueInput) (*QueueStatsOutput, error) {
	return func(ctx context.Context, input *QueueInput) (*QueueStatsOutput, error) {
		cfg, ok := srv.queueConfig(input.Queue)
		if !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("unknown queue %q", input.Queue))
		}
		stats, err := srv.store.GetQueueStats(ctx, input.Queue)
		if err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		return &QueueStatsOutput{Body: &QueueStatsBody{
			Queue:                input.Queue,
			Waiting:              stats.Waiting,
			Active:               stats.Active,
			Delayed:              stats.Delayed,
			Completed:            stats.Completed,
			Failed:               stats.Failed,
			Paused:               stats.Paused,
			ProcessingRate:       stats.ProcessingRate,
			EstimatedWaitMinutes: stats.EstimatedWaitMinutes(),
			MaxAttempts:          cfg.MaxAttempts,
			Concurrency:          cfg.Concurrency,
		}}, nil
	}
}

// ── GET /queues/{queue}/failed ───────────────────────────────────────────────

// ListFailedInput filters the failed-job listing.
type ListFailedInput struct {
	Queue string `path:"queue"`
	Start string `query:"start" doc:"Only jobs failed at or after this RFC 3339 time"`
	End   string `query:"end" doc:"Only jobs failed at or before this RFC 3339 time"`
	Limit int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}

// ListFailedOutput is the failed-job listing.
type ListFailedOutput struct {
	Body struct {
		Items []JobBody `json:"items"`
	}
}

func listFailedJobsHandler(srv *Server) func(context.Context, *ListFailedInput) (*ListFailedOutput, error) {
	return func(ctx context.Context, input *ListFailedInput) (*ListFailedOutput, error) {
		if _, ok := srv.queueConfig(input.Queue); !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("unknown queue %q", input.Queue))
		}

		var start, end time.Time
		var err error
		if input.Start != "" {
			if start, err = time.Parse(time.RFC3339, input.Start); err != nil {
				return nil, huma.Error400BadRequest("invalid start; use RFC 3339", err)
			}
		}
		if input.End != "" {
			if end, err = time.Parse(time.RFC3339, input.End); err != nil {
				return nil, huma.Error400BadRequest("invalid end; use RFC 3339", err)
			}
		}

		jobs, err := srv.store.ListFailedJobs(ctx, input.Queue, start, end, input.Limit)
		if err != nil {
			return nil, fmt.Errorf("list failed jobs: %w", err)
		}
		out := &ListFailedOutput{}
		out.Body.Items = make([]JobBody, 0, len(jobs))
		for i := range jobs {
			out.Body.Items = append(out.Body.Items, *jobToBody(&jobs[i]))
		}
		return out, nil
	}
}

// ── POST /queues/{queue}/pause, /resume ──────────────────────────────────────

// PauseOutput acknowledges a pause state change.
type PauseOutput struct {
	Body struct {
		Queue  string `json:"queue"`
		Paused bool   `json:"paused"`
	}
}

func setPausedHandler(srv *Server, paused bool) func(context.Context, *QueueInput) (*PauseOutput, error) {
	return func(ctx context.Context, input *QueueInput) (*PauseOutput, error) {
		if _, ok := srv.queueConfig(input.Queue); !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("unknown queue %q", input.Queue))
		}
		var err error
		if paused {
			err = srv.store.PauseQueue(ctx, input.Queue)
		} else {
			err = srv.store.ResumeQueue(ctx, input.Queue)
		}
		if err != nil {
			return nil, fmt.Errorf("set queue paused: %w", err)
		}
		srv.log.Info("queue pause state changed", "queue", input.Queue, "paused", paused)

		out := &PauseOutput{}
		out.Body.Queue = input.Queue
		out.Body.Paused = paused
		return out, nil
	}
}
