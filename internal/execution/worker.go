package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type GenerateArgs struct {
	JobID  uuid.UUID `json:"job_id"`
	UserID uuid.UUID `json:"user_id"`
	ToolID string    `json:"tool_id"`
	Prompt string    `json:"prompt"`
}

func (GenerateArgs) Kind() string { return "generate" }

// JobService defines the contract the worker needs to report progress.
// Failure reporting triggers the refund, so the worker never touches the
// ledger directly.
type JobService interface {
	MarkProcessing(ctx context.Context, jobID uuid.UUID) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	jobService  JobService
	endpointURL string
	httpClient  *http.Client
}

// NewGenerateWorker creates the worker that delivers prompts to the external
// generation endpoint. Generation can run for minutes; jobs abandoned past
// the stale TTL are refunded by the sweeper regardless of what happens here.
func NewGenerateWorker(js JobService, endpointURL string) *GenerateWorker {
	return &GenerateWorker{
		jobService:  js,
		endpointURL: endpointURL,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type generateRequest struct {
	JobID  uuid.UUID `json:"job_id"`
	ToolID string    `json:"tool_id"`
	Prompt string    `json:"prompt"`
}

type generateResponse struct {
	ResultURL string `json:"result_url"`
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args

	if err := w.jobService.MarkProcessing(ctx, args.JobID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	body, err := json.Marshal(generateRequest{JobID: args.JobID, ToolID: args.ToolID, Prompt: args.Prompt})
	if err != nil {
		return w.failJob(ctx, args.JobID, fmt.Sprintf("encode request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpointURL, bytes.NewReader(body))
	if err != nil {
		return w.failJob(ctx, args.JobID, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.failJob(ctx, args.JobID, fmt.Sprintf("generation endpoint unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return w.failJob(ctx, args.JobID, fmt.Sprintf("generation endpoint returned status %d", resp.StatusCode))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ResultURL == "" {
		return w.failJob(ctx, args.JobID, "generation endpoint returned invalid result")
	}

	if err := w.jobService.MarkCompleted(ctx, args.JobID, out.ResultURL); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// failJob marks the job failed (which refunds its cost) and absorbs the
// delivery error so River does not retry a job the ledger already settled.
func (w *GenerateWorker) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	if err := w.jobService.MarkFailed(ctx, jobID, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to mark job failed: %w", reason, err)
	}
	return nil
}
