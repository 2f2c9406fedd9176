package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/model"
)

// TaskTypePipelineJob is the asynq task type for all tracked operations.
const TaskTypePipelineJob = "pipeline:job"

// TaskEnqueuer is the slice of asynq.Client the tracker needs. The
// dispatch is fire-and-forget with at-least-once delivery and no
// idempotency key; duplicate submissions create duplicate jobs.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// estimatedDurations is a coarse per-operation runtime hint in seconds,
// returned at acceptance so pollers can pace themselves.
var estimatedDurations = map[model.Operation]int{
	model.OperationFullPipeline:     300,
	model.OperationTopicAnalysis:    60,
	model.OperationScriptGeneration: 90,
	model.OperationMediaRender:      180,
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

// JobService decouples request acceptance from execution: Accept
// persists a job record and hands the work to the background worker,
// returning immediately; callers observe progress via GetStatus.
type JobService struct {
	kv       client.KVStore
	enqueuer TaskEnqueuer
	cfg      config.PipelineConfig
	now      func() time.Time
}

func NewJobService(kv client.KVStore, enqueuer TaskEnqueuer, cfg config.PipelineConfig) *JobService {
	return &JobService{
		kv:       kv,
		enqueuer: enqueuer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Accept persists a queued job record and dispatches it for background
// execution. It returns before the operation does any work; its whole
// point is a sub-second response regardless of operation duration.
func (s *JobService) Accept(ctx context.Context, req *model.JobAcceptRequest) (*model.JobAcceptResponse, error) {
	if !model.IsValidOperation(req.Operation) {
		return nil, &apperr.ValidationError{
			Errors: []string{fmt.Sprintf("unknown operation %q", req.Operation)},
		}
	}

	jobID := uuid.New().String()
	now := s.now()

	job := &model.Job{
		ID:                jobID,
		ProjectID:         req.ProjectID,
		Operation:         req.Operation,
		Params:            req.Params,
		Status:            model.JobStatusQueued,
		Progress:          0,
		CreatedAt:         now,
		UpdatedAt:         now,
		EstimatedDuration: estimatedDurations[req.Operation],
	}

	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}

	task, err := newJobTask(jobID)
	if err != nil {
		return nil, &apperr.StorageError{Op: "create task", Err: err}
	}

	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue("pipeline"),
		asynq.MaxRetry(0), // a failed job stays failed; retries are a caller concern
		asynq.Retention(time.Duration(s.cfg.JobRetentionHours)*time.Hour),
		asynq.Timeout(30*time.Minute),
	)
	if err != nil {
		return nil, &apperr.StorageError{Op: "enqueue task", Err: err}
	}

	return &model.JobAcceptResponse{
		JobID:             jobID,
		Status:            model.JobStatusQueued,
		StatusURL:         fmt.Sprintf("/api/jobs/%s", jobID),
		EstimatedDuration: job.EstimatedDuration,
		CreatedAt:         now,
	}, nil
}

// GetStatus returns the client-safe projection of a job record.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.JobStatusResponse{
		JobID:             job.ID,
		ProjectID:         job.ProjectID,
		Operation:         job.Operation,
		Status:            job.Status,
		Progress:          job.Progress,
		CurrentStep:       job.CurrentStep,
		Error:             job.Error,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		EstimatedDuration: job.EstimatedDuration,
	}

	if job.Status == model.JobStatusCompleted && len(job.Result) > 0 {
		var result interface{}
		if err := json.Unmarshal(job.Result, &result); err != nil {
			return nil, &apperr.StorageError{Op: "decode result", Err: err}
		}
		resp.Result = result
	}

	return resp, nil
}

// GetJob returns the raw job record (worker-side use).
func (s *JobService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, jobID)
}

// MarkProcessing transitions a queued job to processing. Called by the
// background executor, never by the accepting path.
func (s *JobService) MarkProcessing(ctx context.Context, jobID string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(model.JobStatusProcessing) {
		return fmt.Errorf("job %s cannot move from %s to processing", jobID, job.Status)
	}
	job.Status = model.JobStatusProcessing
	job.UpdatedAt = s.now()
	return s.saveJob(ctx, job)
}

// UpdateProgress bumps progress at a coarse milestone. Progress never
// decreases within an execution and terminal jobs are immutable.
func (s *JobService) UpdateProgress(ctx context.Context, jobID string, progress int, step string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	if progress > job.Progress {
		job.Progress = progress
	}
	job.CurrentStep = step
	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusProcessing
	}
	job.UpdatedAt = s.now()
	return s.saveJob(ctx, job)
}

// Complete marks a job terminal-success with its result.
func (s *JobService) Complete(ctx context.Context, jobID string, result interface{}) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return &apperr.StorageError{Op: "encode result", Err: err}
	}

	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.CurrentStep = ""
	job.Result = resultBytes
	job.UpdatedAt = s.now()
	return s.saveJob(ctx, job)
}

// Fail marks a job terminal-failure with a structured error.
func (s *JobService) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	job.Status = model.JobStatusFailed
	job.Error = &model.JobError{
		Message:   cause.Error(),
		Kind:      apperr.Kind(cause),
		Timestamp: s.now(),
	}
	job.UpdatedAt = s.now()
	return s.saveJob(ctx, job)
}

// Helper methods

func (s *JobService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(struct {
		*model.Job
		Result []byte `json:"result,omitempty"`
	}{Job: job, Result: job.Result})
	if err != nil {
		return &apperr.StorageError{Op: "encode job", Err: err}
	}
	retention := time.Duration(s.cfg.JobRetentionHours) * time.Hour
	if err := s.kv.Set(ctx, jobKey(job.ID), data, retention); err != nil {
		return &apperr.StorageError{Op: "save job", Err: err}
	}
	return nil
}

func (s *JobService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.kv.Get(ctx, jobKey(jobID))
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, &apperr.NotFoundError{Resource: "job", ID: jobID}
		}
		return nil, &apperr.StorageError{Op: "load job", Err: err}
	}

	var stored struct {
		model.Job
		Result []byte `json:"result,omitempty"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, &apperr.StorageError{Op: "decode job", Err: err}
	}
	job := stored.Job
	job.Result = stored.Result
	return &job, nil
}

func newJobTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(map[string]string{"jobId": jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePipelineJob, payload), nil
}
