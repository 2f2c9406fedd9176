package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/model"
	"github.com/makereel/api/internal/service"
	ws "github.com/makereel/api/internal/websocket"
)

// singleStageOps maps single-stage operations to the agent they invoke.
var singleStageOps = map[model.Operation]model.StageName{
	model.OperationTopicAnalysis:    model.StageTopicAnalysis,
	model.OperationScriptGeneration: model.StageScriptGeneration,
}

// mediaRenderStages is the sub-stage sequence of the media-render
// composite operation. Unlike the orchestrator's quorum policy, any
// sub-stage failure fails the whole job.
var mediaRenderStages = []model.StageName{
	model.StageMediaCuration,
	model.StageAudioSynthesis,
	model.StageAssembly,
}

// PipelineWorker is the background executor behind the job tracker. It
// is the only mutator of a job record after acceptance.
type PipelineWorker struct {
	jobService   *service.JobService
	orchestrator *service.OrchestratorService
	agents       client.AgentInvoker
	hub          *ws.Hub
}

func NewPipelineWorker(jobService *service.JobService, orchestrator *service.OrchestratorService, agents client.AgentInvoker, hub *ws.Hub) *PipelineWorker {
	return &PipelineWorker{
		jobService:   jobService,
		orchestrator: orchestrator,
		agents:       agents,
		hub:          hub,
	}
}

// ProcessTask handles one dispatched job. Dispatch is at-least-once; a
// job already driven terminal by an earlier delivery is left alone.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	jobID := taskPayload.JobID
	job, err := w.jobService.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		log.Printf("[Worker] job %s already %s, skipping duplicate delivery", jobID, job.Status)
		return nil
	}

	log.Printf("[Worker] starting job %s (%s)", jobID, job.Operation)
	if err := w.jobService.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", jobID, err)
	}

	switch job.Operation {
	case model.OperationFullPipeline:
		return w.runFullPipeline(ctx, job)
	case model.OperationMediaRender:
		return w.runMediaRender(ctx, job)
	default:
		if stage, ok := singleStageOps[job.Operation]; ok {
			return w.runSingleStage(ctx, job, stage)
		}
		err := &apperr.ValidationError{Errors: []string{fmt.Sprintf("unsupported operation %q", job.Operation)}}
		w.failJob(ctx, job.ID, err)
		return err
	}
}

// runFullPipeline executes all six stages through the orchestrator,
// advancing progress as each stage attempt completes. Individual stage
// failures are the orchestrator's concern (quorum); only a failed run
// overall fails the job.
func (w *PipelineWorker) runFullPipeline(ctx context.Context, job *model.Job) error {
	req := pipelineRequestFromParams(job)
	if req.BaseTopic == "" {
		err := &apperr.ValidationError{Errors: []string{"operationParams.baseTopic is required for full-pipeline"}}
		w.failJob(ctx, job.ID, err)
		return err
	}

	w.updateProgress(ctx, job.ID, 5, "Creating project...")
	projectID, execution, err := w.orchestrator.CreateProject(ctx, req.BaseTopic)
	if err != nil {
		w.failJob(ctx, job.ID, err)
		return err
	}

	result := w.orchestrator.RunPipelineObserved(ctx, execution, req,
		func(step model.ExecutionStep, completed, total int) {
			progress := 5 + completed*90/total
			w.updateProgress(ctx, job.ID, progress, fmt.Sprintf("Stage %s done", step.StageName))
		})

	summary := map[string]interface{}{
		"projectId":     projectID,
		"executionId":   execution.ExecutionID,
		"success":       execution.Status == model.ExecutionSucceeded,
		"steps":         result.Steps,
		"workingAgents": result.WorkingAgents,
		"totalAgents":   result.TotalAgents,
	}

	if execution.Status != model.ExecutionSucceeded {
		err := &apperr.StageError{
			Stage:   "pipeline",
			Message: fmt.Sprintf("only %d/%d agents succeeded", result.WorkingAgents, result.TotalAgents),
		}
		w.failJob(ctx, job.ID, err)
		return err
	}

	return w.completeJob(ctx, job.ID, summary)
}

// runSingleStage wraps one agent call as a tracked job.
func (w *PipelineWorker) runSingleStage(ctx context.Context, job *model.Job, stage model.StageName) error {
	w.updateProgress(ctx, job.ID, 10, fmt.Sprintf("Invoking %s...", stage))

	result := w.invokeForJob(ctx, job, stage)
	if !result.Success {
		err := &apperr.StageError{Stage: string(stage), StatusCode: result.StatusCode, Message: result.Error}
		w.failJob(ctx, job.ID, err)
		return err
	}

	w.updateProgress(ctx, job.ID, 90, "Finalizing...")
	return w.completeJob(ctx, job.ID, map[string]interface{}{
		"stage":  stage,
		"output": result.Data,
	})
}

// runMediaRender executes the media composite; each sub-stage bumps
// progress, the final result aggregates all sub-stage outputs, and any
// sub-stage failure fails the job.
func (w *PipelineWorker) runMediaRender(ctx context.Context, job *model.Job) error {
	steps := make([]map[string]interface{}, 0, len(mediaRenderStages))

	for i, stage := range mediaRenderStages {
		w.updateProgress(ctx, job.ID, 10+i*30, fmt.Sprintf("Running %s...", stage))

		result := w.invokeForJob(ctx, job, stage)
		if !result.Success {
			err := &apperr.StageError{Stage: string(stage), StatusCode: result.StatusCode, Message: result.Error}
			w.failJob(ctx, job.ID, err)
			return err
		}

		steps = append(steps, map[string]interface{}{
			"stage":  stage,
			"output": result.Data,
		})
	}

	return w.completeJob(ctx, job.ID, map[string]interface{}{"steps": steps})
}

func (w *PipelineWorker) invokeForJob(ctx context.Context, job *model.Job, stage model.StageName) *model.StageResult {
	body := map[string]interface{}{"projectId": job.ProjectID}
	for k, v := range job.Params {
		body[k] = v
	}

	route := stageRouteFor(stage)
	result, err := w.agents.Invoke(ctx, stage, route.method, route.path, body)
	if err != nil {
		return &model.StageResult{Success: false, Error: err.Error()}
	}
	return result
}

type route struct {
	method string
	path   string
}

// stageRouteFor mirrors the orchestrator's agent addressing for jobs
// that bypass the full pipeline.
func stageRouteFor(stage model.StageName) route {
	switch stage {
	case model.StageTopicAnalysis:
		return route{"POST", "/analyze"}
	case model.StageScriptGeneration:
		return route{"POST", "/generate"}
	case model.StageMediaCuration:
		return route{"POST", "/curate"}
	case model.StageAudioSynthesis:
		return route{"POST", "/synthesize"}
	case model.StageAssembly:
		return route{"POST", "/assemble"}
	case model.StagePublishing:
		return route{"POST", "/publish"}
	}
	return route{"POST", "/"}
}

func pipelineRequestFromParams(job *model.Job) *model.PipelineRunRequest {
	req := &model.PipelineRunRequest{}
	if v, ok := job.Params["baseTopic"].(string); ok {
		req.BaseTopic = v
	}
	if v, ok := job.Params["targetAudience"].(string); ok {
		req.TargetAudience = v
	}
	if v, ok := job.Params["contentType"].(string); ok {
		req.ContentType = v
	}
	if v, ok := job.Params["videoDuration"].(float64); ok {
		req.VideoDuration = int(v)
	}
	if v, ok := job.Params["videoStyle"].(string); ok {
		req.VideoStyle = v
	}
	if v, ok := job.Params["scheduledBy"].(string); ok {
		req.ScheduledBy = v
	}
	return req
}

func (w *PipelineWorker) updateProgress(ctx context.Context, jobID string, progress int, step string) {
	if err := w.jobService.UpdateProgress(ctx, jobID, progress, step); err != nil {
		log.Printf("[Worker] failed to update progress for %s: %v", jobID, err)
	}
	if w.hub != nil {
		w.hub.BroadcastProgress(jobID, progress, model.JobStatusProcessing, step)
	}
}

func (w *PipelineWorker) completeJob(ctx context.Context, jobID string, result interface{}) error {
	if err := w.jobService.Complete(ctx, jobID, result); err != nil {
		log.Printf("[Worker] failed to complete job %s: %v", jobID, err)
		return err
	}
	if w.hub != nil {
		w.hub.BroadcastComplete(jobID, result)
	}
	log.Printf("[Worker] job %s completed", jobID)
	return nil
}

func (w *PipelineWorker) failJob(ctx context.Context, jobID string, cause error) {
	if err := w.jobService.Fail(ctx, jobID, cause); err != nil {
		log.Printf("[Worker] failed to mark job %s failed: %v", jobID, err)
	}
	if w.hub != nil {
		job, err := w.jobService.GetJob(ctx, jobID)
		if err == nil && job.Error != nil {
			w.hub.BroadcastError(jobID, *job.Error)
		}
	}
	log.Printf("[Worker] job %s failed: %v", jobID, cause)
}
