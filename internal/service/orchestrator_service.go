package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/model"
)

func executionKey(id string) string {
	return fmt.Sprintf("execution:%s", id)
}

// stageRoute is how each agent is addressed through the uniform
// invocation contract.
type stageRoute struct {
	method string
	path   string
}

var stageRoutes = map[model.StageName]stageRoute{
	model.StageTopicAnalysis:    {"POST", "/analyze"},
	model.StageScriptGeneration: {"POST", "/generate"},
	model.StageMediaCuration:    {"POST", "/curate"},
	model.StageAudioSynthesis:   {"POST", "/synthesize"},
	model.StageAssembly:         {"POST", "/assemble"},
	model.StagePublishing:       {"POST", "/publish"},
}

// OrchestratorService sequences the pipeline agents for a project.
// Stages run strictly in order because stage N+1 consumes context
// written by stage N; a stage failure never aborts the run, and overall
// success is decided by the configured quorum.
type OrchestratorService struct {
	kv     client.KVStore
	agents client.AgentInvoker
	cfg    config.PipelineConfig
	now    func() time.Time
}

func NewOrchestratorService(kv client.KVStore, agents client.AgentInvoker, cfg config.PipelineConfig) *OrchestratorService {
	return &OrchestratorService{
		kv:     kv,
		agents: agents,
		cfg:    cfg,
		now:    time.Now,
	}
}

// CreateProject derives a human-traceable, time-ordered project id from
// the topic and opens a RUNNING execution record for it.
func (s *OrchestratorService) CreateProject(ctx context.Context, baseTopic string) (string, *model.Execution, error) {
	now := s.now()
	projectID := fmt.Sprintf("proj-%s-%s-%s",
		now.UTC().Format("20060102-150405"),
		slug.Make(baseTopic),
		gonanoid.Must(6),
	)

	execution := &model.Execution{
		ExecutionID: uuid.New().String(),
		ProjectID:   projectID,
		BaseTopic:   baseTopic,
		Status:      model.ExecutionRunning,
		Steps:       []model.ExecutionStep{},
		StartedAt:   now,
	}

	if err := s.saveExecution(ctx, execution); err != nil {
		return "", nil, err
	}

	return projectID, execution, nil
}

// InvokeStage calls one agent through the uniform contract and returns
// a normalized result. Invocation errors, timeouts included, are folded
// into the result rather than raised.
func (s *OrchestratorService) InvokeStage(ctx context.Context, stage model.StageName, method, path string, body interface{}) *model.StageResult {
	result, err := s.agents.Invoke(ctx, stage, method, path, body)
	if err != nil {
		return &model.StageResult{Success: false, Error: err.Error()}
	}
	return result
}

// StepHook observes each completed stage attempt; the job tracker uses
// it to advance progress proportionally through a composite operation.
type StepHook func(step model.ExecutionStep, completed, total int)

// RunPipeline attempts every configured stage in order, appending one
// step entry per stage regardless of outcome, then finalizes the
// execution record: SUCCEEDED if at least MinSuccessfulSteps stages
// worked, FAILED otherwise. Failures to persist the record are logged
// and never interrupt the run.
func (s *OrchestratorService) RunPipeline(ctx context.Context, execution *model.Execution, req *model.PipelineRunRequest) *model.PipelineResult {
	return s.RunPipelineObserved(ctx, execution, req, nil)
}

// RunPipelineObserved is RunPipeline with a per-step observer.
func (s *OrchestratorService) RunPipelineObserved(ctx context.Context, execution *model.Execution, req *model.PipelineRunRequest, onStep StepHook) *model.PipelineResult {
	workingCount := 0

	for i, stage := range PipelineStageOrder() {
		route := stageRoutes[stage]
		body := s.stageBody(execution.ProjectID, req)

		result := s.InvokeStage(ctx, stage, route.method, route.path, body)

		step := model.ExecutionStep{
			Step:      i + 1,
			StageName: stage,
			Success:   result.Success,
			Timestamp: s.now(),
		}
		if !result.Success {
			step.Detail = result.Error
			log.Printf("[Orchestrator] stage %s failed for %s: %s", stage, execution.ProjectID, result.Error)
		} else {
			workingCount++
		}
		execution.Steps = append(execution.Steps, step)

		if err := s.saveExecution(ctx, execution); err != nil {
			log.Printf("[Orchestrator] failed to persist execution %s: %v", execution.ExecutionID, err)
		}

		if onStep != nil {
			onStep(step, i+1, len(PipelineStageOrder()))
		}
	}

	total := len(PipelineStageOrder())
	success := workingCount >= s.cfg.MinSuccessfulSteps

	if success {
		execution.Status = model.ExecutionSucceeded
	} else {
		execution.Status = model.ExecutionFailed
	}
	completedAt := s.now()
	execution.CompletedAt = &completedAt

	if err := s.saveExecution(ctx, execution); err != nil {
		log.Printf("[Orchestrator] failed to finalize execution %s: %v", execution.ExecutionID, err)
	}

	log.Printf("[Orchestrator] execution %s finished: %d/%d agents working, status=%s",
		execution.ExecutionID, workingCount, total, execution.Status)

	return &model.PipelineResult{
		Steps:         execution.Steps,
		WorkingAgents: workingCount,
		TotalAgents:   total,
	}
}

// Run is the orchestrator entrypoint: create the project, run all
// stages, report the quorum verdict.
func (s *OrchestratorService) Run(ctx context.Context, req *model.PipelineRunRequest) (*model.PipelineRunResponse, error) {
	projectID, execution, err := s.CreateProject(ctx, req.BaseTopic)
	if err != nil {
		return nil, err
	}

	result := s.RunPipeline(ctx, execution, req)

	return &model.PipelineRunResponse{
		Success:     execution.Status == model.ExecutionSucceeded,
		ProjectID:   projectID,
		ExecutionID: execution.ExecutionID,
		Result:      result,
	}, nil
}

// GetExecution loads one execution record.
func (s *OrchestratorService) GetExecution(ctx context.Context, executionID string) (*model.Execution, error) {
	data, err := s.kv.Get(ctx, executionKey(executionID))
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, &apperr.NotFoundError{Resource: "execution", ID: executionID}
		}
		return nil, &apperr.StorageError{Op: "load execution", Err: err}
	}

	var execution model.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, &apperr.StorageError{Op: "decode execution", Err: err}
	}
	return &execution, nil
}

// stageBody builds the shared request body every agent receives. Agents
// read upstream context from the context store themselves; the body
// only carries the project identity and the original request.
func (s *OrchestratorService) stageBody(projectID string, req *model.PipelineRunRequest) map[string]interface{} {
	body := map[string]interface{}{
		"projectId": projectID,
		"baseTopic": req.BaseTopic,
	}
	if req.TargetAudience != "" {
		body["targetAudience"] = req.TargetAudience
	}
	if req.ContentType != "" {
		body["contentType"] = req.ContentType
	}
	if req.VideoDuration > 0 {
		body["videoDuration"] = req.VideoDuration
	}
	if req.VideoStyle != "" {
		body["videoStyle"] = req.VideoStyle
	}
	if req.ScheduledBy != "" {
		body["scheduledBy"] = req.ScheduledBy
	}
	return body
}

func (s *OrchestratorService) saveExecution(ctx context.Context, execution *model.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return &apperr.StorageError{Op: "encode execution", Err: err}
	}
	retention := time.Duration(s.cfg.JobRetentionHours) * time.Hour
	if err := s.kv.Set(ctx, executionKey(execution.ExecutionID), data, retention); err != nil {
		return &apperr.StorageError{Op: "save execution", Err: err}
	}
	return nil
}

// PipelineStageOrder returns the fixed stage sequence for a full run.
func PipelineStageOrder() []model.StageName {
	return model.PipelineStages
}
