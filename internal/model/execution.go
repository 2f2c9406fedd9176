package model

import "time"

// ExecutionStatus is the lifecycle state of one full pipeline run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// StageName identifies one agent in the pipeline.
type StageName string

const (
	StageTopicAnalysis    StageName = "topic-analysis"
	StageScriptGeneration StageName = "script-generation"
	StageMediaCuration    StageName = "media-curation"
	StageAudioSynthesis   StageName = "audio-synthesis"
	StageAssembly         StageName = "assembly"
	StagePublishing       StageName = "publishing"
)

// PipelineStages is the fixed stage order for a full run. Stage N+1
// consumes context written by stage N, so the orchestrator never
// reorders or parallelizes these.
var PipelineStages = []StageName{
	StageTopicAnalysis,
	StageScriptGeneration,
	StageMediaCuration,
	StageAudioSynthesis,
	StageAssembly,
	StagePublishing,
}

// ExecutionStep is one entry of an execution's audit trail.
type ExecutionStep struct {
	Step      int       `json:"step"`
	StageName StageName `json:"stageName"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Execution is the audit record of one pipeline run across all
// configured stages. Steps are appended strictly in stage order,
// one per configured stage, regardless of individual outcomes.
type Execution struct {
	ExecutionID string          `json:"executionId"`
	ProjectID   string          `json:"projectId"`
	BaseTopic   string          `json:"baseTopic"`
	Status      ExecutionStatus `json:"status"`
	Steps       []ExecutionStep `json:"steps"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// PipelineRunRequest is the orchestrator entrypoint body.
type PipelineRunRequest struct {
	BaseTopic      string `json:"baseTopic" validate:"required,min=3"`
	TargetAudience string `json:"targetAudience,omitempty"`
	ContentType    string `json:"contentType,omitempty"`
	VideoDuration  int    `json:"videoDuration,omitempty" validate:"omitempty,gt=0"`
	VideoStyle     string `json:"videoStyle,omitempty"`
	ScheduledBy    string `json:"scheduledBy,omitempty"`
}

// PipelineResult summarizes a finished run.
type PipelineResult struct {
	Steps         []ExecutionStep `json:"steps"`
	WorkingAgents int             `json:"workingAgents"`
	TotalAgents   int             `json:"totalAgents"`
}

// PipelineRunResponse is the orchestrator entrypoint response.
type PipelineRunResponse struct {
	Success     bool            `json:"success"`
	ProjectID   string          `json:"projectId"`
	ExecutionID string          `json:"executionId"`
	Result      *PipelineResult `json:"result"`
}

// StageResult is the normalized outcome of one agent invocation.
// Success requires both the transport call and the agent's own embedded
// status to have succeeded.
type StageResult struct {
	Success    bool                   `json:"success"`
	StatusCode int                    `json:"statusCode"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
}
