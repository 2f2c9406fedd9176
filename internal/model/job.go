package model

import "time"

// JobStatus is the lifecycle state of a tracked job.
// Transitions are one-directional: queued → processing → completed|failed.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// rank orders statuses for monotonicity checks.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return !s.Terminal() && next.rank() > s.rank()
}

// Operation is a supported long-running operation kind.
type Operation string

const (
	OperationFullPipeline     Operation = "full-pipeline"
	OperationTopicAnalysis    Operation = "topic-analysis"
	OperationScriptGeneration Operation = "script-generation"
	OperationMediaRender      Operation = "media-render"
)

var ValidOperations = []Operation{
	OperationFullPipeline, OperationTopicAnalysis,
	OperationScriptGeneration, OperationMediaRender,
}

// IsValidOperation reports whether op is a known operation kind.
func IsValidOperation(op Operation) bool {
	for _, v := range ValidOperations {
		if v == op {
			return true
		}
	}
	return false
}

// JobError is the structured failure detail of a failed job.
type JobError struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the persisted record of one asynchronously-executed operation.
type Job struct {
	ID                string                 `json:"jobId"`
	ProjectID         string                 `json:"projectId,omitempty"`
	Operation         Operation              `json:"operation"`
	Params            map[string]interface{} `json:"operationParams,omitempty"`
	Status            JobStatus              `json:"status"`
	Progress          int                    `json:"progress"`
	CurrentStep       string                 `json:"currentStep,omitempty"`
	Result            []byte                 `json:"-"`
	Error             *JobError              `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	EstimatedDuration int                    `json:"estimatedDuration"` // seconds
}

// JobAcceptRequest is the body for POST /api/jobs.
type JobAcceptRequest struct {
	Operation Operation              `json:"operation" validate:"required"`
	ProjectID string                 `json:"projectId,omitempty"`
	Params    map[string]interface{} `json:"operationParams,omitempty"`
}

// JobAcceptResponse is returned immediately on acceptance, before the
// operation has done any work.
type JobAcceptResponse struct {
	JobID             string    `json:"jobId"`
	Status            JobStatus `json:"status"`
	StatusURL         string    `json:"statusUrl"`
	EstimatedDuration int       `json:"estimatedDuration"`
	CreatedAt         time.Time `json:"createdAt"`
}

// JobStatusResponse is the polling projection of a job record.
type JobStatusResponse struct {
	JobID             string      `json:"jobId"`
	ProjectID         string      `json:"projectId,omitempty"`
	Operation         Operation   `json:"operation"`
	Status            JobStatus   `json:"status"`
	Progress          int         `json:"progress"`
	CurrentStep       string      `json:"currentStep,omitempty"`
	Result            interface{} `json:"result,omitempty"`
	Error             *JobError   `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	EstimatedDuration int         `json:"estimatedDuration"`
}
