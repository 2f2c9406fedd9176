package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/model"
)

// AgentInvoker is the uniform invocation contract for pipeline agents.
// Both the orchestrator and the job worker consume it; neither calls
// the other directly.
type AgentInvoker interface {
	Invoke(ctx context.Context, stage model.StageName, method, path string, body interface{}) (*model.StageResult, error)
}

// AgentClient invokes pipeline agents over HTTP. Each stage has its own
// base URL; the request/response shape is the same for all of them.
type AgentClient struct {
	httpClient *http.Client
	baseURLs   map[model.StageName]string
	timeout    time.Duration
}

// NewAgentClient creates an agent client from the per-stage endpoints.
func NewAgentClient(cfg *config.AgentsConfig) *AgentClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	return &AgentClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURLs: map[model.StageName]string{
			model.StageTopicAnalysis:    cfg.TopicURL,
			model.StageScriptGeneration: cfg.ScriptURL,
			model.StageMediaCuration:    cfg.MediaURL,
			model.StageAudioSynthesis:   cfg.AudioURL,
			model.StageAssembly:         cfg.AssemblyURL,
			model.StagePublishing:       cfg.PublishURL,
		},
		timeout: timeout,
	}
}

// Invoke calls an agent and normalizes the outcome. Transport success is
// not agent success: the response body may carry its own success/error
// fields, and both layers are checked. A caller timeout aborts only this
// wait; the agent may keep working and write its context later.
func (c *AgentClient) Invoke(ctx context.Context, stage model.StageName, method, path string, body interface{}) (*model.StageResult, error) {
	baseURL, ok := c.baseURLs[stage]
	if !ok || baseURL == "" {
		return nil, &apperr.StageError{Stage: string(stage), Message: "no endpoint configured"}
	}

	var reqBody io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Agent %s] → %s %s", stage, method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			log.Printf("[Agent %s] ✗ %s %s — timed out after %s", stage, method, req.URL.String(), c.timeout)
			return nil, &apperr.TimeoutError{Stage: string(stage), Budget: c.timeout}
		}
		log.Printf("[Agent %s] ✗ %s %s — request failed: %v", stage, method, req.URL.String(), err)
		return nil, &apperr.StageError{Stage: string(stage), Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.StageError{Stage: string(stage), StatusCode: resp.StatusCode, Message: "failed to read response"}
	}

	log.Printf("[Agent %s] ← %d %s %s", stage, resp.StatusCode, method, req.URL.String())

	return normalizeStageResponse(resp.StatusCode, respBody), nil
}

// isTimeout reports whether err is a client-side deadline or timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// normalizeStageResponse folds the transport status and any embedded
// status in the agent's body into a single success flag.
func normalizeStageResponse(statusCode int, body []byte) *model.StageResult {
	result := &model.StageResult{
		StatusCode: statusCode,
		Success:    statusCode >= 200 && statusCode < 300,
	}

	var data map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			// Non-JSON body: keep the transport verdict, note the raw text on failure
			if !result.Success {
				result.Error = string(body)
			}
			return result
		}
		result.Data = data
	}

	if data == nil {
		return result
	}

	// Embedded business status overrides a 2xx transport status
	if v, ok := data["success"].(bool); ok && !v {
		result.Success = false
	}
	if v, ok := data["statusCode"].(float64); ok {
		if int(v) < 200 || int(v) >= 300 {
			result.Success = false
			result.StatusCode = int(v)
		}
	}
	if !result.Success {
		if msg, ok := data["error"].(string); ok {
			result.Error = msg
		}
	}

	return result
}
