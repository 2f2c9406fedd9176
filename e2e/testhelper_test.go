package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"github.com/makereel/api/internal/auth"
	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/handler"
	"github.com/makereel/api/internal/middleware"
	"github.com/makereel/api/internal/model"
	"github.com/makereel/api/internal/service"
	"github.com/makereel/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	agents   *scriptedAgents
	enqueuer *recordingEnqueuer
	worker   *worker.PipelineWorker
}

// setupApp creates a Fiber app wired like main.go but with in-memory
// storage and scripted agents, so the suite needs no Redis or running
// agent services.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	kv := newMemKV()
	enqueuer := &recordingEnqueuer{}
	agents := newScriptedAgents()

	validate := validator.New()

	contextCfg := config.ContextConfig{
		InlineThresholdBytes: 350 * 1024,
		DefaultTTLHours:      24,
		CompressionRatio:     0.8,
		RetentionHours:       168,
	}
	pipelineCfg := config.PipelineConfig{
		MinSuccessfulSteps: 3,
		JobRetentionHours:  24,
	}

	// Services
	contextService := service.NewContextService(kv, nil, contextCfg)
	jobService := service.NewJobService(kv, enqueuer, pipelineCfg)
	orchestratorService := service.NewOrchestratorService(kv, agents, pipelineCfg)

	// Handlers
	contextHandler := handler.NewContextHandler(contextService, validate)
	jobHandler := handler.NewJobHandler(jobService, validate)
	pipelineHandler := handler.NewPipelineHandler(orchestratorService, validate)

	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": true,
				"blob":  false,
				"auth":  true,
			},
		})
	})

	// API routes (authenticated, no rate limits in tests)
	api := app.Group("/api", authMiddleware.Authenticate())

	contexts := api.Group("/contexts")
	contexts.Post("/", contextHandler.Store)
	contexts.Get("/", contextHandler.List)
	contexts.Get("/stats", contextHandler.Stats)
	contexts.Post("/cleanup", contextHandler.Cleanup)
	contexts.Get("/:contextId", contextHandler.Retrieve)
	contexts.Patch("/:contextId", contextHandler.Update)
	contexts.Delete("/:contextId", contextHandler.Delete)

	jobs := api.Group("/jobs")
	jobs.Post("/", jobHandler.Accept)
	jobs.Get("/:jobId", jobHandler.Status)

	pipeline := api.Group("/pipeline")
	pipeline.Post("/run", pipelineHandler.Run)
	pipeline.Get("/executions/:executionId", pipelineHandler.Execution)

	return &testApp{
		app:      app,
		agents:   agents,
		enqueuer: enqueuer,
		worker:   worker.NewPipelineWorker(jobService, orchestratorService, agents, nil),
	}
}

// runPendingJobs drains the enqueued tasks through the worker, the way
// the asynq server would in production.
func (ta *testApp) runPendingJobs(t *testing.T) {
	t.Helper()
	for _, task := range ta.enqueuer.drain() {
		if err := ta.worker.ProcessTask(context.Background(), task); err != nil {
			t.Logf("worker task finished with error: %v", err)
		}
	}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.GenerateToken("test-user-123", "test@example.com", testJWTSecret)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// In-memory test doubles

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	sets map[string]map[string]bool
}

func newMemKV() *memKV {
	return &memKV{
		data: make(map[string][]byte),
		sets: make(map[string]map[string]bool),
	}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, client.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) AddToSet(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[set] == nil {
		m.sets[set] = make(map[string]bool)
	}
	m.sets[set][member] = true
	return nil
}

func (m *memKV) RemoveFromSet(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[set], member)
	return nil
}

func (m *memKV) SetMembers(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[set]))
	for member := range m.sets[set] {
		members = append(members, member)
	}
	return members, nil
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(r.tasks))}, nil
}

func (r *recordingEnqueuer) drain() []*asynq.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.tasks
	r.tasks = nil
	return tasks
}

func pipelineStages() []model.StageName {
	return model.PipelineStages
}

func failedStage(msg string) *model.StageResult {
	return &model.StageResult{Success: false, StatusCode: 500, Error: msg}
}

type scriptedAgents struct {
	mu       sync.Mutex
	failures map[model.StageName]*model.StageResult
}

func newScriptedAgents() *scriptedAgents {
	return &scriptedAgents{failures: make(map[model.StageName]*model.StageResult)}
}

func (s *scriptedAgents) failStage(stage model.StageName, result *model.StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[stage] = result
}

func (s *scriptedAgents) Invoke(_ context.Context, stage model.StageName, _, _ string, _ interface{}) (*model.StageResult, error) {
	s.mu.Lock()
	res, ok := s.failures[stage]
	s.mu.Unlock()
	if ok {
		return res, nil
	}
	return &model.StageResult{
		Success:    true,
		StatusCode: 200,
		Data:       map[string]interface{}{"stage": string(stage)},
	}, nil
}
