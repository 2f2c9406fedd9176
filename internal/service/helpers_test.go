package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/model"
)

// memKV is an in-memory KVStore for tests.
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
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
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

// memBlob is an in-memory StorageClient for tests.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (b *memBlob) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return "https://blob.test/" + key, nil
}

func (b *memBlob) Download(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (b *memBlob) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *memBlob) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/signed/" + key, nil
}

func (b *memBlob) GetPublicURL(key string) string {
	return "https://blob.test/" + key
}

func (b *memBlob) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *memBlob) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// fakeAgents is a scripted AgentInvoker. Unlisted stages succeed.
type fakeAgents struct {
	mu       sync.Mutex
	failures map[model.StageName]*model.StageResult
	errors   map[model.StageName]error
	invoked  []model.StageName
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		failures: make(map[model.StageName]*model.StageResult),
		errors:   make(map[model.StageName]error),
	}
}

func (f *fakeAgents) Invoke(_ context.Context, stage model.StageName, _, _ string, _ interface{}) (*model.StageResult, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, stage)
	f.mu.Unlock()

	if err, ok := f.errors[stage]; ok {
		return nil, err
	}
	if res, ok := f.failures[stage]; ok {
		return res, nil
	}
	return &model.StageResult{
		Success:    true,
		StatusCode: 200,
		Data:       map[string]interface{}{"stage": string(stage), "success": true},
	}, nil
}

// fakeEnqueuer records enqueued tasks without touching Redis.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Queue: "pipeline"}, nil
}

func (f *fakeEnqueuer) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{
		InlineThresholdBytes: 350 * 1024,
		DefaultTTLHours:      24,
		CompressionRatio:     0.8,
		RetentionHours:       7 * 24,
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MinSuccessfulSteps: 3,
		JobRetentionHours:  24,
	}
}

func validTopicData() map[string]interface{} {
	return map[string]interface{}{
		"mainTopic": "Travel to Spain",
		"expandedTopics": []interface{}{
			"Barcelona", "Madrid", "Seville", "Granada",
			"Valencia", "Bilbao", "Toledo", "Cordoba",
		},
		"videoStructure": map[string]interface{}{"recommendedScenes": float64(6)},
		"seoContext":     map[string]interface{}{"primaryKeywords": []interface{}{"spain", "travel"}},
	}
}
