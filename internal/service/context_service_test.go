package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/model"
)

func newTestContextService() (*ContextService, *memKV) {
	kv := newMemKV()
	return NewContextService(kv, nil, testContextConfig()), kv
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func asErr(err error, target interface{}) bool {
	return errors.As(err, target)
}

func TestContextStoreInlineRoundTrip(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	result, err := svc.Store(ctx, "topic-abc", model.ContextTypeTopic, validTopicData(), nil)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if result.ContextID != "topic-abc" {
		t.Errorf("expected caller-supplied id preserved, got %s", result.ContextID)
	}
	if result.Location != model.StorageInline {
		t.Errorf("expected inline storage, got %s", result.Location)
	}

	env, err := svc.Retrieve(ctx, "topic-abc")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if env.ContextType != model.ContextTypeTopic {
		t.Errorf("expected topic type, got %s", env.ContextType)
	}
	if env.Data["mainTopic"] != "Travel to Spain" {
		t.Errorf("payload not preserved: %v", env.Data["mainTopic"])
	}
	topics, ok := env.Data["expandedTopics"].([]interface{})
	if !ok || len(topics) != 8 {
		t.Errorf("expandedTopics not preserved: %v", env.Data["expandedTopics"])
	}
	if env.Metadata.TTL == nil {
		t.Error("expected default TTL to be set")
	}
}

func TestContextStoreGeneratesTypedID(t *testing.T) {
	svc, _ := newTestContextService()

	result, err := svc.Store(context.Background(), "", model.ContextTypeScene, map[string]interface{}{
		"projectId": "proj-1",
		"scenes":    []interface{}{map[string]interface{}{"index": float64(0)}},
	}, nil)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if !strings.HasPrefix(result.ContextID, "scene-") {
		t.Errorf("expected generated id with type prefix, got %s", result.ContextID)
	}
	if len(result.ContextID) <= len("scene-") {
		t.Errorf("generated id has no random suffix: %s", result.ContextID)
	}
}

func TestContextStoreValidationGate(t *testing.T) {
	svc, kv := newTestContextService()

	_, err := svc.Store(context.Background(), "topic-bad", model.ContextTypeTopic, map[string]interface{}{
		"expandedTopics": []interface{}{"only"},
	}, nil)

	var verr *apperr.ValidationError
	if !asErr(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// Nothing may be persisted when validation fails.
	if _, err := kv.Get(context.Background(), contextKey("topic-bad")); err == nil {
		t.Error("invalid context was persisted")
	}
}

func TestContextCompressionAdoption(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	// Highly repetitive data compresses well below the adoption ratio.
	repetitive := map[string]interface{}{
		"mainTopic":      strings.Repeat("spain travel guide ", 200),
		"expandedTopics": []interface{}{strings.Repeat("barcelona ", 100)},
	}
	result, err := svc.Store(ctx, "topic-big", model.ContextTypeTopic, repetitive, nil)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if !result.Compressed {
		t.Error("expected repetitive payload to be stored compressed")
	}

	env, err := svc.Retrieve(ctx, "topic-big")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if env.Data["mainTopic"] != repetitive["mainTopic"] {
		t.Error("compressed payload did not round-trip")
	}

	// A tiny payload gains nothing from gzip: header overhead pushes it
	// over the adoption threshold, so raw bytes are kept.
	tiny := map[string]interface{}{
		"mainTopic":      "x1q9z",
		"expandedTopics": []interface{}{"a"},
	}
	result, err = svc.Store(ctx, "topic-tiny", model.ContextTypeTopic, tiny, nil)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if result.Compressed {
		t.Error("expected tiny payload to stay uncompressed")
	}
}

func TestContextCompressionOptOut(t *testing.T) {
	svc, _ := newTestContextService()

	repetitive := map[string]interface{}{
		"mainTopic":      strings.Repeat("repeat ", 500),
		"expandedTopics": []interface{}{"a"},
	}
	result, err := svc.Store(context.Background(), "topic-raw", model.ContextTypeTopic, repetitive, &StoreOptions{
		Compress: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if result.Compressed {
		t.Error("compression was applied despite opt-out")
	}
}

func TestContextBlobOffload(t *testing.T) {
	blob := newMemBlob()
	kv := newMemKV()
	cfg := testContextConfig()
	cfg.InlineThresholdBytes = 64
	svc := NewContextService(kv, blob, cfg)
	ctx := context.Background()

	data := map[string]interface{}{
		"projectId": "proj-1",
		"scenes": []interface{}{
			map[string]interface{}{"narration": "a1b2c3d4e5f6g7h8i9j0k1l2m3n4o5p6"},
			map[string]interface{}{"narration": "q1w2e3r4t5y6u7i8o9p0a1s2d3f4g5h6"},
		},
	}
	result, err := svc.Store(ctx, "scene-large", model.ContextTypeScene, data, &StoreOptions{
		Compress: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if result.Location != model.StorageBlob {
		t.Fatalf("expected blob offload, got %s", result.Location)
	}
	if blob.count() != 1 {
		t.Fatalf("expected one blob object, got %d", blob.count())
	}
	if !blob.has("contexts/scene/scene-large.json") {
		t.Error("blob stored under unexpected key")
	}

	env, err := svc.Retrieve(ctx, "scene-large")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if env.Metadata.Location != model.StorageBlob {
		t.Errorf("metadata location mismatch: %s", env.Metadata.Location)
	}
	scenes, ok := env.Data["scenes"].([]interface{})
	if !ok || len(scenes) != 2 {
		t.Errorf("blob payload did not round-trip: %v", env.Data["scenes"])
	}
}

func TestContextBlobRequiredButUnconfigured(t *testing.T) {
	kv := newMemKV()
	cfg := testContextConfig()
	cfg.InlineThresholdBytes = 8
	svc := NewContextService(kv, nil, cfg)

	_, err := svc.Store(context.Background(), "topic-x", model.ContextTypeTopic, validTopicData(), &StoreOptions{
		Compress: boolPtr(false),
	})
	var serr *apperr.StorageError
	if !asErr(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestContextTTLExpiry(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)

	if _, err := svc.Store(ctx, "topic-short", model.ContextTypeTopic, validTopicData(), &StoreOptions{
		TTLHours: floatPtr(1),
	}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Still alive just before the deadline.
	svc.now = fixedClock(t0.Add(59 * time.Minute))
	if _, err := svc.Retrieve(ctx, "topic-short"); err != nil {
		t.Fatalf("retrieve before expiry failed: %v", err)
	}

	// Past the deadline the record reads as not found and is lazily
	// deleted.
	svc.now = fixedClock(t0.Add(2 * time.Hour))
	_, err := svc.Retrieve(ctx, "topic-short")
	var nferr *apperr.NotFoundError
	if !asErr(err, &nferr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if !nferr.Expired {
		t.Error("expected the not-found error to carry the expired flag")
	}

	list, err := svc.List(ctx, ListOptions{IncludeExpired: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 0 {
		t.Errorf("lazy expiry did not remove the record, list has %d", list.Count)
	}
}

func TestContextZeroTTLNeverExpires(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)
	if _, err := svc.Store(ctx, "topic-forever", model.ContextTypeTopic, validTopicData(), &StoreOptions{
		TTLHours: floatPtr(0),
	}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	svc.now = fixedClock(t0.AddDate(1, 0, 0))
	env, err := svc.Retrieve(ctx, "topic-forever")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if env.Metadata.TTL != nil {
		t.Error("expected no TTL on a zero-TTL record")
	}
}

func TestContextListFilterAndOrder(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)
	mustStore(t, svc, "topic-old", model.ContextTypeTopic, validTopicData())

	svc.now = fixedClock(t0.Add(time.Minute))
	mustStore(t, svc, "scene-1", model.ContextTypeScene, map[string]interface{}{
		"projectId": "proj-1",
		"scenes":    []interface{}{map[string]interface{}{"index": float64(0)}},
	})

	svc.now = fixedClock(t0.Add(2 * time.Minute))
	mustStore(t, svc, "topic-new", model.ContextTypeTopic, validTopicData())

	list, err := svc.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 3 {
		t.Fatalf("expected 3 contexts, got %d", list.Count)
	}
	if list.Contexts[0].ContextID != "topic-new" || list.Contexts[2].ContextID != "topic-old" {
		t.Errorf("expected newest-first order, got %s .. %s",
			list.Contexts[0].ContextID, list.Contexts[2].ContextID)
	}

	list, err = svc.List(ctx, ListOptions{Type: model.ContextTypeScene})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 1 || list.Contexts[0].ContextID != "scene-1" {
		t.Errorf("type filter broken: %+v", list.Contexts)
	}
}

func TestContextListIncludeExpired(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)
	if _, err := svc.Store(ctx, "topic-a", model.ContextTypeTopic, validTopicData(), &StoreOptions{
		TTLHours: floatPtr(1),
	}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	mustStore(t, svc, "topic-b", model.ContextTypeTopic, validTopicData())

	svc.now = fixedClock(t0.Add(3 * time.Hour))

	list, err := svc.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 1 {
		t.Fatalf("expected expired record hidden by default, got %d", list.Count)
	}

	list, err = svc.List(ctx, ListOptions{IncludeExpired: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("expected expired record visible with includeExpired, got %d", list.Count)
	}
	for _, item := range list.Contexts {
		if item.ContextID == "topic-a" && !item.Expired {
			t.Error("expired record not flagged")
		}
	}
}

func TestContextCleanupExpired(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)
	for _, id := range []string{"topic-e1", "topic-e2"} {
		if _, err := svc.Store(ctx, id, model.ContextTypeTopic, validTopicData(), &StoreOptions{
			TTLHours: floatPtr(1),
		}); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
	mustStore(t, svc, "topic-alive", model.ContextTypeTopic, validTopicData())

	svc.now = fixedClock(t0.Add(2 * time.Hour))
	removed, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removals, got %d", removed)
	}

	list, err := svc.List(ctx, ListOptions{IncludeExpired: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Count != 1 || list.Contexts[0].ContextID != "topic-alive" {
		t.Errorf("survivors wrong: %+v", list.Contexts)
	}
}

func TestContextDeleteIdempotent(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	mustStore(t, svc, "topic-del", model.ContextTypeTopic, validTopicData())

	if err := svc.Delete(ctx, "topic-del"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := svc.Delete(ctx, "topic-del"); err != nil {
		t.Fatalf("repeat delete should be a no-op success: %v", err)
	}
	if err := svc.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("deleting an unknown id should succeed: %v", err)
	}
}

func TestContextUpdateMerge(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)
	mustStore(t, svc, "topic-m", model.ContextTypeTopic, validTopicData())

	svc.now = fixedClock(t0.Add(10 * time.Minute))
	_, err := svc.Update(ctx, "topic-m", map[string]interface{}{
		"mainTopic":  "Travel to Portugal",
		"extraNotes": "added later",
	}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	env, err := svc.Retrieve(ctx, "topic-m")
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if env.Data["mainTopic"] != "Travel to Portugal" {
		t.Errorf("patched field not applied: %v", env.Data["mainTopic"])
	}
	if env.Data["extraNotes"] != "added later" {
		t.Errorf("new field not merged: %v", env.Data["extraNotes"])
	}
	if _, ok := env.Data["expandedTopics"]; !ok {
		t.Error("untouched field was dropped by the merge")
	}
	if !env.Metadata.CreatedAt.Equal(t0) {
		t.Errorf("createdAt not preserved across update: %v", env.Metadata.CreatedAt)
	}
	if env.Metadata.UpdatedAt == nil || !env.Metadata.UpdatedAt.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("updatedAt not set: %v", env.Metadata.UpdatedAt)
	}
}

func TestContextUpdateUnknownID(t *testing.T) {
	svc, _ := newTestContextService()

	_, err := svc.Update(context.Background(), "missing", map[string]interface{}{"a": 1}, nil)
	var nferr *apperr.NotFoundError
	if !asErr(err, &nferr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestContextUpdateLocationFlip(t *testing.T) {
	blob := newMemBlob()
	kv := newMemKV()
	cfg := testContextConfig()
	cfg.InlineThresholdBytes = 256
	svc := NewContextService(kv, blob, cfg)
	ctx := context.Background()

	result, err := svc.Store(ctx, "topic-flip", model.ContextTypeTopic, map[string]interface{}{
		"mainTopic":      "short",
		"expandedTopics": []interface{}{"a"},
	}, &StoreOptions{Compress: boolPtr(false)})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if result.Location != model.StorageInline {
		t.Fatalf("expected inline start, got %s", result.Location)
	}

	big := make([]interface{}, 0, 40)
	for i := 0; i < 40; i++ {
		big = append(big, "k3j5h2g8f4d6s1a9z7x5c3v1b6n4m2q8")
	}
	result, err = svc.Update(ctx, "topic-flip", map[string]interface{}{
		"expandedTopics": big,
	}, &StoreOptions{Compress: boolPtr(false)})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if result.Location != model.StorageBlob {
		t.Fatalf("expected flip to blob, got %s", result.Location)
	}
	if blob.count() != 1 {
		t.Errorf("expected one blob object after flip, got %d", blob.count())
	}
}

func TestContextDeleteRemovesBlob(t *testing.T) {
	blob := newMemBlob()
	kv := newMemKV()
	cfg := testContextConfig()
	cfg.InlineThresholdBytes = 64
	svc := NewContextService(kv, blob, cfg)
	ctx := context.Background()

	if _, err := svc.Store(ctx, "scene-bl", model.ContextTypeScene, map[string]interface{}{
		"projectId": "proj-1",
		"scenes": []interface{}{
			map[string]interface{}{"narration": "z9y8x7w6v5u4t3s2r1q0p9o8n7m6l5k4"},
		},
	}, &StoreOptions{Compress: boolPtr(false)}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if blob.count() != 1 {
		t.Fatalf("expected one blob object, got %d", blob.count())
	}

	if err := svc.Delete(ctx, "scene-bl"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if blob.count() != 0 {
		t.Error("blob object survived context deletion")
	}
}

func TestContextStats(t *testing.T) {
	svc, _ := newTestContextService()
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = fixedClock(t0)
	mustStore(t, svc, "topic-s1", model.ContextTypeTopic, validTopicData())
	mustStore(t, svc, "topic-s2", model.ContextTypeTopic, validTopicData())
	if _, err := svc.Store(ctx, "scene-s1", model.ContextTypeScene, map[string]interface{}{
		"projectId": "proj-1",
		"scenes":    []interface{}{map[string]interface{}{"index": float64(0)}},
	}, &StoreOptions{TTLHours: floatPtr(1)}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	svc.now = fixedClock(t0.Add(2 * time.Hour))
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalCount != 3 {
		t.Errorf("expected 3 total, got %d", stats.TotalCount)
	}
	if stats.ActiveCount != 2 || stats.ExpiredCount != 1 {
		t.Errorf("active/expired split wrong: %d/%d", stats.ActiveCount, stats.ExpiredCount)
	}
	if stats.ByType[model.ContextTypeTopic] != 2 || stats.ByType[model.ContextTypeScene] != 1 {
		t.Errorf("byType wrong: %v", stats.ByType)
	}
	if stats.TotalSize <= 0 {
		t.Errorf("expected positive total size, got %d", stats.TotalSize)
	}
}

func mustStore(t *testing.T, svc *ContextService, id string, contextType model.ContextType, data map[string]interface{}) {
	t.Helper()
	if _, err := svc.Store(context.Background(), id, contextType, data, nil); err != nil {
		t.Fatalf("store %s failed: %v", id, err)
	}
}
