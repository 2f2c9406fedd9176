package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/model"
)

const contextIndexKey = "contexts:index"

func contextKey(id string) string {
	return fmt.Sprintf("context:%s", id)
}

// ContextService is the durable store for typed inter-stage artifacts.
// It owns the storage-location decision (inline vs blob), conditional
// compression, schema validation and TTL expiry; producing stages own
// the semantic content.
type ContextService struct {
	kv   client.KVStore
	blob client.StorageClient
	cfg  config.ContextConfig
	now  func() time.Time
}

func NewContextService(kv client.KVStore, blob client.StorageClient, cfg config.ContextConfig) *ContextService {
	return &ContextService{
		kv:   kv,
		blob: blob,
		cfg:  cfg,
		now:  time.Now,
	}
}

// StoreOptions tunes a single store call. Nil fields take the
// configured defaults (compression on, default TTL hours).
type StoreOptions struct {
	Compress *bool
	TTLHours *float64
}

// Store validates, serializes and persists a context. Payloads that
// compress below the adoption ratio are kept compressed; payloads over
// the inline threshold are offloaded to blob storage with only the
// metadata record kept in the key-value store.
func (s *ContextService) Store(ctx context.Context, contextID string, contextType model.ContextType, data map[string]interface{}, opts *StoreOptions) (*model.ContextStoreResult, error) {
	if contextID == "" {
		contextID = fmt.Sprintf("%s-%s", contextType, gonanoid.Must(12))
	}
	now := s.now()
	return s.persist(ctx, contextID, contextType, data, opts, now, nil)
}

// persist is the shared write path for Store and Update. createdAt is
// preserved across updates; updatedAt is set only on updates.
func (s *ContextService) persist(ctx context.Context, contextID string, contextType model.ContextType, data map[string]interface{}, opts *StoreOptions, createdAt time.Time, updatedAt *time.Time) (*model.ContextStoreResult, error) {
	if verr := ValidateContext(contextType, data); verr != nil {
		return nil, verr
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &apperr.StorageError{Op: "serialize", Err: err}
	}

	// Compress by default, but adopt the compressed form only when it
	// actually pays: below the configured fraction of the raw size.
	payload := raw
	compressed := false
	if opts == nil || opts.Compress == nil || *opts.Compress {
		comp, err := gzipBytes(raw)
		if err != nil {
			return nil, &apperr.StorageError{Op: "compress", Err: err}
		}
		if len(comp) < int(s.cfg.CompressionRatio*float64(len(raw))) {
			payload = comp
			compressed = true
		}
	}

	ttlHours := s.cfg.DefaultTTLHours
	if opts != nil && opts.TTLHours != nil {
		ttlHours = *opts.TTLHours
	}
	var ttl *time.Time
	if ttlHours > 0 {
		t := s.now().Add(time.Duration(ttlHours * float64(time.Hour)))
		ttl = &t
	}

	record := &model.ContextRecord{
		ContextID:   contextID,
		ContextType: contextType,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		TTL:         ttl,
		Compressed:  compressed,
		Size:        len(payload),
	}

	// Location may flip across the threshold on update; stale blobs
	// from a previous location are removed after the write succeeds.
	prev, _ := s.loadRecord(ctx, contextID)

	if len(payload) > s.cfg.InlineThresholdBytes {
		if s.blob == nil {
			return nil, &apperr.StorageError{Op: "blob upload", Err: fmt.Errorf("blob storage not configured")}
		}
		record.Location = model.StorageBlob
		record.BlobKey = blobKeyFor(contextType, contextID, compressed)
		contentType := "application/json"
		if compressed {
			contentType = "application/gzip"
		}
		if _, err := s.blob.Upload(ctx, record.BlobKey, bytes.NewReader(payload), contentType); err != nil {
			return nil, &apperr.StorageError{Op: "blob upload", Err: err}
		}
	} else {
		record.Location = model.StorageInline
		record.Payload = payload
	}

	if err := s.saveRecord(ctx, record); err != nil {
		return nil, err
	}

	if prev != nil && prev.BlobKey != "" && prev.BlobKey != record.BlobKey && s.blob != nil {
		if err := s.blob.Delete(ctx, prev.BlobKey); err != nil {
			log.Printf("[ContextStore] best-effort delete of stale blob %s failed: %v", prev.BlobKey, err)
		}
	}

	return &model.ContextStoreResult{
		ContextID:  contextID,
		Size:       record.Size,
		Compressed: compressed,
		Location:   record.Location,
	}, nil
}

// Retrieve reads a context back, reconstructing the payload from blob
// storage and decompressing as needed. Expired records are deleted on
// sight and reported as not found.
func (s *ContextService) Retrieve(ctx context.Context, contextID string) (*model.ContextEnvelope, error) {
	record, err := s.loadRecord(ctx, contextID)
	if err != nil {
		return nil, err
	}

	if record.Expired(s.now()) {
		// Lazy expiry: a dead record must never be served, so remove it
		// now instead of waiting for the next sweep.
		if err := s.Delete(ctx, contextID); err != nil {
			log.Printf("[ContextStore] lazy expiry delete of %s failed: %v", contextID, err)
		}
		return nil, &apperr.NotFoundError{Resource: "context", ID: contextID, Expired: true}
	}

	payload := record.Payload
	if record.Location == model.StorageBlob {
		if s.blob == nil {
			return nil, &apperr.StorageError{Op: "blob download", Err: fmt.Errorf("blob storage not configured")}
		}
		payload, err = s.blob.Download(ctx, record.BlobKey)
		if err != nil {
			return nil, &apperr.StorageError{Op: "blob download", Err: err}
		}
	}

	if record.Compressed {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return nil, &apperr.StorageError{Op: "decompress", Err: err}
		}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &apperr.StorageError{Op: "deserialize", Err: err}
	}

	return &model.ContextEnvelope{
		ContextID:   record.ContextID,
		ContextType: record.ContextType,
		Data:        data,
		Metadata: model.ContextMetadata{
			CreatedAt:  record.CreatedAt,
			UpdatedAt:  record.UpdatedAt,
			TTL:        record.TTL,
			Compressed: record.Compressed,
			Location:   record.Location,
			Size:       record.Size,
		},
	}, nil
}

// Update shallow-merges patch over the existing data and re-persists.
// New fields overwrite, all others are preserved; the storage location
// may change if the merged size crosses the threshold either way.
func (s *ContextService) Update(ctx context.Context, contextID string, patch map[string]interface{}, opts *StoreOptions) (*model.ContextStoreResult, error) {
	env, err := s.Retrieve(ctx, contextID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(env.Data)+len(patch))
	for k, v := range env.Data {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	now := s.now()
	return s.persist(ctx, contextID, env.ContextType, merged, opts, env.Metadata.CreatedAt, &now)
}

// Delete removes a context and its blob, if any. Deleting an unknown id
// is a no-op success.
func (s *ContextService) Delete(ctx context.Context, contextID string) error {
	record, err := s.loadRecord(ctx, contextID)
	if err != nil {
		if _, ok := err.(*apperr.NotFoundError); ok {
			return nil
		}
		return err
	}

	if record.BlobKey != "" && s.blob != nil {
		if err := s.blob.Delete(ctx, record.BlobKey); err != nil {
			log.Printf("[ContextStore] best-effort blob delete %s failed: %v", record.BlobKey, err)
		}
	}

	if err := s.kv.Delete(ctx, contextKey(contextID)); err != nil {
		return &apperr.StorageError{Op: "delete", Err: err}
	}
	if err := s.kv.RemoveFromSet(ctx, contextIndexKey, contextID); err != nil {
		log.Printf("[ContextStore] index removal for %s failed: %v", contextID, err)
	}
	return nil
}

// ListOptions filters a List call.
type ListOptions struct {
	Type           model.ContextType
	IncludeExpired bool
}

// List enumerates metadata records, newest first. Expired records are
// reported (when requested) but never deleted here.
func (s *ContextService) List(ctx context.Context, opts ListOptions) (*model.ContextListResult, error) {
	records, err := s.allRecords(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	items := make([]model.ContextListItem, 0, len(records))
	for _, rec := range records {
		if opts.Type != "" && rec.ContextType != opts.Type {
			continue
		}
		expired := rec.Expired(now)
		if expired && !opts.IncludeExpired {
			continue
		}
		items = append(items, model.ContextListItem{
			ContextID:   rec.ContextID,
			ContextType: rec.ContextType,
			CreatedAt:   rec.CreatedAt,
			TTL:         rec.TTL,
			Size:        rec.Size,
			Location:    rec.Location,
			Expired:     expired,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	return &model.ContextListResult{Contexts: items, Count: len(items)}, nil
}

// Stats reports counts, aggregate size and the active/expired split at
// the current instant.
func (s *ContextService) Stats(ctx context.Context) (*model.ContextStats, error) {
	records, err := s.allRecords(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := &model.ContextStats{ByType: make(map[model.ContextType]int)}
	for _, rec := range records {
		stats.TotalCount++
		stats.TotalSize += int64(rec.Size)
		stats.ByType[rec.ContextType]++
		if rec.Expired(now) {
			stats.ExpiredCount++
		} else {
			stats.ActiveCount++
		}
	}
	return stats, nil
}

// CleanupExpired sweeps all records and physically removes the ones
// past their TTL, returning how many were removed. It is an on-demand
// sweep, not a background daemon.
func (s *ContextService) CleanupExpired(ctx context.Context) (int, error) {
	records, err := s.allRecords(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}
		if err := s.Delete(ctx, rec.ContextID); err != nil {
			log.Printf("[ContextStore] cleanup of %s failed: %v", rec.ContextID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Helper methods

func (s *ContextService) saveRecord(ctx context.Context, record *model.ContextRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &apperr.StorageError{Op: "serialize record", Err: err}
	}
	retention := time.Duration(s.cfg.RetentionHours) * time.Hour
	if err := s.kv.Set(ctx, contextKey(record.ContextID), data, retention); err != nil {
		return &apperr.StorageError{Op: "save record", Err: err}
	}
	if err := s.kv.AddToSet(ctx, contextIndexKey, record.ContextID); err != nil {
		return &apperr.StorageError{Op: "index record", Err: err}
	}
	return nil
}

func (s *ContextService) loadRecord(ctx context.Context, contextID string) (*model.ContextRecord, error) {
	data, err := s.kv.Get(ctx, contextKey(contextID))
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, &apperr.NotFoundError{Resource: "context", ID: contextID}
		}
		return nil, &apperr.StorageError{Op: "load record", Err: err}
	}

	var record model.ContextRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, &apperr.StorageError{Op: "decode record", Err: err}
	}
	return &record, nil
}

// allRecords resolves the index set to records, pruning index entries
// whose record has been physically evicted.
func (s *ContextService) allRecords(ctx context.Context) ([]*model.ContextRecord, error) {
	ids, err := s.kv.SetMembers(ctx, contextIndexKey)
	if err != nil {
		return nil, &apperr.StorageError{Op: "list index", Err: err}
	}

	records := make([]*model.ContextRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadRecord(ctx, id)
		if err != nil {
			if _, ok := err.(*apperr.NotFoundError); ok {
				if rmErr := s.kv.RemoveFromSet(ctx, contextIndexKey, id); rmErr != nil {
					log.Printf("[ContextStore] index prune of %s failed: %v", id, rmErr)
				}
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func blobKeyFor(contextType model.ContextType, contextID string, compressed bool) string {
	if compressed {
		return fmt.Sprintf("contexts/%s/%s.json.gz", contextType, contextID)
	}
	return fmt.Sprintf("contexts/%s/%s.json", contextType, contextID)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
