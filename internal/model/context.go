package model

import "time"

// ContextType identifies the kind of artifact a pipeline agent produces.
// The set is closed: every type carries its own schema in the context service.
type ContextType string

const (
	ContextTypeTopic    ContextType = "topic"
	ContextTypeScene    ContextType = "scene"
	ContextTypeMedia    ContextType = "media"
	ContextTypeAssembly ContextType = "assembly"
)

var ValidContextTypes = []ContextType{
	ContextTypeTopic, ContextTypeScene, ContextTypeMedia, ContextTypeAssembly,
}

// IsValidContextType reports whether t is one of the known context kinds.
func IsValidContextType(t ContextType) bool {
	for _, v := range ValidContextTypes {
		if v == t {
			return true
		}
	}
	return false
}

// StorageLocation says where a context payload physically lives.
type StorageLocation string

const (
	StorageInline StorageLocation = "inline"
	StorageBlob   StorageLocation = "blob"
)

// ContextRecord is the persisted metadata view of a stored context.
// Small payloads are embedded in Payload; large ones live in the blob
// store under BlobKey with only this record kept in Redis.
type ContextRecord struct {
	ContextID   string          `json:"contextId"`
	ContextType ContextType     `json:"contextType"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	TTL         *time.Time      `json:"ttl,omitempty"`
	Compressed  bool            `json:"compressed"`
	Location    StorageLocation `json:"storageLocation"`
	BlobKey     string          `json:"blobKey,omitempty"`
	Size        int             `json:"size"`
	Payload     []byte          `json:"payload,omitempty"`
}

// Expired reports whether the record's logical TTL has passed at now.
func (r *ContextRecord) Expired(now time.Time) bool {
	return r.TTL != nil && now.After(*r.TTL)
}

// ContextStoreRequest is the body for POST /api/contexts.
type ContextStoreRequest struct {
	ContextID   string                 `json:"contextId,omitempty"`
	ContextType ContextType            `json:"contextType" validate:"required"`
	Data        map[string]interface{} `json:"data" validate:"required"`
	Compress    *bool                  `json:"compress,omitempty"`
	TTLHours    *float64               `json:"ttlHours,omitempty" validate:"omitempty,gt=0"`
}

// ContextStoreResult describes where and how a context was persisted.
type ContextStoreResult struct {
	ContextID  string          `json:"contextId"`
	Size       int             `json:"size"`
	Compressed bool            `json:"compressed"`
	Location   StorageLocation `json:"storageLocation"`
}

// ContextEnvelope is the retrieve response: decoded data plus metadata.
type ContextEnvelope struct {
	ContextID   string                 `json:"contextId"`
	ContextType ContextType            `json:"contextType"`
	Data        map[string]interface{} `json:"data"`
	Metadata    ContextMetadata        `json:"metadata"`
}

// ContextMetadata is the client-safe projection of a ContextRecord.
type ContextMetadata struct {
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
	TTL        *time.Time      `json:"ttl,omitempty"`
	Compressed bool            `json:"compressed"`
	Location   StorageLocation `json:"storageLocation"`
	Size       int             `json:"size"`
}

// ContextUpdateRequest is the body for PATCH /api/contexts/:contextId.
// Patch fields overwrite existing ones; everything else is preserved.
type ContextUpdateRequest struct {
	Data     map[string]interface{} `json:"data" validate:"required"`
	Compress *bool                  `json:"compress,omitempty"`
	TTLHours *float64               `json:"ttlHours,omitempty" validate:"omitempty,gt=0"`
}

// ContextListItem is one entry of a list response.
type ContextListItem struct {
	ContextID   string          `json:"contextId"`
	ContextType ContextType     `json:"contextType"`
	CreatedAt   time.Time       `json:"createdAt"`
	TTL         *time.Time      `json:"ttl,omitempty"`
	Size        int             `json:"size"`
	Location    StorageLocation `json:"storageLocation"`
	Expired     bool            `json:"expired"`
}

// ContextListResult is the response of GET /api/contexts.
type ContextListResult struct {
	Contexts []ContextListItem `json:"contexts"`
	Count    int               `json:"count"`
}

// ContextStats aggregates the current store contents.
type ContextStats struct {
	TotalCount   int                 `json:"totalCount"`
	ActiveCount  int                 `json:"activeCount"`
	ExpiredCount int                 `json:"expiredCount"`
	TotalSize    int64               `json:"totalSize"`
	ByType       map[ContextType]int `json:"byType"`
}

// CleanupResult is the response of POST /api/contexts/cleanup.
type CleanupResult struct {
	Removed int `json:"removed"`
}
