package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TargetKind categorises a monitored service.
type TargetKind int

const (
	KindGenericServer TargetKind = iota
	KindVPS
	KindSharedHosting
)

func (k TargetKind) String() string {
	switch k {
	case KindGenericServer:
		return "server"
	case KindVPS:
		return "vps"
	case KindSharedHosting:
		return "shared-hosting"
	default:
		return "unknown"
	}
}

// Target is a monitored hosted service. Only active shared-hosting targets
// are eligible for usage sync.
type Target struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Kind        TargetKind `json:"kind"`
	Active      bool       `json:"active"`
	EndpointURL string     `json:"endpoint_url"`
	APIKey      string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// SyncEligible reports whether the target should be polled for usage data.
func (t Target) SyncEligible() bool {
	return t.Kind == KindSharedHosting && t.Active && t.DeletedAt == nil
}

// UsageRecord is one persisted observation of a target's resource
// consumption. ExternalID is the source system's own primary key for the
// observation; (TargetID, ExternalID) is unique.
type UsageRecord struct {
	ID               int64     `json:"id"`
	TargetID         int64     `json:"target_id"`
	ExternalID       int64     `json:"external_id"`
	DiskUsageMB      float64   `json:"disk_usage_mb"`
	FileCount        int64     `json:"file_count"`
	AvailableSpaceMB float64   `json:"available_space_mb"`
	AvailableInodes  int64     `json:"available_inode"`
	ObservedAt       time.Time `json:"observed_at"`
	CreatedAt        time.Time `json:"created_at"`
}
