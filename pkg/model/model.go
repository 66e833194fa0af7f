// Package model defines the core entities shared by every component of the
// cache and job subsystem: collections, images, cache roots, bindings,
// artifacts and durable job records. All identifiers are opaque values
// (backed by a UUID) rather than auto-increment integers, so that callers
// never depend on generation order.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ID is an opaque 16-byte identifier shared by every entity in this package.
type ID uuid.UUID

// NewID returns a fresh random identifier.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the string form of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// CollectionType enumerates the supported source container formats.
type CollectionType string

const (
	CollectionFolder   CollectionType = "Folder"
	CollectionZip      CollectionType = "Zip"
	CollectionSevenZip CollectionType = "SevenZip"
	CollectionRar      CollectionType = "Rar"
	CollectionTar      CollectionType = "Tar"
	CollectionTarGz    CollectionType = "TarGz"
	CollectionTarBz2   CollectionType = "TarBz2"
)

// CollectionSettings holds the behavior knobs recognized for a collection
// (spec §3, CollectionSettings).
type CollectionSettings struct {
	AutoScan           bool
	GenerateThumbnails bool
	GenerateCache      bool
	ThumbnailWidth     int
	ThumbnailHeight    int
	CacheWidth         int
	CacheHeight        int
	Quality            int // 1-100
	CacheFormat        string
	CacheExpiration    time.Duration
}

// DefaultCollectionSettings mirrors the defaults implied by spec §4.8/§4.9.
func DefaultCollectionSettings() CollectionSettings {
	return CollectionSettings{
		AutoScan:           true,
		GenerateThumbnails: true,
		GenerateCache:      true,
		ThumbnailWidth:     300,
		ThumbnailHeight:    300,
		CacheWidth:         1600,
		CacheHeight:        1600,
		Quality:            85,
		CacheFormat:        "jpeg",
		CacheExpiration:    0, // no expiration
	}
}

// CollectionStatistics is an opaque, store-owned aggregate; the core never
// computes it, only carries it through for callers.
type CollectionStatistics struct {
	ImageCount      int64
	TotalSizeBytes  int64
	LastScannedAt   time.Time
}

// Collection is a named source of images (spec §3, Collection).
type Collection struct {
	ID        ID
	Name      string
	Path      string
	Type      CollectionType
	CreatedAt time.Time
	UpdatedAt time.Time
	Settings  CollectionSettings
	Stats     CollectionStatistics
	DeletedAt *time.Time
}

// IsDeleted reports whether the collection carries a soft-delete marker.
func (c *Collection) IsDeleted() bool {
	return c.DeletedAt != nil
}

// Image is a logical entry inside a collection (spec §3, Image).
type Image struct {
	ID            ID
	CollectionID  ID
	Filename      string
	RelativePath  string
	FileSizeBytes int64
	Width         int
	Height        int
	Format        string // always lowercased
	CreatedAt     time.Time
}

// CacheRoot is a directory designated for artifact storage (spec §3, CacheRoot).
type CacheRoot struct {
	ID               ID
	Name             string
	Path             string
	MaxSizeBytes     int64 // 0 means unbounded for enforcement purposes
	CurrentSizeBytes int64
	FileCount        int64
	Priority         int
	IsActive         bool
}

// DefaultMaxSizeBytes is substituted when a CacheRoot has no configured cap,
// purely for fill-ratio ranking purposes (spec §4.4 selection algorithm).
const DefaultMaxSizeBytes int64 = 1 << 30 // 1 GiB

// FillRatio computes the Placement Engine's ranking ratio for this root.
func (r *CacheRoot) FillRatio() float64 {
	max := r.MaxSizeBytes
	if max <= 0 {
		max = DefaultMaxSizeBytes
	}
	return float64(r.CurrentSizeBytes) / float64(max)
}

// HasCapacity reports whether reserving sizeBytes more would keep the root
// within its configured cap. A root with no configured cap always has
// capacity.
func (r *CacheRoot) HasCapacity(sizeBytes int64) bool {
	if r.MaxSizeBytes <= 0 {
		return true
	}
	return r.CurrentSizeBytes+sizeBytes <= r.MaxSizeBytes
}

// CollectionCacheBinding is the exclusive assignment of a collection to one
// CacheRoot (spec §3, CollectionCacheBinding).
type CollectionCacheBinding struct {
	ID           ID
	CollectionID ID
	CacheRootID  ID
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// VariantKind distinguishes thumbnail artifacts from resized cache artifacts.
type VariantKind string

const (
	VariantThumbnail VariantKind = "thumbnail"
	VariantCache     VariantKind = "cache"
)

// Artifact is a derived file on disk (spec §3, Artifact).
type Artifact struct {
	Fingerprint string
	CacheRootID ID
	Path        string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	IsValid     bool
}

// IsExpired reports whether the artifact's TTL (if any) has elapsed at t.
func (a *Artifact) IsExpired(t time.Time) bool {
	return a.ExpiresAt != nil && t.After(*a.ExpiresAt)
}
