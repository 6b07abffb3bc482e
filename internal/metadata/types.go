// Package metadata holds the persistent records of the storage engine: files and
// their ordered chunk lists, folders, and per-user storage accounting.
package metadata

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// DefaultStorageLimit is the quota given to a user on first sight.
const DefaultStorageLimit int64 = 15 << 30

// ChunkRef locates one stored chunk on the blob backend.
type ChunkRef struct {
	PartNumber int    `json:"part_number" bson:"partNumber"`
	BlobID     string `json:"blob_id" bson:"blobId"`   // fetch handle
	BlobRef    string `json:"blob_ref" bson:"blobRef"` // delete handle
	Size       int64  `json:"size" bson:"size"`
	Purged     bool   `json:"purged,omitempty" bson:"purged,omitempty"` // delete already issued
}

// File is a logical file assembled from chunks.
type File struct {
	ID       string `json:"id" bson:"_id"`
	Name     string `json:"name" bson:"name"`
	Size     int64  `json:"size" bson:"size"`
	MimeType string `json:"mime_type" bson:"mimeType"`
	OwnerID  string `json:"owner_id" bson:"ownerId"`
	FolderID string `json:"folder_id,omitempty" bson:"folderId,omitempty"` // empty = root

	Chunks         []ChunkRef `json:"chunks" bson:"chunks"`
	TotalChunks    int        `json:"total_chunks" bson:"totalChunks"`
	UploadComplete bool       `json:"upload_complete" bson:"uploadComplete"`

	IsDeleted bool       `json:"is_deleted" bson:"isDeleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" bson:"deletedAt,omitempty"`

	ShareToken  string     `json:"share_token,omitempty" bson:"shareLinkToken,omitempty"`
	ShareExpiry *time.Time `json:"share_expiry,omitempty" bson:"shareExpiry,omitempty"`

	PurgeStartedAt *time.Time `json:"purge_started_at,omitempty" bson:"purgeStartedAt,omitempty"`
	PurgeID        string     `json:"purge_id,omitempty" bson:"purgeId,omitempty"`
	QuotaReleased  bool       `json:"quota_released,omitempty" bson:"quotaReleased,omitempty"`

	Version   int64     `json:"version" bson:"version"`
	CreatedAt time.Time `json:"created_at" bson:"createdAt"`
	UpdatedAt time.Time `json:"updated_at" bson:"updatedAt"`
}

// HasPart reports whether a chunk with the given part number is stored.
func (f *File) HasPart(part int) bool {
	return lo.ContainsBy(f.Chunks, func(c ChunkRef) bool { return c.PartNumber == part })
}

// StoredSize is the sum of the stored chunk sizes.
func (f *File) StoredSize() int64 {
	return lo.SumBy(f.Chunks, func(c ChunkRef) int64 { return c.Size })
}

// SortChunks orders the chunk list by part number.
func (f *File) SortChunks() {
	sort.Slice(f.Chunks, func(i, j int) bool { return f.Chunks[i].PartNumber < f.Chunks[j].PartNumber })
}

// ShareExpired reports whether the share link has passed its expiry at now.
func (f *File) ShareExpired(now time.Time) bool {
	return f.ShareExpiry != nil && now.After(*f.ShareExpiry)
}

// Folder is a node in a user's folder tree.
type Folder struct {
	ID        string     `json:"id" bson:"_id"`
	Name      string     `json:"name" bson:"name"`
	ParentID  string     `json:"parent_id,omitempty" bson:"parentId,omitempty"`
	OwnerID   string     `json:"owner_id" bson:"ownerId"`
	IsDeleted bool       `json:"is_deleted" bson:"isDeleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" bson:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"createdAt"`
}

// User carries storage accounting for one account.
type User struct {
	ID           string `json:"id" bson:"_id"`
	StorageUsed  int64  `json:"storage_used" bson:"storageUsed"`
	StorageLimit int64  `json:"storage_limit" bson:"storageLimit"`
}

// Available returns the bytes left under the limit, never negative.
func (u *User) Available() int64 {
	if u.StorageUsed >= u.StorageLimit {
		return 0
	}
	return u.StorageLimit - u.StorageUsed
}
