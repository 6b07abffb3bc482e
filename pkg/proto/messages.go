// Package proto defines the JSON messages exchanged between the telefile
// server and its clients.
package proto

import "time"

// Multipart form fields of a chunk upload.
const (
	FieldFile        = "file"
	FieldFileName    = "fileName"
	FieldChunkIndex  = "chunkIndex"
	FieldTotalChunks = "totalChunks"
	FieldMimeType    = "mimeType"
	FieldTotalSize   = "totalSize"
	FieldChunkSize   = "chunkSize"
	FieldFileID      = "fileId"
	FieldFolderID    = "folderId"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// UploadResponse is returned for every accepted chunk.
type UploadResponse struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Uploaded   int    `json:"uploaded"`
	Total      int    `json:"total"`
	Complete   bool   `json:"complete"`
}

// File is the public view of a file record.
type File struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Size           int64      `json:"size"`
	MimeType       string     `json:"mimeType"`
	FolderID       string     `json:"folderId,omitempty"`
	TotalChunks    int        `json:"totalChunks"`
	UploadComplete bool       `json:"uploadComplete"`
	IsDeleted      bool       `json:"isDeleted"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	Shared         bool       `json:"shared"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Folder is the public view of a folder record.
type Folder struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ParentID  string     `json:"parentId,omitempty"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// FileResponse answers soft delete and restore of a file.
type FileResponse struct {
	Message string `json:"message"`
	File    *File  `json:"file,omitempty"`
}

// FolderResponse answers trash and restore of a folder. The counts are only
// set for a trash.
type FolderResponse struct {
	Message string  `json:"message"`
	Folder  *Folder `json:"folder,omitempty"`
	Folders int     `json:"folders,omitempty"`
	Files   int     `json:"files,omitempty"`
}

// PermanentDeleteResponse reports a permanent delete. Warnings lists chunks the
// backend did not remove.
type PermanentDeleteResponse struct {
	Message  string   `json:"message"`
	Warnings []string `json:"warnings"`
	Skipped  bool     `json:"skipped,omitempty"`
}

// ShareRequest asks for a share link. Without ExpiresInDays any existing
// expiry is kept.
type ShareRequest struct {
	ExpiresInDays *int `json:"expiresInDays,omitempty"`
}

// ShareResponse carries an issued share link.
type ShareResponse struct {
	ShareLink string     `json:"shareLink"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SharedFile is what anonymous holders of a share link may see.
type SharedFile struct {
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	MimeType  string     `json:"mimeType"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"shareExpiry,omitempty"`
}

// ShareInfoResponse wraps SharedFile.
type ShareInfoResponse struct {
	File SharedFile `json:"file"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// QuotaResponse reports a user's storage usage.
type QuotaResponse struct {
	UsedBytes      int64   `json:"used_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// VolumeStats describes the local disk behind a filesystem backend.
type VolumeStats struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string       `json:"status"`
	Version     string       `json:"version,omitempty"`
	Backend     string       `json:"backend"`
	QueueLength int          `json:"queue_length"`
	QueueBusy   bool         `json:"queue_busy"`
	Subscribers int          `json:"subscribers"`
	MaxChunk    int64        `json:"max_chunk_size,omitempty"`
	Volume      *VolumeStats `json:"volume,omitempty"`
}
