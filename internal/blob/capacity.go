package blob

// VolumeStats is a point-in-time view of the filesystem holding local blobs.
type VolumeStats struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// CapacityReporter is implemented by backends that can report their volume usage.
type CapacityReporter interface {
	Capacity() (VolumeStats, error)
}
