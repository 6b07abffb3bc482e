package storage

import (
	"context"
	"fmt"

	"github.com/telefile/telefile/internal/metadata"
)

// QuotaStats summarizes a user's storage usage.
type QuotaStats struct {
	UsedBytes      int64   `json:"used_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// Accountant tracks per-user storage usage against the user's limit. Usage is
// persisted in the metadata store so every instance sharing it agrees.
type Accountant struct {
	store        metadata.Store
	defaultLimit int64
}

// NewAccountant creates an accountant. Users seen for the first time get
// defaultLimit bytes; zero selects metadata.DefaultStorageLimit.
func NewAccountant(store metadata.Store, defaultLimit int64) *Accountant {
	if defaultLimit <= 0 {
		defaultLimit = metadata.DefaultStorageLimit
	}
	return &Accountant{store: store, defaultLimit: defaultLimit}
}

// User returns the user's record, creating it on first sight.
func (a *Accountant) User(ctx context.Context, userID string) (*metadata.User, error) {
	u, err := a.store.EnsureUser(ctx, userID, a.defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return u, nil
}

// CanAllocate checks if bytes more would fit under the user's limit.
func (a *Accountant) CanAllocate(ctx context.Context, userID string, bytes int64) (bool, error) {
	u, err := a.User(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.StorageUsed+bytes <= u.StorageLimit, nil
}

// Charge adds bytes to the user's usage and returns the new total.
func (a *Accountant) Charge(ctx context.Context, userID string, bytes int64) (int64, error) {
	if _, err := a.User(ctx, userID); err != nil {
		return 0, err
	}
	used, err := a.store.AdjustStorageUsed(ctx, userID, bytes)
	if err != nil {
		return 0, fmt.Errorf("charge %d bytes to %s: %w", bytes, userID, err)
	}
	return used, nil
}

// Release subtracts bytes from the user's usage. Usage never drops below zero.
func (a *Accountant) Release(ctx context.Context, userID string, bytes int64) (int64, error) {
	used, err := a.store.AdjustStorageUsed(ctx, userID, -bytes)
	if err != nil {
		return 0, fmt.Errorf("release %d bytes from %s: %w", bytes, userID, err)
	}
	return used, nil
}

// Stats returns current quota statistics for the user.
func (a *Accountant) Stats(ctx context.Context, userID string) (QuotaStats, error) {
	u, err := a.User(ctx, userID)
	if err != nil {
		return QuotaStats{}, err
	}
	stats := QuotaStats{
		UsedBytes:      u.StorageUsed,
		LimitBytes:     u.StorageLimit,
		AvailableBytes: u.Available(),
	}
	if u.StorageLimit > 0 {
		stats.UsedPercent = float64(u.StorageUsed) / float64(u.StorageLimit) * 100
	}
	return stats, nil
}
