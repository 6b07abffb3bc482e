package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/metadata"
)

// DefaultPurgeClaimTTL is how long a permanent-delete claim blocks duplicates.
// A claim older than this is considered abandoned and may be taken over.
const DefaultPurgeClaimTTL = time.Hour

var (
	errPurgeInProgress = errors.New("purge already in progress")
	errPurgeTakenOver  = errors.New("purge taken over")
)

// LifecycleConfig wires the lifecycle service.
type LifecycleConfig struct {
	Backend       blob.Backend
	Queue         *dispatch.Queue
	Store         metadata.Store
	Accountant    *Accountant
	Events        *events.Broadcaster // optional
	Metrics       *Metrics            // optional
	Logger        zerolog.Logger
	PurgeClaimTTL time.Duration    // default DefaultPurgeClaimTTL
	Now           func() time.Time // default time.Now
}

// Lifecycle moves files and folders through trash, restore and permanent
// deletion, and manages share links.
type Lifecycle struct {
	backend    blob.Backend
	queue      *dispatch.Queue
	store      metadata.Store
	accountant *Accountant
	events     *events.Broadcaster
	metrics    *Metrics
	logger     zerolog.Logger
	claimTTL   time.Duration
	now        func() time.Time
}

// NewLifecycle creates the lifecycle service.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.PurgeClaimTTL <= 0 {
		cfg.PurgeClaimTTL = DefaultPurgeClaimTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Accountant == nil {
		cfg.Accountant = NewAccountant(cfg.Store, 0)
	}
	return &Lifecycle{
		backend:    cfg.Backend,
		queue:      cfg.Queue,
		store:      cfg.Store,
		accountant: cfg.Accountant,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "lifecycle").Logger(),
		claimTTL:   cfg.PurgeClaimTTL,
		now:        cfg.Now,
	}
}

// File returns the caller's file, hiding files owned by others.
func (l *Lifecycle) File(ctx context.Context, ownerID, id string) (*metadata.File, error) {
	f, err := l.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return f, nil
}

// SoftDeleteFile moves a file to the trash. Nothing changes on the backend and
// quota is untouched. Trashing an already trashed file keeps its DeletedAt.
func (l *Lifecycle) SoftDeleteFile(ctx context.Context, ownerID, id string) (*metadata.File, error) {
	now := l.now().UTC()
	f, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		if f.OwnerID != ownerID {
			return ErrNotFound
		}
		trashFile(f, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trash file %s: %w", id, err)
	}
	l.events.Publish(events.Event{Type: events.FileTrashed, UserID: ownerID, FileID: id, Name: f.Name})
	return f, nil
}

// RestoreFile takes a file out of the trash. Ancestor folders stay trashed.
func (l *Lifecycle) RestoreFile(ctx context.Context, ownerID, id string) (*metadata.File, error) {
	f, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		if f.OwnerID != ownerID || !f.IsDeleted {
			return ErrNotFound
		}
		f.IsDeleted = false
		f.DeletedAt = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore file %s: %w", id, err)
	}
	l.events.Publish(events.Event{Type: events.FileRestored, UserID: ownerID, FileID: id, Name: f.Name})
	return f, nil
}

// CascadeReport counts what a folder trash touched.
type CascadeReport struct {
	Folders int `json:"folders"`
	Files   int `json:"files"`
}

// SoftDeleteFolder trashes a folder, every folder below it and every file in
// any of them. The walk uses an explicit stack and a visited set, so deep or
// cyclic parent links cannot exhaust the call stack or loop forever.
func (l *Lifecycle) SoftDeleteFolder(ctx context.Context, ownerID, id string) (*CascadeReport, error) {
	root, err := l.store.GetFolder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("trash folder %s: %w", id, err)
	}
	if root.OwnerID != ownerID {
		return nil, fmt.Errorf("trash folder %s: %w", id, ErrNotFound)
	}

	now := l.now().UTC()
	report := &CascadeReport{}
	visited := map[string]struct{}{}
	stack := []string{id}

	for len(stack) > 0 {
		folderID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[folderID]; seen {
			continue
		}
		visited[folderID] = struct{}{}

		if _, err := l.store.UpdateFolder(ctx, folderID, func(f *metadata.Folder) error {
			if !f.IsDeleted {
				f.IsDeleted = true
				f.DeletedAt = &now
			}
			return nil
		}); err != nil {
			return report, fmt.Errorf("trash folder %s: %w", folderID, err)
		}
		report.Folders++

		files, err := l.store.ListFiles(ctx, metadata.FileFilter{OwnerID: ownerID, FolderID: &folderID})
		if err != nil {
			return report, fmt.Errorf("list files in %s: %w", folderID, err)
		}
		for _, file := range files {
			if file.IsDeleted {
				continue
			}
			if _, err := l.store.UpdateFile(ctx, file.ID, func(f *metadata.File) error {
				trashFile(f, now)
				return nil
			}); err != nil && !errors.Is(err, metadata.ErrNotFound) {
				return report, fmt.Errorf("trash file %s: %w", file.ID, err)
			}
			report.Files++
		}

		children, err := l.store.ListFolders(ctx, metadata.FolderFilter{OwnerID: ownerID, ParentID: &folderID})
		if err != nil {
			return report, fmt.Errorf("list folders in %s: %w", folderID, err)
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; !seen {
				stack = append(stack, child.ID)
			}
		}
	}

	l.logger.Info().Str("folder_id", id).Int("folders", report.Folders).Int("files", report.Files).Msg("folder moved to trash")
	l.events.Publish(events.Event{Type: events.FolderTrashed, UserID: ownerID, FolderID: id, Name: root.Name})
	return report, nil
}

// RestoreFolder clears the trash flag of this folder only. Its contents keep
// their own state.
func (l *Lifecycle) RestoreFolder(ctx context.Context, ownerID, id string) (*metadata.Folder, error) {
	f, err := l.store.UpdateFolder(ctx, id, func(f *metadata.Folder) error {
		if f.OwnerID != ownerID || !f.IsDeleted {
			return ErrNotFound
		}
		f.IsDeleted = false
		f.DeletedAt = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore folder %s: %w", id, err)
	}
	l.events.Publish(events.Event{Type: events.FolderRestored, UserID: ownerID, FolderID: id, Name: f.Name})
	return f, nil
}

// DeleteReport describes the outcome of a permanent delete.
type DeleteReport struct {
	FileID   string   `json:"fileId"`
	Chunks   int      `json:"chunks"`
	Deleted  int      `json:"deleted"`
	Marked   int      `json:"marked"`
	Released int64    `json:"released"`
	Warnings []string `json:"warnings"`
	Skipped  bool     `json:"skipped"`
}

// PermanentDelete removes a file's chunks from the backend and its record from
// the store. A claim recorded on the file makes concurrent duplicates return a
// skipped report instead of issuing their own deletes. Chunk delete failures
// are reported as warnings; the record is removed regardless.
//
// The claim is renewed after every chunk and each handled chunk is recorded, so
// a purge that takes over an abandoned claim only deletes what is left. The
// quota release is recorded on the file before it happens and is never repeated.
func (l *Lifecycle) PermanentDelete(ctx context.Context, ownerID, id string) (*DeleteReport, error) {
	now := l.now().UTC()
	purgeID := uuid.NewString()
	f, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		if f.OwnerID != ownerID {
			return ErrNotFound
		}
		if f.PurgeStartedAt != nil && now.Sub(*f.PurgeStartedAt) < l.claimTTL {
			return errPurgeInProgress
		}
		f.PurgeStartedAt = &now
		f.PurgeID = purgeID
		return nil
	})
	if errors.Is(err, errPurgeInProgress) {
		l.metrics.purge("skipped", 0)
		l.logger.Info().Str("file_id", id).Msg("permanent delete already in progress")
		return &DeleteReport{FileID: id, Skipped: true, Warnings: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim file %s: %w", id, err)
	}

	// Once claimed the purge runs to the end even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	report := &DeleteReport{FileID: id, Chunks: len(f.Chunks), Warnings: []string{}}
	for _, c := range f.Chunks {
		if c.Purged {
			continue
		}
		l.deleteChunk(ctx, f, c, report)
		if err := l.renewPurge(ctx, id, purgeID, c.PartNumber); err != nil {
			return l.abandonPurge(id, report, err)
		}
	}

	release, err := l.claimRelease(ctx, id, purgeID)
	if err != nil {
		return l.abandonPurge(id, report, err)
	}
	if release {
		if _, err := l.accountant.Release(ctx, ownerID, f.Size); err != nil {
			l.logger.Error().Err(err).Str("file_id", id).Int64("size", f.Size).Msg("failed to release storage")
			report.Warnings = append(report.Warnings, fmt.Sprintf("storage accounting: %v", err))
		} else {
			report.Released = f.Size
		}
	}

	if err := l.store.DeleteFile(ctx, id); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return report, fmt.Errorf("delete file record %s: %w", id, err)
	}

	result := "ok"
	if len(report.Warnings) > 0 {
		result = "partial"
	}
	l.metrics.purge(result, len(report.Warnings))
	l.logger.Info().
		Str("file_id", id).
		Int("chunks", report.Chunks).
		Int("deleted", report.Deleted).
		Int("warnings", len(report.Warnings)).
		Msg("file permanently deleted")
	l.events.Publish(events.Event{
		Type:     events.FilePurged,
		UserID:   ownerID,
		FileID:   id,
		Name:     f.Name,
		Size:     f.Size,
		Warnings: len(report.Warnings),
	})
	return report, nil
}

// renewPurge records a handled chunk and refreshes the claim. It fails with
// errPurgeTakenOver once another purge owns the file or the record is gone.
func (l *Lifecycle) renewPurge(ctx context.Context, id, purgeID string, part int) error {
	now := l.now().UTC()
	_, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		if f.PurgeID != purgeID {
			return errPurgeTakenOver
		}
		for i := range f.Chunks {
			if f.Chunks[i].PartNumber == part {
				f.Chunks[i].Purged = true
			}
		}
		f.PurgeStartedAt = &now
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return errPurgeTakenOver
	}
	return err
}

// claimRelease flips QuotaReleased and reports whether this purge must release
// the file's size. A completed file is released at most once.
func (l *Lifecycle) claimRelease(ctx context.Context, id, purgeID string) (bool, error) {
	var release bool
	_, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		release = false
		if f.PurgeID != purgeID {
			return errPurgeTakenOver
		}
		if f.UploadComplete && !f.QuotaReleased {
			f.QuotaReleased = true
			release = true
		}
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return false, errPurgeTakenOver
	}
	return release, err
}

// abandonPurge stops a purge that lost its claim. Work already done stays
// recorded for the purge that owns the file now.
func (l *Lifecycle) abandonPurge(id string, report *DeleteReport, err error) (*DeleteReport, error) {
	if !errors.Is(err, errPurgeTakenOver) {
		return report, fmt.Errorf("record purge progress of %s: %w", id, err)
	}
	l.metrics.purge("skipped", len(report.Warnings))
	l.logger.Warn().Str("file_id", id).Int("deleted", report.Deleted).Msg("permanent delete taken over by another request")
	report.Skipped = true
	report.Warnings = append(report.Warnings, "permanent delete taken over by another request")
	return report, nil
}

// deleteChunk issues one queued delete. When the backend refuses or fails and
// supports annotation, the blob is marked instead.
func (l *Lifecycle) deleteChunk(ctx context.Context, f *metadata.File, c metadata.ChunkRef, report *DeleteReport) {
	_, err := dispatch.Do(ctx, l.queue, "delete", func(ctx context.Context) (any, error) {
		return nil, l.backend.Delete(ctx, c.BlobRef)
	})
	if err == nil {
		report.Deleted++
		return
	}

	l.logger.Warn().Err(err).Str("file_id", f.ID).Int("chunk", c.PartNumber).Str("blob_ref", c.BlobRef).Msg("failed to delete chunk")
	warning := fmt.Sprintf("chunk %d: %v", c.PartNumber, err)

	if marker, ok := l.backend.(blob.Marker); ok {
		name := fmt.Sprintf("%s.part%d", f.Name, c.PartNumber)
		_, markErr := dispatch.Do(ctx, l.queue, "mark", func(ctx context.Context) (any, error) {
			return nil, marker.MarkDeleted(ctx, c.BlobRef, name)
		})
		if markErr == nil {
			report.Marked++
			warning += " (marked deleted)"
		} else {
			l.logger.Warn().Err(markErr).Str("file_id", f.ID).Int("chunk", c.PartNumber).Msg("failed to mark chunk deleted")
			warning += fmt.Sprintf(" (mark failed: %v)", markErr)
		}
	}
	report.Warnings = append(report.Warnings, warning)
}

func trashFile(f *metadata.File, now time.Time) {
	if f.IsDeleted {
		return
	}
	f.IsDeleted = true
	f.DeletedAt = &now
}
