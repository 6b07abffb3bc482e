// Package storage implements chunked files on top of the blob backend: the
// chunk assembler that records uploads, the range reconstructor that streams
// them back, and the lifecycle services for trash, purge, quota and sharing.
package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/metadata"
)

// DefaultChunkSize is the chunk size clients are expected to use and the
// largest payload accepted for a single chunk.
const DefaultChunkSize int64 = 20 << 20

const defaultMimeType = "application/octet-stream"

// ChunkRequest is the metadata sent with one chunk payload.
type ChunkRequest struct {
	FileName    string `json:"fileName" validate:"required,max=1024"`
	TotalChunks int    `json:"totalChunks" validate:"required,gte=1"`
	ChunkIndex  int    `json:"chunkIndex" validate:"gte=0,ltfield=TotalChunks"`
	MimeType    string `json:"mimeType" validate:"omitempty,max=255"`
	TotalSize   int64  `json:"totalSize" validate:"gte=0"`
	ChunkSize   int64  `json:"chunkSize" validate:"gte=0"` // 0 = not given
	FileID      string `json:"fileId" validate:"omitempty,max=64"`
	FolderID    string `json:"folderId" validate:"omitempty,max=64"`
}

// ChunkResult is the upload progress after a chunk was accepted.
type ChunkResult struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Uploaded   int    `json:"uploaded"`
	Total      int    `json:"total"`
	Complete   bool   `json:"complete"`
}

// AssemblerConfig wires the assembler's collaborators.
type AssemblerConfig struct {
	Backend      blob.Backend
	Queue        *dispatch.Queue
	Store        metadata.Store
	Accountant   *Accountant
	Events       *events.Broadcaster // optional
	Metrics      *Metrics            // optional
	Logger       zerolog.Logger
	MaxChunkSize int64 // default DefaultChunkSize
}

// Assembler accepts chunk uploads and maintains the file's chunk list until the
// last chunk finalizes it.
type Assembler struct {
	backend      blob.Backend
	queue        *dispatch.Queue
	store        metadata.Store
	accountant   *Accountant
	events       *events.Broadcaster
	metrics      *Metrics
	logger       zerolog.Logger
	maxChunkSize int64
	validate     *validator.Validate
}

// NewAssembler creates an assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultChunkSize
	}
	if cfg.Accountant == nil {
		cfg.Accountant = NewAccountant(cfg.Store, 0)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return &Assembler{
		backend:      cfg.Backend,
		queue:        cfg.Queue,
		store:        cfg.Store,
		accountant:   cfg.Accountant,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "assembler").Logger(),
		maxChunkSize: cfg.MaxChunkSize,
		validate:     v,
	}
}

// StoreChunk uploads one chunk and records it against its file. The first
// chunk of a file (no FileID) creates the record; the chunk that brings the
// stored count to TotalChunks finalizes it and charges the owner's quota.
//
// Resubmitting a part that is already stored returns the current progress
// without touching the backend.
func (a *Assembler) StoreChunk(ctx context.Context, ownerID string, req ChunkRequest, payload []byte) (*ChunkResult, error) {
	if err := a.validateRequest(req, payload); err != nil {
		return nil, err
	}

	var existing *metadata.File
	if req.FileID != "" {
		f, err := a.ownedFile(ctx, ownerID, req.FileID)
		if err != nil {
			return nil, err
		}
		if f.UploadComplete {
			return nil, ErrUploadComplete
		}
		if f.TotalChunks != req.TotalChunks {
			return nil, &ValidationError{
				Field:  "totalChunks",
				Reason: fmt.Sprintf("file expects %d chunks, got %d", f.TotalChunks, req.TotalChunks),
			}
		}
		if f.HasPart(req.ChunkIndex) {
			a.metrics.chunkDeduped()
			a.logger.Debug().Str("file_id", f.ID).Int("chunk", req.ChunkIndex).Msg("chunk already stored")
			return progress(f, req.ChunkIndex), nil
		}
		// Stored bytes are charged only at finalization, so they count here.
		if err := a.checkQuota(ctx, ownerID, f.StoredSize()+int64(len(payload))); err != nil {
			return nil, err
		}
		existing = f
	} else {
		if err := a.checkFirstChunk(ctx, ownerID, req, int64(len(payload))); err != nil {
			return nil, err
		}
	}

	name := fmt.Sprintf("%s.part%d", req.FileName, req.ChunkIndex)
	h, err := a.upload(ctx, name, payload)
	if err != nil {
		return nil, fmt.Errorf("upload chunk %d of %s: %w", req.ChunkIndex, req.FileName, err)
	}
	a.metrics.chunkStored(len(payload))

	// The chunk is on the backend; recording it must not depend on the caller
	// staying connected.
	ctx = context.WithoutCancel(ctx)

	ref := metadata.ChunkRef{
		PartNumber: req.ChunkIndex,
		BlobID:     h.ID,
		BlobRef:    h.Ref,
		Size:       int64(len(payload)),
	}

	var (
		f         *metadata.File
		finalized bool
	)
	if existing == nil {
		f, finalized, err = a.createFile(ctx, ownerID, req, payload, ref)
	} else {
		f, finalized, err = a.appendChunk(ctx, ownerID, existing.ID, ref)
	}
	if err != nil {
		a.discardBlob(ref, name)
		return nil, err
	}

	a.events.Publish(events.Event{
		Type:     events.ChunkStored,
		UserID:   ownerID,
		FileID:   f.ID,
		Name:     f.Name,
		Chunk:    req.ChunkIndex,
		Uploaded: len(f.Chunks),
		Total:    f.TotalChunks,
	})

	if finalized {
		a.finalize(ctx, f, req.TotalSize)
	}

	return progress(f, req.ChunkIndex), nil
}

func (a *Assembler) validateRequest(req ChunkRequest, payload []byte) error {
	if err := a.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if int64(len(payload)) > a.maxChunkSize {
		return &ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("chunk of %d bytes exceeds limit of %d", len(payload), a.maxChunkSize),
		}
	}
	if req.ChunkSize > 0 && req.ChunkSize != int64(len(payload)) {
		return &ValidationError{
			Field:  "chunkSize",
			Reason: fmt.Sprintf("declared %d bytes, received %d", req.ChunkSize, len(payload)),
		}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ltfield":
		return "must be less than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " long"
	}
	return "failed " + fe.Tag()
}

// upload runs the backend upload through the queue. If the caller stops waiting
// the task still runs, and the blob it produces is discarded.
func (a *Assembler) upload(ctx context.Context, name string, payload []byte) (blob.Handle, error) {
	fut := a.queue.Enqueue("upload", func(ctx context.Context) (any, error) {
		return a.backend.Upload(ctx, name, payload)
	})
	v, err := fut.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			go a.discardAbandoned(fut, name)
		}
		return blob.Handle{}, err
	}
	h, ok := v.(blob.Handle)
	if !ok {
		return blob.Handle{}, fmt.Errorf("upload %s: unexpected result type %T", name, v)
	}
	return h, nil
}

// discardAbandoned waits for an upload nobody is waiting on and deletes its blob.
func (a *Assembler) discardAbandoned(fut *dispatch.Future, name string) {
	v, err := fut.Wait(context.Background())
	if err != nil {
		return
	}
	h, ok := v.(blob.Handle)
	if !ok {
		return
	}
	a.logger.Info().Str("name", name).Str("blob_ref", h.Ref).Msg("upload abandoned by client, discarding chunk")
	a.discardBlob(metadata.ChunkRef{BlobID: h.ID, BlobRef: h.Ref}, name)
}

// checkQuota fails with ErrQuotaExceeded when bytes more would not fit.
func (a *Assembler) checkQuota(ctx context.Context, ownerID string, bytes int64) error {
	ok, err := a.accountant.CanAllocate(ctx, ownerID, bytes)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

// checkFirstChunk enforces quota and the target folder for a new file.
func (a *Assembler) checkFirstChunk(ctx context.Context, ownerID string, req ChunkRequest, payloadSize int64) error {
	if err := a.checkQuota(ctx, ownerID, max(req.TotalSize, payloadSize)); err != nil {
		return err
	}

	if req.FolderID != "" {
		folder, err := a.store.GetFolder(ctx, req.FolderID)
		if err != nil {
			return fmt.Errorf("load folder %s: %w", req.FolderID, err)
		}
		if folder.OwnerID != ownerID || folder.IsDeleted {
			return fmt.Errorf("folder %s: %w", req.FolderID, ErrNotFound)
		}
	}
	return nil
}

func (a *Assembler) ownedFile(ctx context.Context, ownerID, id string) (*metadata.File, error) {
	f, err := a.store.GetFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load file %s: %w", id, err)
	}
	if f.OwnerID != ownerID || f.IsDeleted {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, nil
}

func (a *Assembler) createFile(ctx context.Context, ownerID string, req ChunkRequest, payload []byte, ref metadata.ChunkRef) (*metadata.File, bool, error) {
	mime := req.MimeType
	if mime == "" {
		mime = defaultMimeType
		if req.ChunkIndex == 0 {
			mime = mimetype.Detect(payload).String()
		}
	}

	f := &metadata.File{
		ID:          uuid.NewString(),
		Name:        req.FileName,
		Size:        req.TotalSize,
		MimeType:    mime,
		OwnerID:     ownerID,
		FolderID:    req.FolderID,
		Chunks:      []metadata.ChunkRef{ref},
		TotalChunks: req.TotalChunks,
	}
	finalized := completeIfFull(f)
	if err := a.store.CreateFile(ctx, f); err != nil {
		return nil, false, fmt.Errorf("create file record: %w", err)
	}
	return f, finalized, nil
}

// appendChunk records ref inside an optimistic update. A concurrent request may
// have stored the same part first; the earlier blob wins.
func (a *Assembler) appendChunk(ctx context.Context, ownerID, fileID string, ref metadata.ChunkRef) (*metadata.File, bool, error) {
	var finalized, duplicate bool

	f, err := a.store.UpdateFile(ctx, fileID, func(f *metadata.File) error {
		finalized, duplicate = false, false
		if f.OwnerID != ownerID || f.IsDeleted {
			return ErrNotFound
		}
		if f.HasPart(ref.PartNumber) {
			duplicate = true
			return nil
		}
		if f.UploadComplete {
			return ErrUploadComplete
		}
		f.Chunks = append(f.Chunks, ref)
		finalized = completeIfFull(f)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("record chunk %d of %s: %w", ref.PartNumber, fileID, err)
	}

	if duplicate {
		a.metrics.chunkDeduped()
		a.logger.Info().Str("file_id", fileID).Int("chunk", ref.PartNumber).Msg("chunk stored concurrently, discarding duplicate blob")
		a.discardBlob(ref, fmt.Sprintf("%s.part%d", f.Name, ref.PartNumber))
	}
	return f, finalized, nil
}

// completeIfFull marks f complete when every chunk is present and reports
// whether this call made that transition.
func completeIfFull(f *metadata.File) bool {
	if f.UploadComplete || len(f.Chunks) < f.TotalChunks {
		return false
	}
	f.SortChunks()
	f.UploadComplete = true
	if stored := f.StoredSize(); stored != f.Size {
		f.Size = stored
	}
	return true
}

// finalize charges the owner for the completed file. It runs exactly once per
// file, on the request that completed it.
func (a *Assembler) finalize(ctx context.Context, f *metadata.File, declared int64) {
	if f.Size != declared {
		a.logger.Warn().
			Str("file_id", f.ID).
			Int64("declared", declared).
			Int64("stored", f.Size).
			Msg("declared size differs from stored chunks, using stored size")
	}

	if _, err := a.accountant.Charge(ctx, f.OwnerID, f.Size); err != nil {
		a.logger.Error().Err(err).Str("file_id", f.ID).Int64("size", f.Size).Msg("failed to charge storage for completed file")
	}
	a.metrics.fileFinalized()
	a.logger.Info().Str("file_id", f.ID).Str("name", f.Name).Int("chunks", f.TotalChunks).Int64("size", f.Size).Msg("upload complete")

	a.events.Publish(events.Event{
		Type:     events.FileCompleted,
		UserID:   f.OwnerID,
		FileID:   f.ID,
		FolderID: f.FolderID,
		Name:     f.Name,
		Uploaded: len(f.Chunks),
		Total:    f.TotalChunks,
		Size:     f.Size,
	})
}

// discardBlob queues a best-effort delete of a blob that ended up unreferenced.
// The caller does not wait for it.
func (a *Assembler) discardBlob(ref metadata.ChunkRef, name string) {
	f := a.queue.Enqueue("delete", func(ctx context.Context) (any, error) {
		return nil, a.backend.Delete(ctx, ref.BlobRef)
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := f.Wait(ctx); err != nil {
			a.logger.Warn().Err(err).Str("blob_ref", ref.BlobRef).Str("name", name).Msg("failed to delete orphaned chunk")
		}
	}()
}

func progress(f *metadata.File, chunk int) *ChunkResult {
	return &ChunkResult{
		FileID:     f.ID,
		ChunkIndex: chunk,
		Uploaded:   len(f.Chunks),
		Total:      f.TotalChunks,
		Complete:   f.UploadComplete,
	}
}
