package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/telefile/telefile/internal/metadata"
	"github.com/telefile/telefile/internal/storage"
	"github.com/telefile/telefile/pkg/proto"
)

const (
	// maxFieldSize bounds each non-file form field of a chunk upload.
	maxFieldSize = 4 << 10
	// multipartOverhead is the allowance for boundaries and fields on top of
	// the chunk payload.
	multipartOverhead = 1 << 20

	previewCacheControl = "private, max-age=3600"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkSize+multipartOverhead)

	req, payload, err := s.readChunk(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.writeError(w, r, err)
		return
	}

	res, err := s.cfg.Assembler.StoreChunk(r.Context(), userID(r.Context()), req, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.UploadResponse{
		FileID:     res.FileID,
		ChunkIndex: res.ChunkIndex,
		Uploaded:   res.Uploaded,
		Total:      res.Total,
		Complete:   res.Complete,
	})
}

// readChunk reads the multipart chunk upload. The file part is read up to one
// byte past the chunk limit so the assembler can reject oversized payloads.
func (s *Server) readChunk(r *http.Request) (storage.ChunkRequest, []byte, error) {
	var req storage.ChunkRequest

	mr, err := r.MultipartReader()
	if err != nil {
		return req, nil, &storage.ValidationError{Field: "body", Reason: "expected multipart/form-data"}
	}

	fields := make(map[string]string)
	var payload []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, nil, readError(err)
		}
		payload, err = readPart(part, fields, payload, s.cfg.MaxChunkSize)
		if err != nil {
			return req, nil, err
		}
	}

	req = storage.ChunkRequest{
		FileName: fields[proto.FieldFileName],
		MimeType: fields[proto.FieldMimeType],
		FileID:   fields[proto.FieldFileID],
		FolderID: fields[proto.FieldFolderID],
	}
	if req.ChunkIndex, err = formInt[int](fields, proto.FieldChunkIndex, true); err != nil {
		return req, nil, err
	}
	if req.TotalChunks, err = formInt[int](fields, proto.FieldTotalChunks, true); err != nil {
		return req, nil, err
	}
	if req.TotalSize, err = formInt[int64](fields, proto.FieldTotalSize, false); err != nil {
		return req, nil, err
	}
	if req.ChunkSize, err = formInt[int64](fields, proto.FieldChunkSize, false); err != nil {
		return req, nil, err
	}
	return req, payload, nil
}

func readPart(part *multipart.Part, fields map[string]string, payload []byte, maxChunk int64) ([]byte, error) {
	defer func() { _ = part.Close() }()

	name := part.FormName()
	if name == proto.FieldFile {
		data, err := io.ReadAll(io.LimitReader(part, maxChunk+1))
		if err != nil {
			return nil, readError(err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return nil, readError(err)
	}
	if len(data) > maxFieldSize {
		return nil, &storage.ValidationError{Field: name, Reason: "field too long"}
	}
	fields[name] = string(data)
	return payload, nil
}

func readError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return &storage.ValidationError{Field: "body", Reason: err.Error()}
}

// formInt parses an integer form field. A missing optional field is zero.
func formInt[T int | int64](fields map[string]string, name string, required bool) (T, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		if required {
			return 0, &storage.ValidationError{Field: name, Reason: "is required"}
		}
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &storage.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return T(n), nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.File(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveFile(w, r, f, "attachment", "")
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.File(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveFile(w, r, f, "inline", previewCacheControl)
}

// serveFile answers with the whole file or the requested byte range. The first
// chunk is fetched before headers are written so a backend failure still gets
// a proper error response.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, f *metadata.File, disposition, cacheControl string) {
	if !f.UploadComplete {
		s.writeError(w, r, storage.ErrIncompleteUpload)
		return
	}

	rng, err := storage.ParseRange(r.Header.Get("Range"), f.Size)
	if err != nil {
		w.Header().Set("Content-Range", storage.UnsatisfiedRange(f.Size))
		s.writeError(w, r, err)
		return
	}

	stream, err := s.cfg.Reconstructor.Open(r.Context(), f, rng)
	if err != nil {
		if errors.Is(err, storage.ErrRangeNotSatisfiable) {
			w.Header().Set("Content-Range", storage.UnsatisfiedRange(f.Size))
		}
		s.writeError(w, r, err)
		return
	}
	if r.Method != http.MethodHead {
		if err := stream.Prime(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Disposition", contentDisposition(disposition, f.Name))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(stream.Length(), 10))
	if cacheControl != "" {
		h.Set("Cache-Control", cacheControl)
	}

	status := http.StatusOK
	if stream.Partial() {
		h.Set("Content-Range", stream.Range().ContentRange(f.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := stream.WriteTo(w); err != nil {
		// Headers are out; the client sees a short body.
		log.Warn().Err(err).Str("file_id", f.ID).Msg("download interrupted")
	}
}

func contentDisposition(kind, name string) string {
	if v := mime.FormatMediaType(kind, map[string]string{"filename": name}); v != "" {
		return v
	}
	return kind
}

func (s *Server) handleTrashFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.SoftDeleteFile(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.FileResponse{Message: "File moved to trash", File: toProtoFile(f)})
}

func (s *Server) handleRestoreFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.RestoreFile(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.FileResponse{Message: "File restored", File: toProtoFile(f)})
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Lifecycle.PermanentDelete(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := proto.PermanentDeleteResponse{
		Message:  "File permanently deleted",
		Warnings: report.Warnings,
		Skipped:  report.Skipped,
	}
	if report.Skipped {
		resp.Message = "Permanent delete already in progress"
	} else if len(report.Warnings) > 0 {
		resp.Message = fmt.Sprintf("File permanently deleted; %d of %d chunks could not be removed from the backend",
			len(report.Warnings), report.Chunks)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrashFolder(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Lifecycle.SoftDeleteFolder(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.FolderResponse{
		Message: "Folder moved to trash",
		Folders: report.Folders,
		Files:   report.Files,
	})
}

func (s *Server) handleRestoreFolder(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.RestoreFolder(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.FolderResponse{Message: "Folder restored", Folder: toProtoFolder(f)})
}

func toProtoFile(f *metadata.File) *proto.File {
	return &proto.File{
		ID:             f.ID,
		Name:           f.Name,
		Size:           f.Size,
		MimeType:       f.MimeType,
		FolderID:       f.FolderID,
		TotalChunks:    f.TotalChunks,
		UploadComplete: f.UploadComplete,
		IsDeleted:      f.IsDeleted,
		DeletedAt:      f.DeletedAt,
		Shared:         f.ShareToken != "",
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

func toProtoFolder(f *metadata.Folder) *proto.Folder {
	return &proto.Folder{
		ID:        f.ID,
		Name:      f.Name,
		ParentID:  f.ParentID,
		IsDeleted: f.IsDeleted,
		DeletedAt: f.DeletedAt,
		CreatedAt: f.CreatedAt,
	}
}
