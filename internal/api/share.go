package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/skip2/go-qrcode"
	"github.com/telefile/telefile/pkg/proto"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req proto.ShareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFieldSize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	info, err := s.cfg.Lifecycle.Share(r.Context(), userID(r.Context()), r.PathValue("id"), req.ExpiresInDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ShareResponse{
		ShareLink: s.shareLink(info.Token),
		Token:     info.Token,
		ExpiresAt: info.ExpiresAt,
	})
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Lifecycle.Unshare(r.Context(), userID(r.Context()), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.MessageResponse{Message: "Share link removed"})
}

// handleShareQR renders the file's existing share link as a PNG QR code.
func (s *Server) handleShareQR(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.File(r.Context(), userID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.ShareToken == "" || f.IsDeleted {
		s.jsonError(w, "file is not shared", http.StatusNotFound)
		return
	}

	size := defaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.jsonError(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = min(max(n, minQRSize), maxQRSize)
	}

	png, err := qrcode.Encode(s.absoluteShareLink(r, f.ShareToken), qrcode.Medium, size)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("encode qr code: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "private, no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.ResolveShare(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ShareInfoResponse{File: proto.SharedFile{
		Name:      f.Name,
		Size:      f.Size,
		MimeType:  f.MimeType,
		CreatedAt: f.CreatedAt,
		ExpiresAt: f.ShareExpiry,
	}})
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Lifecycle.ResolveShare(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveFile(w, r, f, "attachment", "")
}

// shareLink is the link handed to the owner. It is relative unless a public
// URL is configured.
func (s *Server) shareLink(token string) string {
	return s.cfg.PublicURL + "/share/" + token
}

// absoluteShareLink always includes scheme and host, falling back to the
// request's own.
func (s *Server) absoluteShareLink(r *http.Request, token string) string {
	if s.cfg.PublicURL != "" {
		return s.shareLink(token)
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/share/" + token
}
