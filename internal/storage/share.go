package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/metadata"
)

// shareTokenBytes is the entropy of a share token before hex encoding.
const shareTokenBytes = 24

// ShareInfo describes an issued share link.
type ShareInfo struct {
	FileID    string     `json:"fileId"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Share issues a share token for a finalized, non-trashed file, or returns the
// existing one. When expiresInDays is given the expiry is reset from now;
// otherwise any existing expiry is kept.
func (l *Lifecycle) Share(ctx context.Context, ownerID, id string, expiresInDays *int) (*ShareInfo, error) {
	if expiresInDays != nil && *expiresInDays < 0 {
		return nil, &ValidationError{Field: "expiresInDays", Reason: "must not be negative"}
	}

	now := l.now().UTC()
	f, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		if f.OwnerID != ownerID || f.IsDeleted {
			return ErrNotFound
		}
		if !f.UploadComplete {
			return ErrIncompleteUpload
		}
		if f.ShareToken == "" {
			token, err := newShareToken()
			if err != nil {
				return err
			}
			f.ShareToken = token
		}
		if expiresInDays != nil && *expiresInDays > 0 {
			exp := now.Add(time.Duration(*expiresInDays) * 24 * time.Hour)
			f.ShareExpiry = &exp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("share file %s: %w", id, err)
	}

	l.events.Publish(events.Event{Type: events.FileShared, UserID: ownerID, FileID: id, Name: f.Name})
	return &ShareInfo{FileID: f.ID, Token: f.ShareToken, ExpiresAt: f.ShareExpiry}, nil
}

// Unshare removes the share token and expiry.
func (l *Lifecycle) Unshare(ctx context.Context, ownerID, id string) error {
	f, err := l.store.UpdateFile(ctx, id, func(f *metadata.File) error {
		if f.OwnerID != ownerID {
			return ErrNotFound
		}
		f.ShareToken = ""
		f.ShareExpiry = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("unshare file %s: %w", id, err)
	}
	l.events.Publish(events.Event{Type: events.FileUnshared, UserID: ownerID, FileID: id, Name: f.Name})
	return nil
}

// ResolveShare returns the file behind a public share token. Unknown tokens,
// trashed files and unfinished uploads are ErrNotFound; a passed expiry is
// ErrShareExpired.
func (l *Lifecycle) ResolveShare(ctx context.Context, token string) (*metadata.File, error) {
	f, err := l.store.FindFileByShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if f.IsDeleted || !f.UploadComplete {
		return nil, ErrNotFound
	}
	if f.ShareExpired(l.now()) {
		return nil, ErrShareExpired
	}
	return f, nil
}

func newShareToken() (string, error) {
	b := make([]byte, shareTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
