package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const (
	filePrefix   = "file/"
	folderPrefix = "folder/"
	userPrefix   = "user/"
	sharePrefix  = "share/"
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Dir      string // ignored when InMemory
	InMemory bool
	Logger   zerolog.Logger
}

// Badger is the embedded Store implementation. Values are JSON documents keyed by
// "<kind>/<id>"; "share/<token>" indexes share links.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
}

var _ Store = (*Badger)(nil)

// OpenBadger opens (or creates) the database.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	logger := cfg.Logger.With().Str("component", "metadata").Logger()

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(badgerLogger{logger})
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadger(db, logger), nil
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB, logger zerolog.Logger) *Badger {
	return &Badger{db: db, logger: logger}
}

// Close closes the database.
func (s *Badger) Close() error {
	return s.db.Close()
}

// CreateFile inserts a new file record.
func (s *Badger) CreateFile(_ context.Context, f *File) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	f.Version = 1

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(filePrefix + f.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("file %s: %w", f.ID, ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if f.ShareToken != "" {
			if err := txn.Set([]byte(sharePrefix+f.ShareToken), []byte(f.ID)); err != nil {
				return err
			}
		}
		return setJSON(txn, key, f)
	})
}

// GetFile loads a file by id.
func (s *Badger) GetFile(_ context.Context, id string) (*File, error) {
	var f File
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(filePrefix+id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateFile applies fn inside a transaction and commits, retrying when another
// transaction touched the same record.
func (s *Badger) UpdateFile(ctx context.Context, id string, fn func(*File) error) (*File, error) {
	key := []byte(filePrefix + id)

	for attempt := 1; attempt <= MaxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var out File
		err := s.db.Update(func(txn *badger.Txn) error {
			var f File
			if err := getJSON(txn, key, &f); err != nil {
				return err
			}
			oldToken := f.ShareToken
			if err := fn(&f); err != nil {
				return err
			}
			f.ID = id
			f.Version++
			f.UpdatedAt = time.Now().UTC()

			if oldToken != f.ShareToken {
				if oldToken != "" {
					if err := txn.Delete([]byte(sharePrefix + oldToken)); err != nil {
						return err
					}
				}
				if f.ShareToken != "" {
					if err := txn.Set([]byte(sharePrefix+f.ShareToken), []byte(id)); err != nil {
						return err
					}
				}
			}
			out = f
			return setJSON(txn, key, &f)
		})
		if errors.Is(err, badger.ErrConflict) {
			s.logger.Debug().Str("file_id", id).Int("attempt", attempt).Msg("file update conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("update file %s: %w", id, ErrConflict)
}

// DeleteFile removes the record and its share index entry.
func (s *Badger) DeleteFile(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var f File
		if err := getJSON(txn, []byte(filePrefix+id), &f); err != nil {
			return err
		}
		if f.ShareToken != "" {
			if err := txn.Delete([]byte(sharePrefix + f.ShareToken)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(filePrefix + id))
	})
}

// ListFiles scans all files and returns those matching filter, oldest first.
func (s *Badger) ListFiles(_ context.Context, filter FileFilter) ([]*File, error) {
	var files []*File
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, filePrefix, func(v []byte) error {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode file: %w", err)
			}
			if filter.match(&f) {
				files = append(files, &f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	return files, nil
}

// FindFileByShareToken resolves a share token through the index.
func (s *Badger) FindFileByShareToken(_ context.Context, token string) (*File, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var f File
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sharePrefix + token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, []byte(filePrefix+string(id)), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFolder inserts a new folder record.
func (s *Badger) CreateFolder(_ context.Context, f *Folder) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(folderPrefix + f.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("folder %s: %w", f.ID, ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, f)
	})
}

// GetFolder loads a folder by id.
func (s *Badger) GetFolder(_ context.Context, id string) (*Folder, error) {
	var f Folder
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(folderPrefix+id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateFolder applies fn to the folder with the same retry rules as UpdateFile.
func (s *Badger) UpdateFolder(ctx context.Context, id string, fn func(*Folder) error) (*Folder, error) {
	key := []byte(folderPrefix + id)

	for attempt := 1; attempt <= MaxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var out Folder
		err := s.db.Update(func(txn *badger.Txn) error {
			var f Folder
			if err := getJSON(txn, key, &f); err != nil {
				return err
			}
			if err := fn(&f); err != nil {
				return err
			}
			f.ID = id
			out = f
			return setJSON(txn, key, &f)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("update folder %s: %w", id, ErrConflict)
}

// ListFolders returns folders matching filter, oldest first.
func (s *Badger) ListFolders(_ context.Context, filter FolderFilter) ([]*Folder, error) {
	var folders []*Folder
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, folderPrefix, func(v []byte) error {
			var f Folder
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode folder: %w", err)
			}
			if filter.match(&f) {
				folders = append(folders, &f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].CreatedAt.Before(folders[j].CreatedAt) })
	return folders, nil
}

// EnsureUser returns the user, creating it with defaultLimit if absent.
func (s *Badger) EnsureUser(_ context.Context, id string, defaultLimit int64) (*User, error) {
	var u User
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + id)
		err := getJSON(txn, key, &u)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		u = User{ID: id, StorageLimit: defaultLimit}
		return setJSON(txn, key, &u)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Lost a creation race; the winner's record is what we want.
		return s.GetUser(context.Background(), id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads a user by id.
func (s *Badger) GetUser(_ context.Context, id string) (*User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(userPrefix+id), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AdjustStorageUsed adds delta to the user's usage, floored at zero.
func (s *Badger) AdjustStorageUsed(ctx context.Context, id string, delta int64) (int64, error) {
	key := []byte(userPrefix + id)

	for attempt := 1; attempt <= MaxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var used int64
		err := s.db.Update(func(txn *badger.Txn) error {
			var u User
			if err := getJSON(txn, key, &u); err != nil {
				return err
			}
			u.StorageUsed = floorZero(u.StorageUsed + delta)
			used = u.StorageUsed
			return setJSON(txn, key, &u)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return used, nil
	}
	return 0, fmt.Errorf("adjust storage for %s: %w", id, ErrConflict)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger routes badger's printf-style logs into zerolog.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error().Msgf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn().Msgf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debug().Msgf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Trace().Msgf(f, v...) }
