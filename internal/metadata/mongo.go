package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	filesCollection   = "files"
	foldersCollection = "folders"
	usersCollection   = "users"
)

// MongoConfig configures the MongoDB store.
type MongoConfig struct {
	URI      string
	Database string
	Logger   zerolog.Logger
}

// Mongo implements Store on MongoDB. Files carry a version field used as a
// compare-and-set guard by UpdateFile; documents written without one are
// treated as version 0.
//
// Collection and field names follow the original service, but ids are uuid
// strings. Documents keyed by ObjectId are not addressed by this store.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
	logger   zerolog.Logger
}

var _ Store = (*Mongo)(nil)

// OpenMongo connects, pings and ensures indexes.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Database == "" {
		cfg.Database = "telefile"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Mongo{
		client:   client,
		database: client.Database(cfg.Database),
		logger:   cfg.Logger.With().Str("component", "metadata").Logger(),
	}
	s.ensureIndexes(ctx)
	return s, nil
}

func (s *Mongo) ensureIndexes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fileIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "folderId", Value: 1}}},
		{Keys: bson.D{{Key: "isDeleted", Value: 1}, {Key: "ownerId", Value: 1}}},
		{
			Keys:    bson.D{{Key: "shareLinkToken", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	}
	if _, err := s.database.Collection(filesCollection).Indexes().CreateMany(ctx, fileIndexes); err != nil {
		s.logger.Warn().Err(err).Msg("failed to create file indexes")
	}

	folderIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "parentId", Value: 1}}},
	}
	if _, err := s.database.Collection(foldersCollection).Indexes().CreateMany(ctx, folderIndexes); err != nil {
		s.logger.Warn().Err(err).Msg("failed to create folder indexes")
	}
}

// Close disconnects the client.
func (s *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Mongo) files() *mongo.Collection   { return s.database.Collection(filesCollection) }
func (s *Mongo) folders() *mongo.Collection { return s.database.Collection(foldersCollection) }
func (s *Mongo) users() *mongo.Collection   { return s.database.Collection(usersCollection) }

// CreateFile inserts a new file record.
func (s *Mongo) CreateFile(ctx context.Context, f *File) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	f.Version = 1

	if _, err := s.files().InsertOne(ctx, f); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("file %s: %w", f.ID, ErrExists)
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile loads a file by id.
func (s *Mongo) GetFile(ctx context.Context, id string) (*File, error) {
	var f File
	if err := s.files().FindOne(ctx, bson.M{"_id": id}).Decode(&f); err != nil {
		return nil, mapMongoError(err)
	}
	return &f, nil
}

// UpdateFile reads the file, applies fn and replaces the document only if its
// version is unchanged. On a lost race it re-reads and tries again.
func (s *Mongo) UpdateFile(ctx context.Context, id string, fn func(*File) error) (*File, error) {
	for attempt := 1; attempt <= MaxUpdateAttempts; attempt++ {
		f, err := s.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := f.Version
		if err := fn(f); err != nil {
			return nil, err
		}
		f.ID = id
		f.Version = prev + 1
		f.UpdatedAt = time.Now().UTC()

		res, err := s.files().ReplaceOne(ctx, versionFilter(id, prev), f)
		if err != nil {
			return nil, fmt.Errorf("replace file: %w", err)
		}
		if res.MatchedCount == 1 {
			return f, nil
		}
		s.logger.Debug().Str("file_id", id).Int("attempt", attempt).Msg("file version moved, retrying")
	}
	return nil, fmt.Errorf("update file %s: %w", id, ErrConflict)
}

// DeleteFile removes the record.
func (s *Mongo) DeleteFile(ctx context.Context, id string) error {
	res, err := s.files().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFiles returns files matching filter, oldest first.
func (s *Mongo) ListFiles(ctx context.Context, filter FileFilter) ([]*File, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.files().Find(ctx, fileQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var files []*File
	if err := cursor.All(ctx, &files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return files, nil
}

// FindFileByShareToken looks a file up by its share link token.
func (s *Mongo) FindFileByShareToken(ctx context.Context, token string) (*File, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var f File
	if err := s.files().FindOne(ctx, bson.M{"shareLinkToken": token}).Decode(&f); err != nil {
		return nil, mapMongoError(err)
	}
	return &f, nil
}

// CreateFolder inserts a new folder record.
func (s *Mongo) CreateFolder(ctx context.Context, f *Folder) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if _, err := s.folders().InsertOne(ctx, f); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("folder %s: %w", f.ID, ErrExists)
		}
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

// GetFolder loads a folder by id.
func (s *Mongo) GetFolder(ctx context.Context, id string) (*Folder, error) {
	var f Folder
	if err := s.folders().FindOne(ctx, bson.M{"_id": id}).Decode(&f); err != nil {
		return nil, mapMongoError(err)
	}
	return &f, nil
}

// UpdateFolder applies fn and writes the folder back. Folder edits only toggle
// trash state, so a plain replace is sufficient.
func (s *Mongo) UpdateFolder(ctx context.Context, id string, fn func(*Folder) error) (*Folder, error) {
	f, err := s.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(f); err != nil {
		return nil, err
	}
	f.ID = id
	res, err := s.folders().ReplaceOne(ctx, bson.M{"_id": id}, f)
	if err != nil {
		return nil, fmt.Errorf("replace folder: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotFound
	}
	return f, nil
}

// ListFolders returns folders matching filter, oldest first.
func (s *Mongo) ListFolders(ctx context.Context, filter FolderFilter) ([]*Folder, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.folders().Find(ctx, folderQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find folders: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var folders []*Folder
	if err := cursor.All(ctx, &folders); err != nil {
		return nil, fmt.Errorf("decode folders: %w", err)
	}
	return folders, nil
}

// EnsureUser upserts the user with defaultLimit and returns the stored record.
func (s *Mongo) EnsureUser(ctx context.Context, id string, defaultLimit int64) (*User, error) {
	update := bson.M{
		"$setOnInsert": bson.M{
			"storageUsed":  int64(0),
			"storageLimit": defaultLimit,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var u User
	if err := s.users().FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&u); err != nil {
		return nil, fmt.Errorf("ensure user: %w", mapMongoError(err))
	}
	return &u, nil
}

// GetUser loads a user by id.
func (s *Mongo) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.users().FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, mapMongoError(err)
	}
	return &u, nil
}

// AdjustStorageUsed applies delta server-side with an update pipeline so the
// floor at zero holds without a read-modify-write round trip.
func (s *Mongo) AdjustStorageUsed(ctx context.Context, id string, delta int64) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"storageUsed": bson.M{"$max": bson.A{
				int64(0),
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$storageUsed", int64(0)}}, delta}},
			}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var u User
	if err := s.users().FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline, opts).Decode(&u); err != nil {
		return 0, mapMongoError(err)
	}
	return u.StorageUsed, nil
}

// versionFilter matches the file at version prev. Version 0 also matches
// documents that have no version field.
func versionFilter(id string, prev int64) bson.M {
	if prev == 0 {
		return bson.M{"_id": id, "version": bson.M{"$in": bson.A{int64(0), nil}}}
	}
	return bson.M{"_id": id, "version": prev}
}

func fileQuery(f FileFilter) bson.M {
	q := bson.M{}
	if f.OwnerID != "" {
		q["ownerId"] = f.OwnerID
	}
	if f.FolderID != nil {
		q["folderId"] = idOrRoot(*f.FolderID)
	}
	if f.Deleted != nil {
		q["isDeleted"] = *f.Deleted
	}
	return q
}

func folderQuery(f FolderFilter) bson.M {
	q := bson.M{}
	if f.OwnerID != "" {
		q["ownerId"] = f.OwnerID
	}
	if f.ParentID != nil {
		q["parentId"] = idOrRoot(*f.ParentID)
	}
	if f.Deleted != nil {
		q["isDeleted"] = *f.Deleted
	}
	return q
}

// idOrRoot matches a parent id, or, for the root, documents where the field is
// missing, null or empty.
func idOrRoot(id string) any {
	if id == "" {
		return bson.M{"$in": bson.A{nil, ""}}
	}
	return id
}

func mapMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
