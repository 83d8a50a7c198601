package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrBlobNotFound is returned when no blob exists under the key.
var ErrBlobNotFound = errors.New("blob not found")

// =============================================================================
// MongoDB Blob Adapter - RFC-822 원문 + 첨부파일 본문
// =============================================================================

const (
	collectionBlobs = "mail_blobs"

	// Compression threshold - only compress if content is larger than this
	compressionThreshold = 1024 // 1KB
)

// BlobAdapter implements out.BlobStore keyed on opaque string keys.
type BlobAdapter struct {
	collection *mongo.Collection
}

func NewBlobAdapter(db *mongo.Database) *BlobAdapter {
	return &BlobAdapter{collection: db.Collection(collectionBlobs)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BlobAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "stored_at", Value: 1}},
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type blobDocument struct {
	Key          string    `bson:"key"`
	Content      []byte    `bson:"content"`
	IsCompressed bool      `bson:"is_compressed"`
	SizeBytes    int64     `bson:"size_bytes"`
	StoredAt     time.Time `bson:"stored_at"`
}

// =============================================================================
// BlobStore 구현
// =============================================================================

// Put upserts on key, so re-hydrating a message overwrites the old blob.
func (a *BlobAdapter) Put(ctx context.Context, key string, data []byte) error {
	content := data
	compressed := false
	if len(data) > compressionThreshold {
		gz, err := compressContent(data)
		if err == nil && len(gz) < len(data) {
			content = gz
			compressed = true
		}
	}

	doc := blobDocument{
		Key:          key,
		Content:      content,
		IsCompressed: compressed,
		SizeBytes:    int64(len(data)),
		StoredAt:     time.Now().UTC(),
	}
	_, err := a.collection.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store blob %s: %w", key, err)
	}
	return nil
}

func (a *BlobAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	var doc blobDocument
	if err := a.collection.FindOne(ctx, bson.M{"key": key}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to load blob %s: %w", key, err)
	}
	if doc.IsCompressed {
		return decompressContent(doc.Content)
	}
	return doc.Content, nil
}

func (a *BlobAdapter) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (a *BlobAdapter) Delete(ctx context.Context, key string) error {
	_, err := a.collection.DeleteOne(ctx, bson.M{"key": key})
	return err
}

// =============================================================================
// Compression
// =============================================================================

func compressContent(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressContent(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
