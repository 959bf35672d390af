// Package objectstore implements storage.Store on a NATS JetStream object
// store bucket, for deployments that already run NATS and have no S3.
package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/storage"
)

const (
	metaContentType = "content-type"
	metaEncoding    = "content-encoding"
)

// Config holds the bucket settings.
type Config struct {
	Bucket   string `json:"bucket"`
	Replicas int    `json:"replicas,omitempty"`
	// MemoryStorage keeps objects in memory; meant for tests.
	MemoryStorage bool `json:"memory_storage,omitempty"`
}

// DefaultConfig returns the default bucket.
func DefaultConfig() Config {
	return Config{Bucket: "KILLKRILL_ARCHIVE"}
}

// Store is a storage.Store over one object store bucket.
type Store struct {
	bucket  string
	os      jetstream.ObjectStore
	metrics *storeMetrics
}

var _ storage.Store = (*Store)(nil)

// New creates or binds the bucket. registry may be nil.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, registry *metric.MetricsRegistry) (*Store, error) {
	if js == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "objectstore", "New", "jetstream is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultConfig().Bucket
	}
	storageType := jetstream.FileStorage
	if cfg.MemoryStorage {
		storageType = jetstream.MemoryStorage
	}
	bucket, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:   cfg.Bucket,
		Storage:  storageType,
		Replicas: max(cfg.Replicas, 1),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "New", "create bucket")
	}
	metrics, err := newStoreMetrics(registry, cfg.Bucket)
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "New", "metrics registration")
	}
	return &Store{bucket: cfg.Bucket, os: bucket, metrics: metrics}, nil
}

// Put implements storage.Store
func (s *Store) Put(ctx context.Context, obj storage.Object) error {
	start := time.Now()
	meta := jetstream.ObjectMeta{Name: obj.Key, Metadata: map[string]string{}}
	if obj.ContentType != "" {
		meta.Metadata[metaContentType] = obj.ContentType
	}
	if obj.Encoding != "" {
		meta.Metadata[metaEncoding] = obj.Encoding
	}
	if _, err := s.os.Put(ctx, meta, bytes.NewReader(obj.Data)); err != nil {
		s.metrics.recordError("put")
		return errors.WrapTransient(err, "objectstore", "Put", obj.Key)
	}
	s.metrics.recordOp("put", time.Since(start))
	return nil
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, key string) (storage.Object, error) {
	start := time.Now()
	info, err := s.os.GetInfo(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return storage.Object{}, errors.WrapInvalid(errors.ErrKeyNotFound, "objectstore", "Get", key)
		}
		s.metrics.recordError("get")
		return storage.Object{}, errors.WrapTransient(err, "objectstore", "Get", key)
	}
	data, err := s.os.GetBytes(ctx, key)
	if err != nil {
		s.metrics.recordError("get")
		return storage.Object{}, errors.WrapTransient(err, "objectstore", "Get", key)
	}
	s.metrics.recordOp("get", time.Since(start))
	return storage.Object{
		Key:         key,
		Data:        data,
		ContentType: info.Metadata[metaContentType],
		Encoding:    info.Metadata[metaEncoding],
	}, nil
}

// List implements storage.Store
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	infos, err := s.os.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		s.metrics.recordError("list")
		return nil, errors.WrapTransient(err, "objectstore", "List", "list bucket")
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name, prefix) {
			keys = append(keys, info.Name)
		}
	}
	sort.Strings(keys)
	s.metrics.recordOp("list", time.Since(start))
	return keys, nil
}

// Delete implements storage.Store
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	if err := s.os.Delete(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrObjectNotFound) {
		s.metrics.recordError("delete")
		return errors.WrapTransient(err, "objectstore", "Delete", key)
	}
	s.metrics.recordOp("delete", time.Since(start))
	return nil
}

// Ping checks the bucket status.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.os.Status(ctx); err != nil {
		return errors.WrapTransient(err, "objectstore", "Ping", "bucket status")
	}
	return nil
}
