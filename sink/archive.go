package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/compress"
	"github.com/penguintechinc/killkrill-sub000/storage"
)

// ArchiveConfig configures the object archive sink.
type ArchiveConfig struct {
	// Prefix is prepended to every object key.
	Prefix string `json:"prefix"`
	// Codec compresses archive objects; defaults to zstd.
	Codec string `json:"codec"`
}

// Archive writes each batch as newline-delimited JSON objects, one object per
// (kind, hour) group, to an object store. Object keys are derived from the
// set of document ids, so replaying a batch rewrites the same objects.
// Partially replayed batches may repeat a document in a second object;
// ReadArchive collapses repeats by id.
type Archive struct {
	store  storage.Store
	prefix string
	codec  compress.Codec
	logger *slog.Logger
}

// NewArchive creates the sink over store.
func NewArchive(store storage.Store, cfg ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Archive", "New", "store is required")
	}
	codec, err := compress.Parse(cfg.Codec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Archive", "New", "parse codec")
	}
	if logger == nil {
		logger = slog.Default().With("component", "sink", "sink", "archive")
	}
	return &Archive{
		store:  store,
		prefix: strings.Trim(cfg.Prefix, "/"),
		codec:  codec,
		logger: logger,
	}, nil
}

// Name implements Sink
func (a *Archive) Name() string { return "archive" }

type archiveLine struct {
	ID        string          `json:"id"`
	EntryID   string          `json:"entry_id"`
	Kind      Kind            `json:"kind"`
	Index     string          `json:"index,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

type archiveGroup struct {
	kind Kind
	hour time.Time
}

// Write implements Sink
func (a *Archive) Write(ctx context.Context, docs []Document) error {
	groups := make(map[archiveGroup][]Document)
	for _, d := range docs {
		g := archiveGroup{kind: d.Kind, hour: d.Timestamp.UTC().Truncate(time.Hour)}
		groups[g] = append(groups[g], d)
	}

	failed := make(map[string]error)
	for g, batch := range groups {
		if err := a.writeGroup(ctx, g, batch); err != nil {
			for _, d := range batch {
				failed[d.ID] = err
			}
		}
	}
	if len(failed) == len(docs) && len(groups) == 1 {
		for _, err := range failed {
			return err
		}
	}
	if len(failed) > 0 {
		return &WriteError{Sink: a.Name(), Failed: failed}
	}
	return nil
}

func (a *Archive) writeGroup(ctx context.Context, g archiveGroup, docs []Document) error {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	h := blake3.New()
	for _, d := range docs {
		_, _ = h.Write([]byte(d.ID))
		line := archiveLine{
			ID:        d.ID,
			EntryID:   d.EntryID,
			Kind:      d.Kind,
			Index:     d.Index,
			Timestamp: d.Timestamp.UTC(),
			Body:      d.Body,
		}
		if err := enc.Encode(line); err != nil {
			return errors.WrapInvalid(err, "Archive", "Write", "encode line")
		}
	}

	data, err := a.codec.Compress(raw.Bytes())
	if err != nil {
		return errors.WrapFatal(err, "Archive", "Write", "compress")
	}

	key := a.key(g, hex.EncodeToString(h.Sum(nil)[:16]))
	obj := storage.Object{
		Key:         key,
		Data:        data,
		ContentType: "application/x-ndjson",
		Encoding:    a.codec.ContentEncoding(),
	}
	if err := a.store.Put(ctx, obj); err != nil {
		return err
	}
	a.logger.Debug("archived batch", "key", key, "documents", len(docs), "bytes", len(data))
	return nil
}

// key renders "<prefix>/<kind>/YYYY/MM/DD/HH/<digest>.ndjson<ext>".
func (a *Archive) key(g archiveGroup, digest string) string {
	name := digest + ".ndjson" + a.codec.Extension()
	return path.Join(a.prefix, string(g.kind), g.hour.Format("2006/01/02/15"), name)
}

// Ping forwards to the store when it supports it.
func (a *Archive) Ping(ctx context.Context) error {
	if p, ok := a.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close implements Sink
func (a *Archive) Close() error { return nil }

// ReadArchive returns the archived documents under prefix, one per id,
// ordered by timestamp then id.
func ReadArchive(ctx context.Context, store storage.Store, prefix string) ([]Document, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]Document)
	for _, key := range keys {
		codec, err := codecForKey(key)
		if err != nil {
			return nil, err
		}
		obj, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		raw, err := codec.Decompress(obj.Data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Archive", "Read", key)
		}
		sc := bufio.NewScanner(bytes.NewReader(raw))
		sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for sc.Scan() {
			var line archiveLine
			if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
				return nil, errors.WrapInvalid(err, "Archive", "Read", fmt.Sprintf("decode %s", key))
			}
			seen[line.ID] = Document{
				ID:        line.ID,
				EntryID:   line.EntryID,
				Kind:      line.Kind,
				Index:     line.Index,
				Timestamp: line.Timestamp,
				Body:      line.Body,
			}
		}
		if err := sc.Err(); err != nil {
			return nil, errors.WrapInvalid(err, "Archive", "Read", key)
		}
	}

	out := make([]Document, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func codecForKey(key string) (compress.Codec, error) {
	for _, c := range []compress.Codec{compress.Gzip, compress.Zstd, compress.LZ4, compress.Snappy} {
		if strings.HasSuffix(key, ".ndjson"+c.Extension()) {
			return c, nil
		}
	}
	if strings.HasSuffix(key, ".ndjson") {
		return compress.None, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("unrecognised archive key %q", key), "Archive", "Read", "select codec")
}
