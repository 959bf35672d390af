package s3store

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/storage"
)

// fakeS3 serves the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	encoding map[string]string
}

type listResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated bool `xml:"IsTruncated"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/archive")
	key := strings.TrimPrefix(path, "/")
	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.encoding[key] = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var res listResult
		keys := make([]string, 0)
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key string `xml:"Key"`
			}{k})
		}
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		if enc := f.encoding[key]; enc != "" {
			w.Header().Set("Content-Encoding", enc)
		}
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, encoding: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Config{
		Bucket:          "archive",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	return s, fake
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStore(t)

	require.NoError(t, s.Put(ctx, storage.Object{Key: "logs/a.ndjson", Data: []byte("{}\n")}))
	require.NoError(t, s.Put(ctx, storage.Object{Key: "logs/b.ndjson", Data: []byte("[]\n")}))
	assert.Equal(t, "{}\n", string(fake.objects["logs/a.ndjson"]))

	obj, err := s.Get(ctx, "logs/a.ndjson")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(obj.Data))

	keys, err := s.List(ctx, "logs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/a.ndjson", "logs/b.ndjson"}, keys)

	require.NoError(t, s.Delete(ctx, "logs/a.ndjson"))
	_, err = s.Get(ctx, "logs/a.ndjson")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	require.NoError(t, s.Ping(ctx))
}

func TestConfigValidate(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
