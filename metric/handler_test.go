package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/killkrill-sub000/pkg/security"
)

func TestRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordAccepted("log", "http", 3)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `killkrill_receiver_events_accepted_total{kind="log",protocol="http"} 3`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_StartStop(t *testing.T) {
	registry := NewMetricsRegistry()
	srv := NewServer("127.0.0.1:0", "", registry, security.ServerTLSConfig{}, nil)
	srv.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	assert.Nil(t, srv.Addr())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get(srv.URL())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "killkrill_")

	resp, err = http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	assert.Nil(t, srv.Addr())
	assert.NoError(t, srv.Stop(time.Second))
}

func TestServer_NilRegistry(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "", nil, security.ServerTLSConfig{}, nil)
	assert.Error(t, srv.Start())
}
