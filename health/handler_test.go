package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Handler(t *testing.T) {
	var failing bool
	c := NewChecker(time.Second)
	c.Register("stream", func(context.Context) error {
		if failing {
			return errors.New("stream closed")
		}
		return nil
	})

	get := func() (*httptest.ResponseRecorder, Status) {
		rec := httptest.NewRecorder()
		c.Handler("killkrill-worker").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var st Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		return rec, st
	}

	rec, st := get()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.True(t, st.IsHealthy())

	failing = true
	rec, st = get()
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, st.IsUnhealthy())
}
