package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/deadletter"
	"github.com/penguintechinc/killkrill-sub000/health"
	"github.com/penguintechinc/killkrill-sub000/pkg/auth"
	"github.com/penguintechinc/killkrill-sub000/pkg/timestamp"
)

const systemName = "killkrill"

// PermDeadLetters is required to list dead letters.
const PermDeadLetters = "deadletters:read"

// Listing bounds
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleAggregates answers GET /api/v1/aggregates?name=&from=&to=&limit=&label=k=v
func (g *Gateway) handleAggregates(w http.ResponseWriter, r *http.Request) {
	if g.aggregates == nil {
		writeError(w, http.StatusNotFound, "aggregates are not served by this process")
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		writeJSON(w, http.StatusOK, map[string][]string{"names": g.aggregates.Names()})
		return
	}

	query := aggregator.Query{Name: name}
	var err error
	if query.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if query.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if query.Limit, err = parseLimit(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	for _, l := range q["label"] {
		k, v, ok := strings.Cut(l, "=")
		if !ok || k == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("label %q must be key=value", l))
			return
		}
		if query.Labels == nil {
			query.Labels = make(map[string]string)
		}
		query.Labels[k] = v
	}

	results := g.aggregates.Query(query)
	if results == nil {
		results = []aggregator.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

type deadLetterView struct {
	Key string `json:"key"`
	deadletter.Entry
}

// handleDeadLetters answers GET /api/v1/deadletters?stream=&group=&limit=
func (g *Gateway) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if p, _ := auth.FromContext(r.Context()); !p.Can(PermDeadLetters) {
		writeError(w, http.StatusForbidden, "missing permission "+PermDeadLetters)
		return
	}
	if g.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters are not served by this process")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	entries, err := g.deadLetters.List(r.Context(), deadletter.Filter{
		Stream: q.Get("stream"),
		Group:  q.Get("group"),
		Limit:  limit,
	})
	if err != nil {
		g.logger.Error("List dead letters failed", "error", err, "request_id", RequestID(r.Context()))
		writeError(w, statusFor(err), sanitizeError(err))
		return
	}
	out := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		out = append(out, deadLetterView{Key: e.Key(), Entry: e})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth answers 200 unless a check is unhealthy.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := g.Check(r.Context())
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code, status)
}

// Check runs the registered health checks.
func (g *Gateway) Check(ctx context.Context) health.Status {
	if g.checker == nil {
		return health.NewHealthy(systemName, "no checks registered")
	}
	return g.checker.Check(ctx, systemName)
}

// parseTime accepts RFC3339 or epoch seconds; empty is the zero time.
func parseTime(s string) (time.Time, error) {
	t, err := timestamp.ParseOptional(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be RFC3339 or epoch seconds")
	}
	return t, nil
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return min(n, maxListLimit), nil
}
