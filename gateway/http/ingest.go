package http

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/pkg/retry"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Rejection reasons on the events_rejected counter. Requests refused before
// decoding count as one.
const (
	reasonForbidden    = "forbidden"
	reasonUnauthorized = "unauthorized"
	reasonRateLimited  = "rate_limited"
	reasonTooLarge     = "too_large"
	reasonMalformed    = "malformed"
	reasonInvalid      = "invalid"
	reasonCapacity     = "capacity"
	reasonError        = "error"
)

type parseFunc func(data []byte, now time.Time, limits event.Limits) ([]event.Event, error)

// ingestHandler builds the guarded, rate limited handler of one ingestion
// route.
func (g *Gateway) ingestHandler(kind event.Kind, parse parseFunc, to Appender) http.Handler {
	reject := func(reason string) { g.metrics.RecordRejected(string(kind), reason, 1) }
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.ingest(w, r, kind, parse, to)
	})
	return g.guard(g.rateLimit(h, reject), reject)
}

func (g *Gateway) ingest(w http.ResponseWriter, r *http.Request, kind event.Kind, parse parseFunc, to Appender) {
	ctx := r.Context()
	logger := g.logger.With("request_id", RequestID(ctx), "kind", kind)
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.metrics.RecordRejected(string(kind), reasonTooLarge, 1)
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds maximum size")
			return
		}
		g.metrics.RecordRejected(string(kind), reasonMalformed, 1)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	g.bytesReceived.Add(uint64(len(body)))

	events, err := parse(body, g.clock.Now(), g.limits)
	if err != nil {
		var ve *event.ValidationError
		if errors.As(err, &ve) {
			g.metrics.RecordRejected(string(kind), reasonInvalid, max(len(ve.Fields), 1))
			logger.Debug("Rejected invalid batch", "errors", len(ve.Fields))
			writeValidation(w, ve)
			return
		}
		g.metrics.RecordRejected(string(kind), reasonMalformed, 1)
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	ids := make([]string, 0, len(events))
	for i := range events {
		ev := events[i]
		pos, err := retry.DoWithResult(ctx, g.appendRetry, func() (stream.Position, error) {
			return to.Append(ctx, ev)
		})
		if err != nil {
			g.failAppend(w, kind, err, len(ids), len(events)-len(ids), logger)
			g.metrics.RecordAccepted(string(kind), event.ProtocolHTTP, len(ids))
			g.eventsAccepted.Add(uint64(len(ids)))
			return
		}
		ids = append(ids, pos.String())
	}

	g.metrics.RecordAccepted(string(kind), event.ProtocolHTTP, len(ids))
	g.eventsAccepted.Add(uint64(len(ids)))
	writeJSON(w, http.StatusAccepted, acceptedBody{Accepted: len(ids), IDs: ids})
}

// failAppend answers a request whose append gave up after accepted events.
func (g *Gateway) failAppend(w http.ResponseWriter, kind event.Kind, err error, accepted, remaining int, logger *slog.Logger) {
	status := statusFor(err)
	reason := reasonError
	switch {
	case errors.Is(err, errors.ErrCapacityExceeded):
		reason = reasonCapacity
		status = http.StatusServiceUnavailable
		setRetryAfter(w, g.cfg.RetryAfter)
		logger.Warn("Stream at capacity", "accepted", accepted, "remaining", remaining)
	case status == http.StatusBadRequest:
		reason = reasonInvalid
	default:
		g.recordFailure(err)
		logger.Error("Append failed", "error", err, "accepted", accepted)
		if status == http.StatusServiceUnavailable {
			setRetryAfter(w, g.cfg.RetryAfter)
		}
	}
	g.metrics.RecordRejected(string(kind), reason, remaining)
	writeJSON(w, status, errorBody{Error: sanitizeError(err), Status: status, Accepted: &accepted})
}
