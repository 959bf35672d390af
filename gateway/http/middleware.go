package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/penguintechinc/killkrill-sub000/gateway"
	"github.com/penguintechinc/killkrill-sub000/pkg/auth"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestID keeps a well-formed incoming X-Request-ID or generates one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" && len(id) <= maxRequestIDLen && printable(id) {
		return id
	}
	return uuid.NewString()
}

func printable(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

// Hijack hands the connection to the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// Flush implements http.Flusher
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// instrument wraps every route: request id, CORS, panic recovery, counters
// and the request duration histogram.
func (g *Gateway) instrument(route gateway.Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.clock.Now()
		id := requestID(r)
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		g.requestsTotal.Add(1)
		g.touch(start)

		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				g.recordFailure(fmt.Errorf("panic: %v", p))
				g.logger.Error("Handler panicked", "route", route.Name, "request_id", id, "panic", p)
				if rec.status == 0 {
					writeError(rec, http.StatusInternalServerError, "internal server error")
				}
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusBadRequest {
				g.requestsFailed.Add(1)
			}
			g.bytesSent.Add(uint64(rec.written))
			g.metrics.RecordRequest(route.Name, strconv.Itoa(status), g.clock.Now().Sub(start))
		}()

		if g.cfg.EnableCORS {
			g.applyCORS(rec, r)
			if r.Method == http.MethodOptions {
				rec.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(rec, r)
	})
}

// applyCORS applies CORS headers to the response
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !g.cfg.AllowsOrigin(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.APIKeyHeader+", "+RequestIDHeader)
	w.Header().Set("Access-Control-Expose-Headers", "Retry-After, "+RequestIDHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// guard applies the source allowlist and the credential gate. It stores the
// principal in the request context. reject reports the refusal reason for
// ingestion metrics and may be nil.
func (g *Gateway) guard(next http.Handler, reject func(reason string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.allow.AllowsHost(r.RemoteAddr) {
			if reject != nil {
				reject(reasonForbidden)
			}
			g.logger.Debug("Source not allowed", "remote", r.RemoteAddr, "request_id", RequestID(r.Context()))
			writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}

		principal, err := g.auth.Authenticate(r)
		if err != nil {
			if reject != nil {
				reject(reasonUnauthorized)
			}
			g.logger.Debug("Authentication failed", "error", err, "request_id", RequestID(r.Context()))
			w.Header().Set("WWW-Authenticate", `Bearer realm="killkrill"`)
			writeError(w, http.StatusUnauthorized, sanitizeError(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// limitKey identifies the caller for rate limiting: the authenticated
// subject, or the client address for anonymous callers.
func limitKey(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok && p.Method != auth.MethodNone {
		return p.Method + ":" + p.Subject
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "ip:" + strings.ToLower(host)
}

// rateLimit answers 429 with Retry-After once the caller's budget is spent.
// Limiter errors let the request through.
func (g *Gateway) rateLimit(next http.Handler, reject func(reason string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := g.limiter.Allow(r.Context(), limitKey(r))
		if err != nil {
			g.logger.Warn("Rate limiter unavailable, allowing request", "error", err)
		}
		if d.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		}
		if !d.Allowed && err == nil {
			if reject != nil {
				reject(reasonRateLimited)
			}
			setRetryAfter(w, d.RetryAfter)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// touch records the time of the last request.
func (g *Gateway) touch(t time.Time) {
	g.mu.Lock()
	g.lastActivity = t
	g.mu.Unlock()
}
