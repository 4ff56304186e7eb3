package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TenantIDHeader names the tenant every analysis is scoped to.
	TenantIDHeader = "X-Tenant-ID"

	// RequestIDHeader is echoed back, or generated when absent.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader carries the OpenTelemetry trace ID of the call.
	TraceIDHeader = "X-Trace-ID"
)

var tracer = otel.Tracer("heron-api")

// scope holds the identifiers of one HTTP call. TracingMiddleware creates it
// and the inner middleware fill it in, so the outer logger sees the tenant.
type scope struct {
	requestID string
	traceID   string
	tenantID  string
}

type scopeKey struct{}

func scopeOf(ctx context.Context) *scope {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return s
	}
	return &scope{}
}

// GetTenantID returns the tenant of the call, or "".
func GetTenantID(ctx context.Context) string { return scopeOf(ctx).tenantID }

// GetTraceID returns the trace ID of the call, or "".
func GetTraceID(ctx context.Context) string { return scopeOf(ctx).traceID }

// TracingMiddleware continues the caller's W3C trace, opens a server span and
// attaches the call scope.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := &scope{requestID: r.Header.Get(RequestIDHeader)}
		if s.requestID == "" {
			s.requestID = uuid.New().String()
		}

		ctx := propagation.TraceContext{}.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", s.requestID),
			),
		)
		defer span.End()

		s.traceID = s.requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			s.traceID = sc.TraceID().String()
		}

		w.Header().Set(RequestIDHeader, s.requestID)
		w.Header().Set(TraceIDHeader, s.traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, scopeKey{}, s)))
	})
}

// TenantMiddleware requires a tenant usable as a bus subject token.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		switch {
		case tenantID == "":
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Tenant-ID header is required"})
			return
		case strings.ContainsAny(tenantID, ".*> \t\r\n"):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Tenant-ID contains reserved characters"})
			return
		}

		ctx := r.Context()
		s, ok := ctx.Value(scopeKey{}).(*scope)
		if !ok {
			s = &scope{}
			ctx = context.WithValue(ctx, scopeKey{}, s)
		}
		s.tenantID = tenantID
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("tenant.id", tenantID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs one line per call once the handler returns.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		s := scopeOf(r.Context())
		level := slog.LevelInfo
		if rw.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", s.tenantID,
			"request_id", s.requestID,
			"trace_id", s.traceID,
		)
	})
}

// CORSMiddleware lets browser clients call the API and read the trace headers.
func CORSMiddleware(next http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{
		"Content-Type", TenantIDHeader, RequestIDHeader, "traceparent", "tracestate", "Authorization",
	}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Max-Age", "86400")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a panic into a 500 and logs the stack.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"error", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"tenant_id", r.Header.Get(TenantIDHeader),
				"stack", string(debug.Stack()),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
