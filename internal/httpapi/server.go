package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	Ready() bool
	// Infer streams NDJSON lines for req to w. req.Session is always set.
	Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error
	Drop(ctx context.Context, session uint64) error
	Sampling() types.SamplingParams
	SetSampling(p types.SamplingParams) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(corsMiddleware())
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/infer", inferHandler(svc))

	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "session id must be an unsigned integer")
			return
		}
		if err := svc.Drop(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"session": id, "dropped": true})
	})

	r.Get("/sampling", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Sampling())
	})

	r.Put("/sampling", func(w http.ResponseWriter, r *http.Request) {
		if !isJSON(r) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var p types.SamplingParams
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := svc.SetSampling(p); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, svc.Sampling())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stopped"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

// @Summary      Generate tokens on a session
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.InferRequest  true  "prompt and session"
// @Success      200      {object}  types.TokenLine
// @Failure      400      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /infer [post]
func inferHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isJSON(r) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Prompt) == 0 {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		if req.MaxSteps < 0 {
			writeJSONError(w, http.StatusBadRequest, "max_steps must be >= 0")
			return
		}
		id := resolveSession(req)
		req.Session = &id

		lvl := requestLogLevel(r)
		writer := io.Writer(w)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{requestID: middleware.GetReqID(r.Context())})
		}
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("X-Session-ID", strconv.FormatUint(id, 10))

		start := time.Now()
		reqLog(r, lvl, "infer start", 0, nil, map[string]any{"session": id, "prompt_len": len(req.Prompt)})

		// Shutdown and client disconnect both end the generation.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if inferTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, time.Duration(inferTimeout)*time.Second)
			defer tcancel()
		}

		err := svc.Infer(ctx, req, writer, flush)
		fields := map[string]any{"session": id, "dur": time.Since(start).String()}
		switch {
		case err == nil:
			countStream("complete")
			reqLog(r, lvl, "infer end", http.StatusOK, nil, fields)
		case r.Context().Err() != nil || serverBaseCtx.Err() != nil:
			countStream("client_gone")
			reqLog(r, lvl, "infer aborted", 0, nil, fields)
		default:
			countStream("error")
			status := writeServiceError(w, err)
			reqLog(r, lvl, "infer end", status, err, fields)
		}
	}
}

// writeServiceError maps a service error onto a status code and writes it.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := http.StatusInternalServerError
	var he HTTPError
	switch {
	case errors.As(err, &he):
		status = he.StatusCode()
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSONError(w, status, err.Error())
	return status
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct != "" && strings.HasPrefix(strings.ToLower(ct), "application/json")
}
