package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"applabd/pkg/types"
)

// NewMux builds the HTTP handler for the daemon.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	// ListModels godoc
	// @Summary List catalog models
	// @Produce json
	// @Success 200 {object} map[string][]types.ModelInfo
	// @Router /models [get]
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": svc.Models()})
	})

	// Applications godoc
	// @Summary List tracked applications
	// @Produce json
	// @Success 200 {object} map[string][]types.ApplicationStatus
	// @Router /applications [get]
	r.Get("/applications", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"applications": svc.Applications()})
	})

	// PullApplication godoc
	// @Summary Provision an application from a recipe and a model
	// @Accept json
	// @Produce json
	// @Param request body types.ApplicationRequest true "recipe and model"
	// @Success 200 {object} map[string]string
	// @Failure 400 {object} types.ErrorResponse
	// @Failure 502 {object} types.ErrorResponse
	// @Failure 504 {object} types.ErrorResponse
	// @Router /applications/pull [post]
	r.Post("/applications/pull", func(w http.ResponseWriter, r *http.Request) {
		var req types.ApplicationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		runOp(w, r, "pull", func(ctx context.Context) error {
			return svc.PullApplication(ctx, req)
		})
	})

	r.Post("/applications/stop", applicationOp(svc.StopApplication, "stop"))
	r.Post("/applications/remove", applicationOp(svc.RemoveApplication, "remove"))
	r.Post("/applications/restart", applicationOp(svc.RestartApplication, "restart"))

	// Playgrounds godoc
	// @Summary List tracked playgrounds
	// @Produce json
	// @Success 200 {object} map[string][]types.PlaygroundStatus
	// @Router /playgrounds [get]
	r.Get("/playgrounds", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"playgrounds": svc.Playgrounds()})
	})

	r.Post("/playgrounds/start", playgroundOp(svc.StartPlayground, "start"))
	r.Post("/playgrounds/stop", playgroundOp(svc.StopPlayground, "stop"))

	// Query godoc
	// @Summary Start a streaming query against a running playground
	// @Accept json
	// @Produce json
	// @Param request body types.QueryRequest true "model and prompt"
	// @Success 200 {object} types.QueryStatus
	// @Failure 400 {object} types.ErrorResponse
	// @Failure 404 {object} types.ErrorResponse
	// @Router /playgrounds/query [post]
	r.Post("/playgrounds/query", func(w http.ResponseWriter, r *http.Request) {
		var req types.QueryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		start := time.Now()
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		status, err := svc.Query(ctx, req)
		if err != nil {
			code := statusForError(err)
			writeJSONError(w, code, err.Error())
			logOperation(r, "query", code, start, err)
			return
		}
		writeJSON(w, status)
		logOperation(r, "query", http.StatusOK, start, nil)
	})

	// Queries godoc
	// @Summary List query sessions
	// @Produce json
	// @Success 200 {object} map[string][]types.QueryStatus
	// @Router /queries [get]
	r.Get("/queries", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"queries": svc.Queries()})
	})

	// Tasks godoc
	// @Summary List task ledger entries
	// @Produce json
	// @Success 200 {object} map[string][]types.TaskStatus
	// @Router /tasks [get]
	r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"tasks": svc.Tasks()})
	})

	r.Get("/events", eventsHandler(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// applicationOp builds a handler for the stop/remove/restart family, which
// all take the same identity payload.
func applicationOp(op func(ctx context.Context, recipeID, modelID string) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ApplicationOpRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.RecipeID == "" || req.ModelID == "" {
			writeJSONError(w, http.StatusBadRequest, "recipe_id and model_id are required")
			return
		}
		runOp(w, r, name, func(ctx context.Context) error {
			return op(ctx, req.RecipeID, req.ModelID)
		})
	}
}

// playgroundOp builds a handler for the playground start/stop family.
func playgroundOp(op func(ctx context.Context, modelID string) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.PlaygroundStartRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ModelID == "" {
			writeJSONError(w, http.StatusBadRequest, "model_id is required")
			return
		}
		runOp(w, r, name, func(ctx context.Context) error {
			return op(ctx, req.ModelID)
		})
	}
}

// runOp executes one lifecycle operation under the joined request/server
// context and writes the mapped result.
func runOp(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context) error) {
	start := time.Now()
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if err := fn(ctx); err != nil {
		// Client disconnect or shutdown: nothing sensible left to write.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		code := statusForError(err)
		writeJSONError(w, code, err.Error())
		logOperation(r, name, code, start, err)
		return
	}
	writeJSON(w, map[string]string{"result": "ok"})
	logOperation(r, name, http.StatusOK, start, nil)
}

// decodeJSON enforces content type and body size, then decodes into dst.
// A false return means the error response was already written.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
