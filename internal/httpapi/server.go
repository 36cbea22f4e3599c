package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modusnapd/pkg/types"
)

// Service defines the operations required by the HTTP API layer.
type Service interface {
	BackendStatus(ctx context.Context) types.BackendStatusResponse
	BackendLogs(ctx context.Context, lines int) (types.BackendLogsResponse, error)

	EnvStatus(ctx context.Context) (types.EnvStatusResponse, error)
	EnvPlan(ctx context.Context, req types.PlanRequest) (types.EnvTx, error)
	EnvApply(ctx context.Context, id string) (types.EnvTx, error)
	EnvRollback(ctx context.Context, id string) (types.EnvTx, error)
	EnvList(ctx context.Context) []types.EnvTxSummary
	EnvGet(ctx context.Context, id string) (types.EnvTx, error)

	Diagnostics(ctx context.Context, deep bool) types.DiagnosticsReport
	ApplyFix(ctx context.Context, issueID string) (types.FixResponse, error)

	ManagerBatch(ctx context.Context, req types.BatchRequest) (types.BatchResponse, error)
	SessionStart(mode, scope string, items []types.CatalogItem) (string, error)
	SessionStatus(id string) (types.InstallSession, error)
	SessionCancel(id string) error
	CompatibilityGet(ctx context.Context) (*types.CompatibilitySet, []types.CompatibilitySet, error)
	CompatibilityPost(ctx context.Context, items []types.CatalogItem) (types.CompatibilityPostResponse, error)
	Preflight(ctx context.Context, req types.PreflightRequest) (types.PreflightReport, error)
	SizeEstimate(ctx context.Context, items []types.CatalogItem) (types.SizeEstimateResponse, error)
	ManagerStatus(ctx context.Context) types.ManagerStatusResponse

	Ready() bool
}

// NewMux builds the control-plane router. keys may be nil when API key
// enforcement is off.
func NewMux(svc Service, keys *KeyStore, requireKey bool) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
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
	r.Use(MetricsMiddleware)
	if keys != nil {
		r.Use(AuthMiddleware(keys, requireKey))
	}

	r.Get("/api/backend/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.BackendStatus(r.Context()))
		logRequest(r, "backend.status", http.StatusOK)
	})

	r.Get("/api/backend/logs", func(w http.ResponseWriter, r *http.Request) {
		lines := 100
		if v := r.URL.Query().Get("lines"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 20 || n > 500 {
				writeJSONError(w, http.StatusBadRequest, "lines must be an integer in [20,500]")
				return
			}
			lines = n
		}
		out, err := svc.BackendLogs(r.Context(), lines)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	})

	r.Get("/api/env/status", func(w http.ResponseWriter, r *http.Request) {
		out, err := svc.EnvStatus(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	})

	r.Post("/api/env/plan", func(w http.ResponseWriter, r *http.Request) {
		var req types.PlanRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		tx, err := svc.EnvPlan(joinRequestCtx(r), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, types.TxResponse{OK: true, Transaction: &tx})
		logRequest(r, "env.plan", http.StatusOK)
	})

	r.Post("/api/env/apply", func(w http.ResponseWriter, r *http.Request) {
		var req types.TxIDRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			writeJSONError(w, http.StatusBadRequest, "id is required")
			return
		}
		tx, err := svc.EnvApply(joinRequestCtx(r), req.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		CountTransaction(string(tx.Kind), string(tx.Status))
		writeJSON(w, types.TxResponse{OK: tx.Status == types.TxSucceeded, Transaction: &tx})
		logRequest(r, "env.apply", http.StatusOK)
	})

	r.Post("/api/env/rollback", func(w http.ResponseWriter, r *http.Request) {
		var req types.TxIDRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			writeJSONError(w, http.StatusBadRequest, "id is required")
			return
		}
		tx, err := svc.EnvRollback(joinRequestCtx(r), req.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		CountTransaction(string(tx.Kind), string(tx.Status))
		writeJSON(w, types.TxResponse{OK: tx.Status == types.TxRolledBack, Transaction: &tx})
		logRequest(r, "env.rollback", http.StatusOK)
	})

	r.Get("/api/env/transactions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.EnvList(r.Context()))
	})

	r.Get("/api/env/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		tx, err := svc.EnvGet(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, tx)
	})

	r.Get("/api/diagnostics/status", func(w http.ResponseWriter, r *http.Request) {
		deep := r.URL.Query().Get("deep") == "1"
		writeJSON(w, svc.Diagnostics(r.Context(), deep))
	})

	r.Post("/api/diagnostics/fix", func(w http.ResponseWriter, r *http.Request) {
		var req types.FixRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := svc.ApplyFix(joinRequestCtx(r), req.IssueID)
		if err != nil {
			writeError(w, err)
			return
		}
		CountFix(req.IssueID, out.OK)
		writeJSON(w, out)
		logRequest(r, "diagnostics.fix", http.StatusOK)
	})

	r.Post("/api/manager/batch", func(w http.ResponseWriter, r *http.Request) {
		var req types.BatchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := svc.ManagerBatch(joinRequestCtx(r), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
		logRequest(r, "manager.batch", http.StatusOK)
	})

	r.Post("/api/manager/session", func(w http.ResponseWriter, r *http.Request) {
		var req types.SessionStartRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := svc.SessionStart(req.Mode, req.Scope, req.Items)
		if err != nil {
			writeError(w, err)
			return
		}
		CountSession(req.Mode)
		writeJSON(w, types.SessionStartResponse{OK: true, SessionID: id})
		logRequest(r, "manager.session.start", http.StatusOK)
	})

	r.Get("/api/manager/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.SessionStatus(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, st)
	})

	r.Post("/api/manager/session/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.SessionCancel(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	r.Get("/api/manager/catalog/compatibility", func(w http.ResponseWriter, r *http.Request) {
		current, history, err := svc.CompatibilityGet(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"current": current, "history": history})
	})

	r.Post("/api/manager/catalog/compatibility", func(w http.ResponseWriter, r *http.Request) {
		var req types.CompatibilityPostRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := svc.CompatibilityPost(joinRequestCtx(r), req.Items)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	})

	r.Post("/api/manager/preflight", func(w http.ResponseWriter, r *http.Request) {
		var req types.PreflightRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := svc.Preflight(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	})

	r.Post("/api/manager/size-estimate", func(w http.ResponseWriter, r *http.Request) {
		var req types.SizeEstimateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := svc.SizeEstimate(r.Context(), req.Items)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	})

	r.Get("/api/manager/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.ManagerStatus(r.Context()))
	})

	if keys != nil {
		r.Post("/api/keys", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Label string `json:"label"`
			}
			if !decodeJSON(w, r, &req) {
				return
			}
			key, err := keys.Create(req.Label)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, key)
		})
		r.Get("/api/keys", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, keys.List())
		})
		r.Delete("/api/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := keys.Revoke(chi.URLParam(r, "id")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]bool{"ok": true})
		})
	}

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
		w.Write([]byte("no backend"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// decodeJSON enforces content type and body size, writing the error response
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// joinRequestCtx ties the request context to the process base context so
// shutdown cancels long-running work too. The cancel func is dropped because
// the joined context dies with either parent.
func joinRequestCtx(r *http.Request) context.Context {
	ctx, _ := joinContexts(serverBaseCtx, r.Context())
	return ctx
}
