// Package server exposes the administrative HTTP API: run lifecycle, run
// detail with paginated logs and skips, supplier search, manual linking,
// asset presigning, and the live run log stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/opencivic/spendmatch/internal/matcher"
	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/pipeline"
	"github.com/opencivic/spendmatch/internal/reconcile"
	"github.com/opencivic/spendmatch/internal/runlog"
	"github.com/opencivic/spendmatch/internal/store"
	"github.com/opencivic/spendmatch/pkg/objectstore"
)

// Config tunes the HTTP server.
type Config struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PresignExpiry  time.Duration `mapstructure:"presign_expiry"`
}

// Server wires the API handlers to their dependencies.
type Server struct {
	cfg         Config
	store       store.Store
	executor    *pipeline.Executor
	engine      *matcher.Engine
	reconciler  *reconcile.Reconciler
	broadcaster *runlog.Broadcaster
	signer      objectstore.Signer

	// baseCtx bounds background run execution rather than the request.
	baseCtx context.Context
}

// New creates a Server. signer may be nil when presigned URLs are not
// configured; the asset endpoints then return 503.
func New(
	baseCtx context.Context,
	cfg Config,
	st store.Store,
	executor *pipeline.Executor,
	engine *matcher.Engine,
	reconciler *reconcile.Reconciler,
	broadcaster *runlog.Broadcaster,
	signer objectstore.Signer,
) *Server {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	return &Server{
		cfg:         cfg,
		store:       st,
		executor:    executor,
		engine:      engine,
		reconciler:  reconciler,
		broadcaster: broadcaster,
		signer:      signer,
		baseCtx:     baseCtx,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleDeleteRun)
				r.Get("/logs", s.handleRunLogs)
				r.Get("/skips", s.handleRunSkips)
				r.Get("/stream", s.handleRunStream)
			})
		})

		r.Get("/counterparties", s.handleListCounterparties)
		r.Post("/counterparties/{id}/link", s.handleManualLink)

		r.Route("/assets", func(r chi.Router) {
			r.Post("/", s.handleCreateAsset)
			r.Get("/{assetID}/download", s.handleDownloadURL)
		})

		r.Route("/reconciler", func(r chi.Router) {
			r.Post("/start", s.handleReconcilerStart)
			r.Post("/stop", s.handleReconcilerStop)
			r.Get("/status", s.handleReconcilerStatus)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID   string `json:"asset_id"`
		DryRun    bool   `json:"dry_run"`
		FromStage string `json:"from_stage"`
		ToStage   string `json:"to_stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.executor.CreateRun(r.Context(), req.AssetID, req.DryRun, req.FromStage, req.ToStage)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "asset not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Execution outlives the request.
	go func() {
		if err := s.executor.Execute(s.baseCtx, run.ID); err != nil {
			zap.L().Error("run execution failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status:  model.RunStatus(r.URL.Query().Get("status")),
		AssetID: r.URL.Query().Get("asset_id"),
		Limit:   queryInt(r, "limit", 0),
		Offset:  queryInt(r, "offset", 0),
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// runDetail is the aggregate view returned by GET /api/runs/{runID}.
type runDetail struct {
	Run         *model.Run          `json:"run"`
	Stages      []model.StageResult `json:"stages"`
	Logs        *store.LogPage      `json:"logs"`
	SkippedRows []model.SkippedRow  `json:"skipped_rows"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stages, err := s.store.ListStageResults(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logs, err := s.store.ListLogs(r.Context(), runID, queryInt(r, "log_limit", 50), 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	skips, err := s.store.ListSkippedRows(r.Context(), runID, queryInt(r, "skip_limit", 50), 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, runDetail{Run: run, Stages: stages, Logs: logs, SkippedRows: skips})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	res, err := s.store.DeleteRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.broadcaster.Forget(runID)
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	page, err := s.store.ListLogs(r.Context(), chi.URLParam(r, "runID"),
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleRunSkips(w http.ResponseWriter, r *http.Request) {
	skips, err := s.store.ListSkippedRows(r.Context(), chi.URLParam(r, "runID"),
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"skipped_rows": skips})
}

func (s *Server) handleListCounterparties(w http.ResponseWriter, r *http.Request) {
	filter := store.CounterpartyFilter{
		Kind:   model.CounterpartyKind(r.URL.Query().Get("kind")),
		Status: model.MatchStatus(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Kind == "" {
		filter.Kind = model.KindSupplier
	}
	recs, err := s.store.ListCounterparties(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"counterparties": recs})
}

func (s *Server) handleManualLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		EntityType model.EntityType `json:"entity_type"`
		RegistryID string           `json:"registry_id"`
		Name       string           `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RegistryID == "" {
		respondError(w, http.StatusBadRequest, "registry_id is required")
		return
	}

	rec, err := s.store.GetCounterparty(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "counterparty not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out, err := s.engine.ManualLink(r.Context(), rec, req.EntityType, req.RegistryID, req.Name)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"counterparty": rec, "outcome": out})
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		respondError(w, http.StatusServiceUnavailable, "object store not configured")
		return
	}
	var req struct {
		OriginalName string `json:"original_name"`
		ContentType  string `json:"content_type"`
		SizeBytes    int64  `json:"size_bytes"`
		Checksum     string `json:"checksum"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OriginalName == "" {
		respondError(w, http.StatusBadRequest, "original_name is required")
		return
	}

	// Same checksum means same bytes: reuse the stored asset, no new upload.
	if req.Checksum != "" {
		existing, err := s.store.FindAssetByChecksum(r.Context(), req.Checksum)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if existing != nil {
			respondJSON(w, http.StatusOK, map[string]any{"asset": existing, "duplicate": true})
			return
		}
	}

	asset := &model.Asset{
		StorageKey:   "assets/" + time.Now().UTC().Format("2006/01/02") + "/" + req.OriginalName,
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
		SizeBytes:    req.SizeBytes,
		Checksum:     req.Checksum,
	}
	if err := s.store.CreateAsset(r.Context(), asset); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	uploadURL, err := s.signer.PresignUpload(asset.StorageKey, asset.ContentType, s.cfg.PresignExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"asset": asset, "upload_url": uploadURL})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		respondError(w, http.StatusServiceUnavailable, "object store not configured")
		return
	}
	asset, err := s.store.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "asset not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	u, err := s.signer.PresignDownload(asset.StorageKey, s.cfg.PresignExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"download_url": u})
}

func (s *Server) handleReconcilerStart(w http.ResponseWriter, r *http.Request) {
	s.reconciler.Start(s.baseCtx)
	respondJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleReconcilerStop(w http.ResponseWriter, r *http.Request) {
	s.reconciler.Stop()
	respondJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleReconcilerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"running": s.reconciler.Running()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response failed", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
