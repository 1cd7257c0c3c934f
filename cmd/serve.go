package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clipsight/clipsight/internal/credits"
	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/pipeline"
	"github.com/clipsight/clipsight/internal/ranking"
	"github.com/clipsight/clipsight/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job status API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		srv := newAPIServer(st, runner, cfg.Pipeline.MaxConcurrentJobs)

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		zap.L().Info("api server listening", zap.String("addr", addr))

		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           srv.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return httpSrv.ListenAndServe()
	},
}

// apiServer exposes job creation and status over HTTP. Job runs happen in
// the background, bounded by the configured concurrency limit.
type apiServer struct {
	store  store.Store
	runner *pipeline.Runner
	jobs   *errgroup.Group
}

func newAPIServer(st store.Store, runner *pipeline.Runner, maxConcurrent int) *apiServer {
	g := &errgroup.Group{}
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}
	return &apiServer{store: st, runner: runner, jobs: g}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Post("/jobs", s.handleCreateJob)

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{
		Stage:   model.Stage(q.Get("stage")),
		OwnerID: q.Get("owner"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// createJobRequest accepts pre-scraped items; selection runs server-side.
type createJobRequest struct {
	OwnerID string                `json:"owner_id"`
	Items   []model.CandidateItem `json:"items"`
	Total   int                   `json:"total,omitempty"`
}

func (s *apiServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.OwnerID == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("owner_id and items are required"))
		return
	}

	var selected []model.CandidateItem
	if req.Total > 0 {
		selected = ranking.DistributeBySource(req.Items, req.Total)
	} else {
		selected = ranking.TopInteractive(req.Items)
	}
	if len(selected) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("selection produced no items"))
		return
	}
	summary := ranking.Summarize(req.Items, selected)

	job, err := s.runner.CreateJob(r.Context(), req.OwnerID, selected, summary)
	if err != nil {
		var insufficient *credits.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     insufficient.Error(),
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	jobID := job.ID
	s.jobs.Go(func() error {
		if err := s.runner.RunJob(context.Background(), jobID); err != nil {
			zap.L().Warn("background job run failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return nil
	})

	writeJSON(w, http.StatusAccepted, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
