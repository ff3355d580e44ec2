package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain"
	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/infra/events"
	"ai-image-pipeline/internal/usecase"
)

// Server exposes the pipeline's operator API: job control, the retry queue,
// the image library, and a server-sent event stream off the bus.
type Server struct {
	jobs    usecase.JobRunner
	retries usecase.RetryQueueService
	library usecase.LibraryService
	bus     *events.Bus
	auth    *AuthManager
	log     *zerolog.Logger
}

func NewServer(
	jobs usecase.JobRunner,
	retries usecase.RetryQueueService,
	library usecase.LibraryService,
	bus *events.Bus,
	auth *AuthManager,
	logger *zerolog.Logger,
) *Server {
	apiLog := logger.With().Str("component", "API").Logger()
	return &Server{
		jobs:    jobs,
		retries: retries,
		library: library,
		bus:     bus,
		auth:    auth,
		log:     &apiLog,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log), TraceID(), RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Guard())

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleStartJob)
			r.Get("/", s.handleListJobs)
			r.Get("/status", s.handleJobStatus)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleDeleteJob)
			r.Post("/{id}/stop", s.handleStopJob)
			r.Post("/{id}/rerun", s.handleRerunJob)
		})

		r.Route("/retries", func(r chi.Router) {
			r.Post("/", s.handleEnqueueRetry)
			r.Get("/status", s.handleRetryStatus)
		})

		r.Route("/images", func(r chi.Router) {
			r.Get("/", s.handleListImages)
			r.Post("/bulk-delete", s.handleBulkDelete)
		})

		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// ---- Job handlers ----

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var snapshot model.ConfigurationSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	jobID, err := s.jobs.Start(r.Context(), snapshot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleRerunJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.jobs.Rerun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.library.ListExecutions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	exec, err := s.library.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.library.DeleteExecution(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Retry handlers ----

type retryRequest struct {
	ImageIDs        []string                  `json:"image_ids"`
	Mode            model.SettingsMode        `json:"mode"`
	Override        *model.ProcessingSettings `json:"override,omitempty"`
	IncludeMetadata bool                      `json:"include_metadata"`
	HardSteps       []model.PipelineStep      `json:"hard_steps,omitempty"`
}

func (s *Server) handleEnqueueRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = model.SettingsModeOriginal
	}
	job, err := s.retries.Enqueue(r.Context(), req.ImageIDs, req.Mode, req.Override,
		req.IncludeMetadata, model.FailPolicy{HardSteps: req.HardSteps})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRetryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.retries.Status(r.Context()))
}

// ---- Image handlers ----

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	status := model.QCStatus(r.URL.Query().Get("status"))
	if status == "" {
		http.Error(w, "status query parameter is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	imgs, err := s.library.ImagesByStatus(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, imgs)
}

type bulkDeleteRequest struct {
	ImageIDs []string `json:"image_ids"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	deleted, err := s.library.BulkDeleteImages(r.Context(), req.ImageIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.library.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- Event stream ----

// handleEvents streams bus events as server-sent events until the client
// disconnects. Slow consumers drop events at the bus, never here.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("event marshal failed")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

// ---- Helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrJobAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrJobNotRunning),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrEmptySelection),
		errors.Is(err, domain.ErrConfigurationInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
