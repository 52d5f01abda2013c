package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"visionforge/internal/config"
	"visionforge/internal/events"
	"visionforge/internal/gallery"
	"visionforge/internal/logging"
	"visionforge/internal/pipeline"
	"visionforge/internal/queue"
)

const eventWaitTimeout = 25 * time.Second

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/pipeline/run", srv.handlePipelineRun)
	mux.HandleFunc("/api/pipeline/cancel", srv.handlePipelineCancel)
	mux.HandleFunc("/api/queue", srv.handleQueue)
	mux.HandleFunc("/api/queue/pause", srv.handlePause)
	mux.HandleFunc("/api/queue/resume", srv.handleResume)
	mux.HandleFunc("/api/queue/", srv.handleQueueJob)
	mux.HandleFunc("/api/events", srv.handleEvents)
	mux.HandleFunc("/api/gallery", srv.handleGallery)
	mux.HandleFunc("/api/gallery/", srv.handleGalleryItem)
	mux.HandleFunc("/api/models", srv.handleModels)
	mux.HandleFunc("/api/models/warm", srv.handleModelWarm)
	mux.HandleFunc("/api/doctor", srv.handleDoctor)
	mux.HandleFunc("/api/backend/free", srv.handleBackendFree)
	mux.HandleFunc("/api/notify/test", srv.handleNotifyTest)
	mux.HandleFunc("/api/shutdown", srv.handleShutdown)

	srv.server = &http.Server{
		Handler:           authMiddleware(cfg.Paths.APIToken, mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// PipelineRunRequest is the body of POST /api/pipeline/run.
type PipelineRunRequest struct {
	Idea        string                      `json:"idea"`
	NumConcepts int                         `json:"numConcepts"`
	AutoApprove bool                        `json:"autoApprove"`
	Priority    string                      `json:"priority"`
	Checkpoint  *pipeline.CheckpointContext `json:"checkpoint"`
}

// PipelineRunResponse carries the finished run and, when auto-approve
// enqueued a job, its ID.
type PipelineRunResponse struct {
	Run   *pipeline.Run `json:"run"`
	JobID string        `json:"jobId,omitempty"`
}

func (s *apiServer) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req PipelineRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Idea) == "" {
		s.writeError(w, http.StatusBadRequest, "idea is required")
		return
	}

	run, err := s.daemon.engine.Run(r.Context(), pipeline.Request{
		Idea:        strings.TrimSpace(req.Idea),
		NumConcepts: req.NumConcepts,
		AutoApprove: req.AutoApprove,
		Checkpoint:  req.Checkpoint,
	})
	if errors.Is(err, pipeline.ErrRunActive) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		// The partial run travels with the error so callers can inspect
		// completed stages.
		s.writeJSON(w, http.StatusBadGateway, PipelineRunResponse{Run: run})
		return
	}

	resp := PipelineRunResponse{Run: run}
	if req.AutoApprove && run.Phase == pipeline.PhaseCompleted {
		jobID, err := s.enqueueFromRun(r.Context(), run, req.Priority)
		if err != nil {
			s.logger.Error("auto-approve enqueue failed", logging.Error(err))
		} else {
			resp.JobID = jobID
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) enqueueFromRun(ctx context.Context, run *pipeline.Run, priority string) (string, error) {
	negative := run.FinalPrompts.Negative
	if negative == "" {
		negative = config.DefaultNegativePrompt
	}
	pipelineLog, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal pipeline log: %w", err)
	}
	job := &queue.Job{
		Priority:       parsePriorityOrNormal(priority),
		PositivePrompt: run.FinalPrompts.Positive,
		NegativePrompt: negative,
		Settings:       s.daemon.DefaultSettings(),
		PipelineLog:    pipelineLog,
	}
	return s.daemon.queue.Enqueue(ctx, job)
}

func parsePriorityOrNormal(value string) queue.Priority {
	priority, err := queue.ParsePriority(value)
	if err != nil {
		return queue.PriorityNormal
	}
	return priority
}

func (s *apiServer) handlePipelineCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cancelled := s.daemon.engine.Cancel()
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// EnqueueRequest is the body of POST /api/queue.
type EnqueueRequest struct {
	PositivePrompt string                    `json:"positivePrompt"`
	NegativePrompt string                    `json:"negativePrompt"`
	Priority       string                    `json:"priority"`
	Settings       *queue.GenerationSettings `json:"settings"`
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.daemon.queue.List(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	case http.MethodPost:
		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		settings := s.daemon.DefaultSettings()
		if req.Settings != nil {
			settings = *req.Settings
		}
		negative := req.NegativePrompt
		if negative == "" {
			negative = config.DefaultNegativePrompt
		}
		job := &queue.Job{
			Priority:       parsePriorityOrNormal(req.Priority),
			PositivePrompt: strings.TrimSpace(req.PositivePrompt),
			NegativePrompt: negative,
			Settings:       settings,
		}
		if _, err := s.daemon.queue.Enqueue(r.Context(), job); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, job)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.daemon.queue.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.daemon.queue.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// ReorderRequest is the body of POST /api/queue/{id}/priority.
type ReorderRequest struct {
	Priority string `json:"priority"`
}

func (s *apiServer) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.daemon.queue.Get(r.Context(), id)
		if errors.Is(err, queue.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, job)
	case action == "cancel" && r.Method == http.MethodPost:
		err := s.daemon.queue.Cancel(r.Context(), id)
		if errors.Is(err, queue.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case action == "priority" && r.Method == http.MethodPost:
		var req ReorderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		priority, err := queue.ParsePriority(req.Priority)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		err = s.daemon.queue.Reorder(r.Context(), id, priority)
		if errors.Is(err, queue.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found or not pending")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"priority": priority.String()})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	wait := query.Get("wait") == "1" || strings.EqualFold(query.Get("wait"), "true")

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eventWaitTimeout)
		defer cancel()
	}

	evts, next, err := s.daemon.bus.Fetch(ctx, since, limit, wait)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Events: evts, Next: next})
}

func (s *apiServer) handleGallery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	artifacts, err := s.daemon.gallery.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *apiServer) handleGalleryItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/gallery/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	artifact, err := s.daemon.gallery.Get(r.Context(), id)
	if errors.Is(err, gallery.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

func (s *apiServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	models, err := s.daemon.ListModels(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// WarmModelRequest is the body of POST /api/models/warm.
type WarmModelRequest struct {
	Model string `json:"model"`
}

func (s *apiServer) handleModelWarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req WarmModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if err := s.daemon.WarmModel(r.Context(), req.Model); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"model": req.Model, "status": "warmed"})
}

func (s *apiServer) handleDoctor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Doctor(r.Context()))
}

func (s *apiServer) handleBackendFree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.FreeBackendMemory(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"freed": true})
}

func (s *apiServer) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sent, message, err := s.daemon.TestNotification(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, message)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sent": sent, "message": message})
}

func (s *apiServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go s.daemon.RequestShutdown()
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
