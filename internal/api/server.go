package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"example.com/systrack/internal/chat"
	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/scheduler"
	"example.com/systrack/internal/store"
	"example.com/systrack/internal/syncer"
)

// SyncTrigger starts a manual sync run through the same guarded body the
// timer uses.
type SyncTrigger interface {
	TriggerManualSync(ctx context.Context) (scheduler.Summary, error)
}

// Server exposes the operator-facing HTTP surface: target registry
// management, job inspection, the manual sync trigger, and the enqueue
// endpoints the chat client and operators relay messages through.
type Server struct {
	store   *store.Store
	queues  *queue.Store
	trigger SyncTrigger
	logger  *slog.Logger
}

// NewServer creates an API server with the required collaborators wired in.
func NewServer(st *store.Store, queues *queue.Store, trigger SyncTrigger, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		queues:  queues,
		trigger: trigger,
		logger:  logger,
	}
}

// Router configures all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.handleListTargets)
			r.Post("/", s.handleCreateTarget)
			r.Get("/{targetID}", s.handleGetTarget)
			r.Put("/{targetID}", s.handleUpdateTarget)
			r.Delete("/{targetID}", s.handleDeleteTarget)
		})

		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Route("/queues/{queueName}", func(r chi.Router) {
			r.Get("/counts", s.handleQueueCounts)
			r.Get("/failed", s.handleQueueFailed)
			r.Post("/retry-failed", s.handleRetryFailed)
		})

		r.Post("/sync/trigger", s.handleTriggerSync)
		r.Post("/messages", s.handleEnqueueMessage)
		r.Post("/chat/commands", s.handleEnqueueCommand)
	})

	return r
}

type targetRequest struct {
	Name        string `json:"name"`
	Kind        int    `json:"kind"`
	Active      *bool  `json:"active"`
	EndpointURL string `json:"endpoint_url"`
	APIKey      string `json:"api_key"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var payload targetRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	kind := store.TargetKind(payload.Kind)
	if kind < store.KindGenericServer || kind > store.KindSharedHosting {
		writeError(w, http.StatusBadRequest, "kind must be 0 (server), 1 (vps), or 2 (shared-hosting)")
		return
	}
	if kind == store.KindSharedHosting {
		if _, err := url.ParseRequestURI(payload.EndpointURL); err != nil {
			writeError(w, http.StatusBadRequest, "endpoint_url must be a valid URL for shared-hosting targets")
			return
		}
	}
	active := true
	if payload.Active != nil {
		active = *payload.Active
	}

	target, err := s.store.CreateTarget(r.Context(), store.Target{
		Name:        payload.Name,
		Kind:        kind,
		Active:      active,
		EndpointURL: payload.EndpointURL,
		APIKey:      payload.APIKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create target: %v", err)
		return
	}
	s.logger.Info("target created", "target_id", target.ID, "name", target.Name, "kind", target.Kind.String())
	writeJSON(w, http.StatusCreated, target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context(), r.URL.Query().Get("sort"))
	if err != nil {
		if strings.Contains(err.Error(), "unsupported sort key") {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "list targets: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets, "count": len(targets)})
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.targetID(w, r)
	if !ok {
		return
	}
	target, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get target: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.targetID(w, r)
	if !ok {
		return
	}
	current, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get target: %v", err)
		return
	}

	var payload targetRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if payload.Name != "" {
		current.Name = payload.Name
	}
	if payload.Active != nil {
		current.Active = *payload.Active
	}
	if payload.EndpointURL != "" {
		current.EndpointURL = payload.EndpointURL
	}
	if payload.APIKey != "" {
		current.APIKey = payload.APIKey
	}

	if err := s.store.UpdateTarget(r.Context(), current); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "update target: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.targetID(w, r)
	if !ok {
		return
	}
	if err := s.store.SoftDeleteTarget(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete target: %v", err)
		return
	}
	s.logger.Info("target soft-deleted", "target_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queues.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get job: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queueName")
	counts, err := s.queues.GetCounts(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue counts: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "counts": counts})
}

func (s *Server) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queueName")
	failed, err := s.queues.GetFailed(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed jobs: %v", err)
		return
	}
	views := make([]map[string]any, 0, len(failed))
	for i := range failed {
		views = append(views, jobView(&failed[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "failed": views, "count": len(views)})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queueName")
	n, err := s.queues.RetryAllFailed(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed jobs: %v", err)
		return
	}
	s.logger.Info("failed jobs re-queued", "queue", name, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "retried": n})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.trigger.TriggerManualSync(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "a sync run is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "trigger sync: %v", err)
		return
	}
	s.logger.Info("manual sync triggered", "targets", summary.Targets, "enqueued", summary.Enqueued, "failed", summary.Failed)
	writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GroupName string `json:"groupName"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.GroupName) == "" || strings.TrimSpace(payload.Message) == "" {
		writeError(w, http.StatusBadRequest, "groupName and message are required")
		return
	}

	job, err := s.queues.Enqueue(r.Context(), chat.MessageQueue, chat.MessageJobName, chat.MessagePayload{
		GroupName: payload.GroupName,
		Message:   payload.Message,
		Timestamp: time.Now().UTC(),
	}, queue.Options{})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "enqueue message: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID})
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GroupName string `json:"groupName"`
		Command   string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.GroupName) == "" || strings.TrimSpace(payload.Command) == "" {
		writeError(w, http.StatusBadRequest, "groupName and command are required")
		return
	}

	job, err := s.queues.Enqueue(r.Context(), chat.CommandQueue, chat.CommandJobName, chat.CommandPayload{
		GroupName: payload.GroupName,
		Command:   payload.Command,
		Timestamp: time.Now().UTC(),
	}, queue.Options{})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "enqueue command: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID})
}

func (s *Server) targetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "targetID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "target id must be an integer")
		return 0, false
	}
	return id, true
}

// jobView shapes a job for the inspection API without leaking credentials
// embedded in sync payloads.
func jobView(job *queue.Job) map[string]any {
	view := map[string]any{
		"id":            job.ID,
		"queue":         job.Queue,
		"name":          job.Name,
		"state":         job.State,
		"attempts_made": job.AttemptsMade,
		"max_attempts":  job.MaxAttempts,
		"progress":      job.Progress,
		"created_at":    job.CreatedAt.Format(time.RFC3339),
		"updated_at":    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LastError != "" {
		view["last_error"] = job.LastError
	}
	if job.Name == syncer.JobName {
		var payload syncer.JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err == nil {
			view["target_id"] = payload.TargetID
			view["target_name"] = payload.TargetName
		}
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
