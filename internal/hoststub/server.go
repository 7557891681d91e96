package hoststub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Server mimics a shared-hosting control panel: an admin surface for seeding
// accounts and usage samples, and the key-authenticated resource status API
// the sync worker polls.
type Server struct {
	store *Store
}

// NewServer builds a server backed by the provided store.
func NewServer(store *Store) *Server {
	return &Server{store: store}
}

// Router wires all panel routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/panel", func(r chi.Router) {
		r.Post("/accounts", s.handleCreateAccount)
		r.Post("/accounts/{accountID}/random-usage", s.handleRandomUsage)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/resource-usage/history", s.handleUsageHistory)
	})

	return r
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	account, err := s.store.CreateAccount(r.Context(), payload.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleRandomUsage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	obs, err := s.store.RecordRandomObservation(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, obs)
}

// handleUsageHistory serves the payload shape the sync worker consumes:
// {success, data:[...]}. Failures still answer 200 with success=false, the
// way the real panels this mimics do.
func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	account := s.accountFromContext(r.Context())
	observations, err := s.store.ListObservations(r.Context(), account.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if observations == nil {
		observations = []Observation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    observations,
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimSpace(r.Header.Get("x-api-key"))
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing x-api-key header")
			return
		}
		account, err := s.store.ValidateAPIKey(r.Context(), apiKey)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey{}, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accountFromContext(ctx context.Context) Account {
	return ctx.Value(accountContextKey{}).(Account)
}

type accountContextKey struct{}

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
