// Package server exposes the dataset's read surface over REST and the
// chat channel over WebSocket. Handlers read only published snapshots;
// nothing here blocks on a sync in progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"auditchat/internal/auditerr"
	"auditchat/internal/dataset"
	"auditchat/internal/logging"
	"auditchat/internal/session"
	"auditchat/internal/store"
)

// Config tunes the transport. Zero values fall back to defaults.
type Config struct {
	Addr         string
	PingInterval time.Duration // WebSocket heartbeat
	WriteTimeout time.Duration // per WebSocket write
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server binds the engine, the table store, and the session manager to
// HTTP.
type Server struct {
	cfg      Config
	engine   *dataset.Engine
	store    *store.DatasetStore
	sessions *session.Manager
	mux      *http.ServeMux
	http     *http.Server
}

// New wires the routes.
func New(cfg Config, engine *dataset.Engine, st *store.DatasetStore, sessions *session.Manager) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		engine:   engine,
		store:    st,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /tables", s.handleTables)
	s.mux.HandleFunc("GET /tables/{table}/schema", s.handleTableSchema)
	s.mux.HandleFunc("GET /dataset/categories", s.handleCategories)
	s.mux.HandleFunc("GET /dataset/metadata", s.handleMetadata)
	s.mux.HandleFunc("GET /dataset/{category}/tables", s.handleCategoryTables)
	s.mux.HandleFunc("POST /dataset/sync", s.handleSync)
	s.mux.HandleFunc("GET /chat/{client_id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /ws/chat/{client_id}", s.handleWS)

	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.mux}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until the listener stops. http.ErrServerClosed after a
// graceful shutdown is not an error.
func (s *Server) Start() error {
	logging.Server("HTTP server listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Server("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	meta := s.engine.Metadata()
	payload := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if meta != nil {
		payload["dataset_version"] = meta.Version
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.store.ListTables()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (s *Server) handleTableSchema(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	sc, err := s.store.DescribeSchema(table)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":   table,
		"columns": sc,
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.engine.Categories()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": cats})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metadata())
}

func (s *Server) handleCategoryTables(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	meta := s.engine.Metadata()
	if meta == nil || meta.Category(category) == nil {
		writeError(w, http.StatusNotFound, auditerr.ErrUnknownCategory)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"category": category,
		"tables":   meta.ActiveTables(category),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	dispositions, err := s.engine.TriggerAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"sync": dispositions})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	turns, err := s.sessions.History(clientID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if turns == nil {
		turns = []store.ChatTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": clientID,
		"turns":     turns,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerWarn("Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
