// Package http exposes the service over HTTP: health and readiness probes,
// Prometheus metrics, the authorization callback, the canonical now-playing
// value, play history, and playback command endpoints.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"nowsync/internal/core"
	"nowsync/internal/store"
)

const historyDefaultLimit = 50

// Engine is the reconciliation surface the server talks to.
type Engine interface {
	CurrentNowPlaying() core.CanonicalNowPlaying
	ConnectionStatus() string
	ForceRefresh()
	TogglePlayback(ctx context.Context) error
	SkipNext(ctx context.Context) error
	SkipPrevious(ctx context.Context) error
}

// AuthManager owns the credential lifecycle.
type AuthManager interface {
	SaveCredential(token string) error
	Logout() error
}

// Authorizer produces login URLs and exchanges authorization codes.
type Authorizer interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// History serves recorded listens.
type History interface {
	Recent(limit int) ([]store.HistoryEntry, error)
}

// ArtworkFetcher resolves a snapshot's artwork reference to image bytes.
type ArtworkFetcher interface {
	Artwork(ctx context.Context, ref string) ([]byte, error)
}

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics

	engine  Engine
	manager AuthManager
	auth    Authorizer
	history History
	artwork ArtworkFetcher
}

// Metrics is the Prometheus-backed core.MetricsSink. It is built before the
// server so the engine and the resilience manager can be constructed with it.
type Metrics struct {
	ReconcilesTotal        *prometheus.CounterVec
	PublicationsTotal      *prometheus.CounterVec
	StaleDiscardsTotal     *prometheus.CounterVec
	ReconnectAttemptsTotal *prometheus.CounterVec
	ConnectionPhase        *prometheus.GaugeVec
	CommandsTotal          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		ReconcilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowsync_reconciles_total",
				Help: "Total number of reconciliation runs",
			},
			[]string{"trigger"},
		),
		PublicationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowsync_publications_total",
				Help: "Total number of canonical now-playing publications",
			},
			[]string{"state"},
		),
		StaleDiscardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowsync_stale_discards_total",
				Help: "Total number of out-of-order snapshots discarded",
			},
			[]string{"source"},
		),
		ReconnectAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowsync_reconnect_attempts_total",
				Help: "Total number of remote connection attempts",
			},
			[]string{"result"},
		),
		ConnectionPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nowsync_connection_phase",
				Help: "Current remote connection phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowsync_commands_total",
				Help: "Total number of playback commands dispatched",
			},
			[]string{"command", "status"},
		),
	}

	prometheus.MustRegister(
		metrics.ReconcilesTotal,
		metrics.PublicationsTotal,
		metrics.StaleDiscardsTotal,
		metrics.ReconnectAttemptsTotal,
		metrics.ConnectionPhase,
		metrics.CommandsTotal,
	)

	return metrics
}

func NewServer(config *core.ServerConfig, engine Engine, manager AuthManager, auth Authorizer, history History, artwork ArtworkFetcher, metrics *Metrics, logger *zap.Logger) *Server {
	s := &Server{
		config:  config,
		logger:  logger,
		metrics: metrics,
		engine:  engine,
		manager: manager,
		auth:    auth,
		history: history,
		artwork: artwork,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nowsync"})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "nowsync"})
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/nowplaying", s.handleNowPlaying)
	mux.HandleFunc("/artwork", s.handleArtwork)
	mux.HandleFunc("/history", s.handleHistory)

	mux.HandleFunc("/player/toggle", s.commandHandler(engine.TogglePlayback))
	mux.HandleFunc("/player/next", s.commandHandler(engine.SkipNext))
	mux.HandleFunc("/player/previous", s.commandHandler(engine.SkipPrevious))
	mux.HandleFunc("/player/refresh", s.handleRefresh)

	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/auth/logout", s.handleLogout)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

type nowPlayingResponse struct {
	State      string              `json:"state"`
	Source     string              `json:"source,omitempty"`
	Track      *core.TrackSnapshot `json:"track,omitempty"`
	Connection string              `json:"connection"`
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := s.engine.CurrentNowPlaying()
	resp := nowPlayingResponse{
		State:      now.State.String(),
		Track:      now.Snapshot,
		Connection: s.engine.ConnectionStatus(),
	}
	if now.State != core.StateEmpty {
		resp.Source = string(now.Source)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleArtwork serves the artwork behind the currently published track.
func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := s.engine.CurrentNowPlaying()
	if now.Snapshot == nil || now.Snapshot.ArtworkRef == "" {
		http.Error(w, "no artwork for the current track", http.StatusNotFound)
		return
	}

	data, err := s.artwork.Artwork(r.Context(), now.Snapshot.ArtworkRef)
	if err != nil {
		s.logger.Warn("Artwork fetch failed", zap.Error(err))
		http.Error(w, "artwork unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		_ = err
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.history.Recent(historyDefaultLimit)
	if err != nil {
		s.logger.Error("Failed to load play history", zap.Error(err))
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) commandHandler(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := fn(r.Context()); err != nil {
			s.logger.Warn("Playback command failed", zap.Error(err))
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.engine.ForceRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.auth.AuthURL("nowsync"), http.StatusTemporaryRedirect)
}

// handleCallback completes the out-of-band authorization flow. The code
// arrives as a URL parameter, is exchanged for a token, and the resulting
// access token is handed to the resilience manager which persists it and
// starts connecting.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	token, err := s.auth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Error("Failed to exchange authorization code", zap.Error(err))
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	if err := s.manager.SaveCredential(token.AccessToken); err != nil {
		s.logger.Error("Failed to save credential", zap.Error(err))
		http.Error(w, "failed to save credential", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.manager.Logout(); err != nil {
		s.logger.Error("Failed to log out", zap.Error(err))
		http.Error(w, "failed to log out", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Client went away mid-write; nothing useful to do.
		_ = err
	}
}

// core.MetricsSink implementation.

func (m *Metrics) RecordReconcile(trigger string) {
	m.ReconcilesTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordPublication(state string) {
	m.PublicationsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordStaleDiscard(source string) {
	m.StaleDiscardsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordReconnectAttempt(result string) {
	m.ReconnectAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnectionPhase(phase string) {
	for _, p := range core.ConnectionPhases {
		value := 0.0
		if p.String() == phase {
			value = 1.0
		}
		m.ConnectionPhase.WithLabelValues(p.String()).Set(value)
	}
}

func (m *Metrics) RecordCommand(cmd, status string) {
	m.CommandsTotal.WithLabelValues(cmd, status).Inc()
}
