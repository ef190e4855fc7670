package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"marketstream/config"
	"marketstream/logger"
	"marketstream/recorder"
	"marketstream/stream"
)

// Server hosts the JSON status endpoint for the streaming daemon.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	provider   *stream.Provider
	rec        *recorder.Recorder
	httpServer *http.Server
	appName    string
	started    time.Time
}

// NewServer constructs a status server when the dashboard feature is
// enabled. When disabled the returned server is nil and Run is a no-op.
func NewServer(cfg config.DashboardConfig, provider *stream.Provider, rec *recorder.Recorder, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		provider: provider,
		rec:      rec,
	}
}

type statusResponse struct {
	Service       string            `json:"service"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connections   stream.ConnStatus `json:"connections"`
	Subscriptions int               `json:"subscriptions"`
	Symbols       int               `json:"symbols"`
	Recorder      *recorderStatus   `json:"recorder,omitempty"`
}

type recorderStatus struct {
	Uploads int64 `json:"uploads"`
	Rows    int64 `json:"rows"`
	Errors  int64 `json:"errors"`
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	s.appName = appName
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: mux,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Service:       s.appName,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connections:   s.provider.Status(),
		Subscriptions: s.provider.SubscriptionCount(),
		Symbols:       s.provider.SymbolCount(),
	}
	if s.rec != nil {
		uploads, rows, errs := s.rec.Stats()
		resp.Recorder = &recorderStatus{Uploads: uploads, Rows: rows, Errors: errs}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("failed to encode status response")
	}
}
