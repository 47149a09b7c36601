// Package api exposes viewers over HTTP: create and reconfigure them, read their
// status, follow status changes over a WebSocket and scrape metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SB-IM/liveview/internal/api/httpx"
	"github.com/SB-IM/liveview/internal/session"
	"github.com/SB-IM/liveview/internal/sink"
	"github.com/SB-IM/liveview/internal/viewer"
)

const shutdownTimeout = 5 * time.Second

// ConfigOptions configures the HTTP server.
type ConfigOptions struct {
	Host string
	Port int
	// RecordDir is where recordings go, one directory per viewer. Empty disables recording.
	RecordDir string
}

// Server keeps named viewers.
type Server struct {
	transports session.TransportFactory
	signaler   session.Signaler
	config     ConfigOptions
	ctx        context.Context
	logger     zerolog.Logger

	mu      sync.Mutex
	viewers map[string]*viewer.Viewer
}

// New returns a server creating viewers on transports and signaler.
func New(ctx context.Context, transports session.TransportFactory, signaler session.Signaler, config ConfigOptions) *Server {
	return &Server{
		transports: transports,
		signaler:   signaler,
		config:     config,
		ctx:        ctx,
		logger:     log.Ctx(ctx).With().Str("component", "api").Logger(),
		viewers:    make(map[string]*viewer.Viewer),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/viewers", s.handleList()).Methods(http.MethodGet)
	r.HandleFunc("/v1/viewers/{name}", s.handlePut()).Methods(http.MethodPut)
	r.HandleFunc("/v1/viewers/{name}", s.handleGet()).Methods(http.MethodGet)
	r.HandleFunc("/v1/viewers/{name}", s.handleDelete()).Methods(http.MethodDelete)
	r.HandleFunc("/v1/viewers/{name}/events", s.handleEvents()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve serves until ctx is done, then detaches every viewer.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("starting HTTP server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("could not shut down HTTP server: %w", err)
	}
	return nil
}

// Close detaches and forgets every viewer.
func (s *Server) Close() {
	s.mu.Lock()
	viewers := s.viewers
	s.viewers = make(map[string]*viewer.Viewer)
	s.mu.Unlock()

	for _, v := range viewers {
		v.Detach()
	}
}

// Viewer returns the named viewer.
func (s *Server) Viewer(name string) (*viewer.Viewer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.viewers[name]
	return v, ok
}

type viewerRequest struct {
	Target      string              `json:"target"`
	Audio       bool                `json:"audio"`
	Video       bool                `json:"video"`
	Playback    *sink.PlaybackHints `json:"playback,omitempty"`
	Record      bool                `json:"record"`
	KeepPending bool                `json:"keep_pending"`
}

func (r viewerRequest) config() viewer.Config {
	hints := sink.DefaultPlaybackHints
	if r.Playback != nil {
		hints = *r.Playback
	}
	return viewer.Config{
		Target:      r.Target,
		Audio:       r.Audio,
		Video:       r.Video,
		Playback:    hints,
		KeepPending: r.KeepPending,
	}
}

type trackStatus struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type viewerStatus struct {
	Name       string             `json:"name"`
	Generation uint64             `json:"generation"`
	Target     string             `json:"target"`
	State      string             `json:"state"`
	Error      string             `json:"error,omitempty"`
	Tracks     []trackStatus      `json:"tracks"`
	Playback   sink.PlaybackHints `json:"playback"`
	Record     bool               `json:"record"`
}

func statusOf(v *viewer.Viewer) viewerStatus {
	st := v.Status()
	out := viewerStatus{
		Name:       v.Name(),
		Generation: st.Generation,
		Target:     st.Target,
		State:      st.State.String(),
		Error:      st.Reason(),
		Tracks:     []trackStatus{},
		Playback:   v.Hints(),
	}
	if surface := v.Surface(); surface != nil {
		out.Record = surface.Recording()
	}
	if stream := v.Stream(); stream != nil {
		for _, t := range stream.Tracks() {
			out.Tracks = append(out.Tracks, trackStatus{ID: t.ID(), Kind: t.Kind()})
		}
	}
	return out
}

func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		list := make([]viewerStatus, 0, len(s.viewers))
		for _, v := range s.viewers {
			list = append(list, statusOf(v))
		}
		s.mu.Unlock()

		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		writeJSON(w, http.StatusOK, list, &s.logger)
	}
}

func (s *Server) handlePut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		logger := s.logger.With().Str("viewer", name).Logger()

		var req viewerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Err(err).Msg("could not decode request json body")
			httpx.WriteError(w, http.StatusBadRequest, httpx.ErrUnmarshalJSON)
			return
		}

		v, created, err := s.apply(name, req, &logger)
		switch {
		case errors.Is(err, session.ErrNegotiationPending):
			httpx.WriteError(w, http.StatusConflict, httpx.ErrNegotiationPending)
			return
		case err != nil:
			logger.Err(err).Msg("could not start viewer")
			httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrFailedToStartViewer)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, statusOf(v), &logger)
	}
}

// apply reconfigures the named viewer, creating and attaching it if needed.
func (s *Server) apply(name string, req viewerRequest, logger *zerolog.Logger) (*viewer.Viewer, bool, error) {
	s.mu.Lock()
	v, ok := s.viewers[name]
	if !ok {
		v = viewer.New(s.ctx, name, s.transports, s.signaler, req.config())
		s.viewers[name] = v
	}
	s.mu.Unlock()

	record := req.Record && s.config.RecordDir != ""
	if ok {
		if surface := v.Surface(); surface != nil {
			if surface.Recording() == record {
				return v, false, v.Configure(req.config())
			}
			// Recording is a property of the surface; swap it for a new one.
			v.Detach()
		}
		if err := v.Configure(req.config()); err != nil {
			return v, false, err
		}
	}

	var recorder *sink.Recorder
	if record {
		dir := filepath.Join(s.config.RecordDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return v, !ok, fmt.Errorf("could not create record directory: %w", err)
		}
		recorder = sink.NewRecorder(dir, logger)
	}
	surface := sink.NewSurface(name, req.config().Playback, recorder, logger)
	return v, !ok, v.Attach(surface)
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := s.Viewer(mux.Vars(r)["name"])
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, httpx.ErrViewerNotFound)
			return
		}
		writeJSON(w, http.StatusOK, statusOf(v), &s.logger)
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		s.mu.Lock()
		v, ok := s.viewers[name]
		delete(s.viewers, name)
		s.mu.Unlock()

		if !ok {
			httpx.WriteError(w, http.StatusNotFound, httpx.ErrViewerNotFound)
			return
		}
		v.Detach()
		s.logger.Info().Str("viewer", name).Msg("deleted viewer")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("could not encode json response body")
	}
}
