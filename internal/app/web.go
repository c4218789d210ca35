// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/telemetry"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

// Server exposes a Pipeline over HTTP: JSON snapshots, commands, a
// websocket feed, a server-sent event stream and Prometheus metrics.
type Server struct {
	p       *Pipeline
	refresh time.Duration
	mux     *http.ServeMux

	// ListPorts is swapped in tests.
	ListPorts func() ([]transport.PortInfo, error)
}

// NewServer returns a server pushing websocket updates every refresh.
func NewServer(p *Pipeline, refresh time.Duration) *Server {
	if refresh <= 0 {
		refresh = 100 * time.Millisecond
	}
	s := &Server{
		p:         p,
		refresh:   refresh,
		mux:       http.NewServeMux(),
		ListPorts: transport.ListPorts,
	}

	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/connection", s.handleConnection)
	s.mux.HandleFunc("GET /api/log", s.handleLog)
	s.mux.HandleFunc("GET /api/orientation", s.handleOrientation)
	s.mux.HandleFunc("GET /api/orientation.png", s.handleOrientationPNG)
	s.mux.HandleFunc("GET /api/ports", s.handlePorts)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/frames", s.handleSessionFrames)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/logging/start", s.handleStartLogging)
	s.mux.HandleFunc("POST /api/logging/stop", s.handleStopLogging)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.Handle("GET /metrics", p.Metrics().Handler())
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("web: listening on %s", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("web: %w", err)
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	log.Info("web: stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("web: json encode error: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps command errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transport.ErrDeviceNotFound), errors.Is(err, recorder.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, transport.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, transport.ErrDeviceBusy),
		errors.Is(err, transport.ErrAlreadyConnected),
		errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, ErrLinkDraining):
		status = http.StatusConflict
	case errors.Is(err, ErrRecorderDisabled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

// intParam reads a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleSnapshot returns the full telemetry state. ?history=n keeps only
// the newest n frames.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "history", -1)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	snap := s.p.Store().Snapshot()
	if n >= 0 && n < len(snap.History) {
		snap.History = snap.History[len(snap.History)-n:]
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Status())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Transport().State())
}

// handleLog returns the newest n entries (default 100), most recent last,
// optionally filtered by ?min=warn.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 100)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	minSev := eventlog.Debug
	if v := r.URL.Query().Get("min"); v != "" {
		if minSev, err = eventlog.ParseSeverity(v); err != nil {
			badRequest(w, "%v", err)
			return
		}
	}

	entries := s.p.Events().Recent(0)
	filtered := make([]eventlog.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Severity >= minSev {
			filtered = append(filtered, e)
		}
	}
	if n > 0 && n < len(filtered) {
		filtered = filtered[len(filtered)-n:]
	}
	writeJSON(w, http.StatusOK, filtered)
}

type orientationView struct {
	orientation.Transform3D
	CSS      string           `json:"css"`
	Matrix3D string           `json:"matrix3d"`
	Tilt     orientation.Tilt `json:"tilt"`
}

func newOrientationView(cur telemetry.TelemetryState) orientationView {
	t := orientation.Project(cur.Orientation)
	return orientationView{Transform3D: t, CSS: t.CSS(), Matrix3D: t.Matrix3D(), Tilt: cur.Tilt}
}

func (s *Server) handleOrientation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newOrientationView(s.p.Store().Current()))
}

func (s *Server) handleOrientationPNG(w http.ResponseWriter, r *http.Request) {
	width, err := intParam(r, "w", 320)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	height, err := intParam(r, "h", 240)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	if width < 32 || height < 32 || width > 2048 || height > 2048 {
		badRequest(w, "image size must be 32-2048 pixels, got %dx%d", width, height)
		return
	}

	img := orientation.Render(orientation.Project(s.p.Store().Current().Orientation), width, height)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		log.Debugf("web: png encode error: %v", err)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.ListPorts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) recorder(w http.ResponseWriter) *recorder.Recorder {
	rec := s.p.Recorder()
	if rec == nil {
		writeError(w, ErrRecorderDisabled)
	}
	return rec
}

func sessionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", r.PathValue("id"))
	}
	return id, nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	rec := s.recorder(w)
	if rec == nil {
		return
	}
	sessions, err := rec.Sessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type sessionDetail struct {
	recorder.Session
	Log []eventlog.Entry `json:"log"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rec := s.recorder(w)
	if rec == nil {
		return
	}
	id, err := sessionID(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	sess, err := rec.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := rec.Events(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, Log: entries})
}

func (s *Server) handleSessionFrames(w http.ResponseWriter, r *http.Request) {
	rec := s.recorder(w)
	if rec == nil {
		return
	}
	id, err := sessionID(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	if _, err := rec.Session(id); err != nil {
		writeError(w, err)
		return
	}
	frames, err := rec.Frames(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frames)
}

// handleStream sends every new frame as a server-sent event until the
// client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	store := s.p.Store()
	cursor := store.Current().Received
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frames, next, err := store.Since(cursor)
		if errors.Is(err, telemetry.ErrNoNewData) {
			continue
		}
		cursor = next
		for _, f := range frames {
			payload, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", f.SequenceID, payload); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

type connectRequest struct {
	Device string `json:"device"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if err := s.p.Connect(r.Context(), req.Device); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.p.Transport().State())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.p.Transport().State())
}

type loggingRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleStartLogging(w http.ResponseWriter, r *http.Request) {
	var req loggingRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	sess, err := s.p.StartLogging(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopLogging(w http.ResponseWriter, r *http.Request) {
	sess, err := s.p.StopLogging()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
