package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/runner"
	"image-compressor-go/internal/selection"
	"image-compressor-go/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Server is the local presentation layer. It drives a runner.Coordinator and
// streams results, log lines and lifecycle events to WebSocket clients.
type Server struct {
	cfg         *config.Config
	log         logrus.FieldLogger
	router      *mux.Router
	httpServer  *http.Server
	wsUpgrader  websocket.Upgrader
	wsClients   map[*websocket.Conn]bool
	wsMutex     sync.Mutex
	coordinator *runner.Coordinator
	selector    *selection.Selector
	stats       *statistics.Statistics
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RunRequest starts a compression run over Paths (files or directories).
// Zero values fall back to the configuration.
type RunRequest struct {
	Paths           []string `json:"paths"`
	OutputDirectory string   `json:"output_directory,omitempty"`
	Threads         int      `json:"threads,omitempty"`
	Quality         int      `json:"quality,omitempty"`
	DryRun          bool     `json:"dry_run"`
	PreferExternal  *bool    `json:"prefer_external,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ResultMessage is the WebSocket payload of one compression result.
type ResultMessage struct {
	Source           string  `json:"source"`
	Destination      string  `json:"destination,omitempty"`
	OriginalSize     *int64  `json:"original_size,omitempty"`
	NewSize          *int64  `json:"new_size,omitempty"`
	Method           string  `json:"method,omitempty"`
	DryRun           bool    `json:"dry_run"`
	Error            string  `json:"error,omitempty"`
	SavedBytes       int64   `json:"saved_bytes"`
	PercentageSaved  float64 `json:"percentage_saved"`
	DurationMillisec int64   `json:"duration_ms"`
}

var _ runner.Reporter = (*Server)(nil)

// NewServer builds a server and the coordinator it controls.
func NewServer(cfg *config.Config, log logrus.FieldLogger, comp compressor.Compressor) *Server {
	fs := afero.NewOsFs()
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: sameHostOrigin,
		},
		selector: selection.NewSelector(fs, cfg.SupportedExtensions, log),
		stats:    statistics.NewStatistics(),
	}
	s.coordinator = runner.NewCoordinator(comp, runner.Serialize(runner.Multi(s.stats, s)), log, fs, runner.ConfigFrom(cfg.Performance))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/run", s.handleRun).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/clear", s.handleClear).Methods("POST")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Coordinator returns the coordinator driven by this server.
func (s *Server) Coordinator() *runner.Coordinator {
	return s.coordinator
}

// Start listens on the configured host and port until Stop is called.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Web.Host, strconv.Itoa(s.cfg.Web.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://%s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels any active run, waits for it to wind down and shuts the
// listener.
func (s *Server) Stop(ctx context.Context) error {
	if _, err := s.coordinator.Stop(); err == nil {
		if err := s.coordinator.Wait(ctx); err != nil {
			s.log.Warnf("Run did not finish before shutdown: %v", err)
		}
	}

	s.wsMutex.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"state":       s.coordinator.State().String(),
			"run":         s.coordinator.Info(),
			"status_line": s.stats.StatusLine(),
		},
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Paths) == 0 {
		s.writeError(w, "At least one path is required", http.StatusBadRequest)
		return
	}

	paths, err := s.selector.Collect(req.Paths)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(paths) == 0 {
		s.writeError(w, "No files selected", http.StatusBadRequest)
		return
	}

	opts := s.cfg.CompressionOptions()
	opts.DryRun = req.DryRun
	if req.OutputDirectory != "" {
		opts.OutputDir = req.OutputDirectory
	}
	if req.Quality != 0 {
		opts.Quality = req.Quality
	}
	if req.PreferExternal != nil {
		opts.PreferExternal = *req.PreferExternal
	}

	info, err := s.coordinator.Start(runner.Request{Paths: paths, Threads: req.Threads, Options: opts})
	if errors.Is(err, runner.ErrRunAlreadyActive) {
		s.writeError(w, "Run already active", http.StatusConflict)
		return
	}
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.stats.SetTotalFiles(len(paths))

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Run started",
		Data:    info,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	outcome, _ := s.coordinator.Stop()
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: outcome.String(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Clear(); err != nil {
		s.writeError(w, "Run still active", http.StatusConflict)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Cleared",
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary": s.stats.GetSummary(),
			"totals":  s.stats.Snapshot(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// ReportResult implements runner.Reporter.
func (s *Server) ReportResult(res compressor.Result) {
	msg := ResultMessage{
		Source:           res.SourcePath,
		Destination:      res.Destination,
		OriginalSize:     res.OriginalSize,
		NewSize:          res.NewSize,
		DryRun:           res.DryRun,
		SavedBytes:       res.SavedBytes(),
		PercentageSaved:  res.PercentageSaved(),
		DurationMillisec: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if res.Succeeded() {
		msg.Method = res.MethodLabel()
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	s.broadcastWSMessage("result", msg)
}

// ReportLog implements runner.Reporter.
func (s *Server) ReportLog(line string) {
	s.broadcastWSMessage("log", map[string]interface{}{
		"message": line,
	})
}

// Notify implements runner.Reporter.
func (s *Server) Notify(ev runner.Event) {
	data := map[string]interface{}{
		"run":         s.coordinator.Info(),
		"status_line": s.stats.StatusLine(),
	}
	if ev == runner.EventAllTasksComplete || ev == runner.EventStopComplete {
		data["statistics"] = s.stats.GetSummary()
	}
	s.broadcastWSMessage(ev.String(), data)
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// gorilla connections allow one concurrent writer.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

// sameHostOrigin only accepts browser connections from the page served by
// this host. Non-browser clients send no Origin header.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == fmt.Sprintf("http://%s", r.Host) || origin == fmt.Sprintf("https://%s", r.Host)
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
