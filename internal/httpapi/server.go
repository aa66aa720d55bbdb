// Package httpapi exposes the submission API spec.md §6 describes "for
// completeness": POST /analyze, GET /task/{id}, GET /result/{id},
// GET /tasks, DELETE /task/{id}, GET /vm-pool/status, GET /queue-status,
// plus the observability endpoints (/metrics, /metrics/json,
// /metrics/timeseries).
// Grounded on cmd/nova/main.go's startHTTPServer: a plain net/http
// ServeMux with Go 1.22 method-pattern routes, wrapped in
// observability.HTTPMiddleware.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/metrics"
	"github.com/zcyberseclab/vmm/internal/observability"
	"github.com/zcyberseclab/vmm/internal/pool"
	"github.com/zcyberseclab/vmm/internal/router"
	"github.com/zcyberseclab/vmm/internal/taskmgr"
)

// Submitter is the subset of *taskmgr.Manager the API needs; tests
// substitute a fake to avoid driving a real VM fleet.
type Submitter interface {
	Submit(task *domain.Task) bool
	Get(taskID string) (*domain.Task, bool)
	List() []*domain.Task
	Cancel(taskID string) bool
	QueueStatus() taskmgr.QueueStatus
}

// Config carries the upload/auth settings the API enforces, mirroring
// spec.md §6's server.* and auth.* config table entries.
type Config struct {
	UploadDir   string
	MaxFileSize int64
	AuthEnabled bool
	APIKeys     []string
	Fleet       router.FleetConfig
}

// Server wires a Submitter and a VM Pool into the HTTP surface.
type Server struct {
	cfg Config
	mgr Submitter
	p   *pool.Pool
}

func New(cfg Config, mgr Submitter, p *pool.Pool) *Server {
	return &Server{cfg: cfg, mgr: mgr, p: p}
}

// Handler builds the full mux, tracing middleware, and (if enabled)
// API-key auth, ready to hand to an http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("GET /task/{id}", s.handleTaskStatus)
	mux.HandleFunc("GET /result/{id}", s.handleResult)
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("DELETE /task/{id}", s.handleCancel)
	mux.HandleFunc("GET /vm-pool/status", s.handlePoolStatus)
	mux.HandleFunc("GET /queue-status", s.handleQueueStatus)

	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /metrics/json", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics/timeseries", metrics.Global().TimeSeriesHandler())

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux
	if s.cfg.AuthEnabled {
		handler = s.apiKeyMiddleware(handler)
	}
	return observability.HTTPMiddleware(handler)
}

// apiKeyMiddleware rejects requests missing a recognized X-API-Key
// header, per spec.md §6's "Auth via X-API-Key header". /health and the
// observability endpoints stay open so a load balancer or scrape target
// never needs a key.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	publicPaths := map[string]bool{
		"/health":             true,
		"/metrics":            true,
		"/metrics/json":       true,
		"/metrics/timeseries": true,
	}
	allowed := make(map[string]bool, len(s.cfg.APIKeys))
	for _, k := range s.cfg.APIKeys {
		allowed[k] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" || !allowed[key] {
			http.Error(w, "missing or invalid X-API-Key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > s.cfg.MaxFileSize {
		http.Error(w, "file exceeds server.max_file_size", http.StatusRequestEntityTooLarge)
		return
	}

	taskID := uuid.New().String()
	destPath := filepath.Join(s.cfg.UploadDir, taskID+"-"+filepath.Base(header.Filename))
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		http.Error(w, "server storage unavailable", http.StatusInternalServerError)
		return
	}

	probe := make([]byte, 20)
	n, _ := file.Read(probe)
	probe = probe[:n]

	dest, err := os.Create(destPath)
	if err != nil {
		http.Error(w, "server storage unavailable", http.StatusInternalServerError)
		return
	}
	written, err := dest.Write(probe)
	if err == nil {
		var copied int64
		copied, err = io.Copy(dest, file)
		written += int(copied)
	}
	dest.Close()
	if err != nil {
		os.Remove(destPath)
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	fileHash, err := domain.HashSampleFile(destPath)
	if err != nil {
		logging.Op().Warn("failed to hash uploaded sample", "task_id", taskID, "error", err)
	}

	var requested []string
	if v := r.FormValue("vm_names"); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				requested = append(requested, name)
			}
		}
	}

	vmNames, err := router.SelectVMs(probe, requested, s.cfg.Fleet)
	if err != nil {
		os.Remove(destPath)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	timeout := domain.MaxTaskTimeout
	if v := r.FormValue("timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeout = n
		}
	}

	tc := observability.ExtractTraceContext(r.Context())
	task := &domain.Task{
		TaskID:      taskID,
		FilePath:    destPath,
		FileName:    header.Filename,
		FileHash:    fileHash,
		FileSize:    int64(written),
		VMNames:     vmNames,
		Timeout:     timeout,
		Status:      domain.TaskPending,
		TraceParent: tc.TraceParent,
		TraceState:  tc.TraceState,
	}

	if !s.mgr.Submit(task) {
		os.Remove(destPath)
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"task_id": task.TaskID,
		"status":  string(task.Status),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.mgr.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"task_id":    task.TaskID,
		"status":     task.Status,
		"created_at": task.CreatedAt,
		"started_at": task.StartedAt,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	task, ok := s.mgr.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if !task.Status.Terminal() {
		http.Error(w, fmt.Sprintf("task still %s", task.Status), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	statusFilter := domain.TaskStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	all := s.mgr.List()
	out := make([]*domain.Task, 0, len(all))
	for _, t := range all {
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.mgr.Cancel(r.PathValue("id")) {
		http.Error(w, "task not found or already finished", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.p.Status())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.mgr.QueueStatus())
}

// NewHTTPServer builds the http.Server for addr and handler with the
// daemon's read/write timeouts. It does not start it; the caller runs
// ListenAndServe and drives shutdown via Shutdown.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // sample uploads can be large
	}
}
