package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semwatch/storage"
	"github.com/c360studio/semwatch/workspace"
)

// Info is the response for GET /info.
type Info struct {
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"startedAt"`
	SourceRoot string    `json:"sourceRoot"`
	Port       int       `json:"port"`
	Transport  string    `json:"transport"`
	Registry   string    `json:"registry,omitempty"`
	Debounce   string    `json:"debounce"`
	Watch      bool      `json:"watch"`
	Format     string    `json:"format"`
	History    bool      `json:"history"`
}

// Health is the response for GET /healthz.
type Health struct {
	Status  string `json:"status"`
	Engine  bool   `json:"engine"`
	Watcher string `json:"watcher"`
}

func (a *App) registerHTTPHandlers(mux *http.ServeMux) {
	a.dashboard.RegisterHTTPHandlers("", mux)
	a.control.RegisterHTTPHandlers("/control", mux)

	mux.HandleFunc("GET /tree", a.handleTree)
	mux.HandleFunc("GET /file", a.handleFile)
	mux.HandleFunc("GET /info", a.handleInfo)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /history", a.handleHistory)
	mux.HandleFunc("GET /history/{runID}", a.handleHistoryRun)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(dir)))
	}
}

// handleTree lists source files relative to the root.
func (a *App) handleTree(w http.ResponseWriter, _ *http.Request) {
	files, err := a.workspace.Gather()
	if err != nil {
		a.logger.Error("Failed to gather source files", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list source files")
		return
	}
	a.writeJSON(w, http.StatusOK, files)
}

// handleFile returns the raw content of ?file=, confined to the source root.
func (a *App) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		a.writeError(w, http.StatusBadRequest, "file parameter is required")
		return
	}

	data, err := a.workspace.ReadFile(name)
	switch {
	case errors.Is(err, workspace.ErrOutsideRoot):
		a.writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, workspace.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		a.logger.Warn("Failed to read file", "file", name, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) handleInfo(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, Info{
		Version:    a.version,
		StartedAt:  a.startedAt,
		SourceRoot: a.workspace.Root(),
		Port:       a.cfg.Server.Port,
		Transport:  a.cfg.Engine.Transport,
		Registry:   a.cfg.Engine.Registry,
		Debounce:   a.cfg.Engine.Debounce.String(),
		Watch:      a.cfg.WatchEnabled(),
		Format:     a.cfg.Report.Format,
		History:    a.history != nil,
	})
}

// handleHealth always answers 200; a degraded watcher or a stopped engine is
// reported in the body.
func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok", Engine: a.bridge.Started(), Watcher: "disabled"}
	if a.watcher != nil {
		h.Watcher = "ok"
		if a.watcher.Degraded() {
			h.Watcher = "degraded"
		}
	}
	if !h.Engine || h.Watcher == "degraded" {
		h.Status = "degraded"
	}
	a.writeJSON(w, http.StatusOK, h)
}

// handleHistory lists archived runs, newest first.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		a.writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	records, err := a.history.List(r.Context())
	if err != nil {
		a.logger.Warn("Failed to list run history", "error", err)
		a.writeError(w, http.StatusBadGateway, "failed to read run history")
		return
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *App) handleHistoryRun(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		a.writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	runID := r.PathValue("runID")
	rec, err := a.history.Get(r.Context(), runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		a.logger.Warn("Failed to read run", "run_id", runID, "error", err)
		a.writeError(w, http.StatusBadGateway, "failed to read run history")
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Failed to encode JSON response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
