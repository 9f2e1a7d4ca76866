package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/internal/store"
	"github.com/fluxflowhq/fluxflow/internal/worker"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const maxBodyBytes = 64 << 10

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AdminToken guards mutating routes when set.
	AdminToken string
}

// Runs is the run control surface. *worker.Pool satisfies it.
type Runs interface {
	Submit(job worker.Job) (<-chan worker.Outcome, error)
	Active() (worker.ActiveRun, bool)
	Cancel(runID string) bool
}

// SettingsStore reads and persists the default probe selection.
// *config.Settings satisfies it.
type SettingsStore interface {
	Selection() types.ProbeSelection
	UpdateSelection(sel types.ProbeSelection) (types.ProbeSelection, error)
}

// Readiness reports whether the engine can serve. *health.Checker satisfies it.
type Readiness interface {
	Ready(ctx context.Context) (bool, []string)
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger    logrus.FieldLogger
	Store     store.Store
	Runs      Runs
	Settings  SettingsStore
	Hub       *Hub
	Metrics   http.Handler
	Health    Readiness
	SystemDNS func(ctx context.Context) string
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// New constructs the HTTP API server.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9320"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/results", resultsHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/runs", adminOnly(cfg, startRunHandler(deps))).Methods(http.MethodPost)
	api.HandleFunc("/runs/active", activeRunHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/runs/active", adminOnly(cfg, cancelRunHandler(deps))).Methods(http.MethodDelete)
	api.HandleFunc("/settings", getSettingsHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/settings", adminOnly(cfg, putSettingsHandler(deps))).Methods(http.MethodPut)
	api.HandleFunc("/dns/system", systemDNSHandler(deps)).Methods(http.MethodGet)
	api.Handle("/events", deps.Hub).Methods(http.MethodGet)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

func resultsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results, err := deps.Store.Query(r.Context(), f)
		if err != nil {
			deps.Logger.WithError(err).Error("query results failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if results == nil {
			results = []types.AggregatedResult{}
		}
		writeJSON(w, http.StatusOK, struct {
			Items  []types.AggregatedResult `json:"items"`
			Limit  int                      `json:"limit"`
			Offset int                      `json:"offset"`
		}{Items: results, Limit: f.Limit, Offset: f.Offset})
	}
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	from, err := store.ParseBound(q.Get("from"), false)
	if err != nil {
		return store.Filter{}, err
	}
	to, err := store.ParseBound(q.Get("to"), true)
	if err != nil {
		return store.Filter{}, err
	}
	f := store.Filter{From: from, To: to, Text: q.Get("q")}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return store.Filter{}, errors.New("limit must be a non-negative integer")
		}
		f.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return store.Filter{}, errors.New("offset must be a non-negative integer")
		}
		f.Offset = v
	}
	return f.Normalize(), nil
}

func startRunHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			http.Error(w, "runs unavailable", http.StatusServiceUnavailable)
			return
		}
		var sel types.ProbeSelection
		if deps.Settings != nil {
			sel = deps.Settings.Selection()
		} else {
			sel = types.DefaultSelection()
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			// Keys missing from the body keep the enabled default.
			sel = types.DefaultSelection()
			if err := json.Unmarshal(body, &sel); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}

		job := worker.Job{RunID: uuid.NewString(), Selection: sel.Normalize(), Trigger: worker.TriggerAPI}
		if _, err := deps.Runs.Submit(job); err != nil {
			switch {
			case errors.Is(err, worker.ErrBusy):
				active, _ := deps.Runs.Active()
				writeJSON(w, http.StatusConflict, struct {
					Error  string           `json:"error"`
					Kind   types.FatalKind  `json:"kind"`
					Active worker.ActiveRun `json:"active"`
				}{Error: err.Error(), Kind: types.FatalBusy, Active: active})
			case errors.Is(err, worker.ErrStopped):
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			default:
				deps.Logger.WithError(err).Error("submit run failed")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		deps.Logger.WithField("run_id", job.RunID).Info("run accepted")
		writeJSON(w, http.StatusAccepted, struct {
			RunID string `json:"run_id"`
		}{RunID: job.RunID})
	}
}

func activeRunHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp struct {
			Active bool              `json:"active"`
			Run    *worker.ActiveRun `json:"run,omitempty"`
		}
		if deps.Runs != nil {
			if run, ok := deps.Runs.Active(); ok {
				resp.Active = true
				resp.Run = &run
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelRunHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil || !deps.Runs.Cancel(r.URL.Query().Get("run_id")) {
			http.Error(w, "no matching active run", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getSettingsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sel := types.DefaultSelection()
		if deps.Settings != nil {
			sel = deps.Settings.Selection()
		}
		writeJSON(w, http.StatusOK, sel)
	}
}

func putSettingsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Settings == nil {
			http.Error(w, "settings unavailable", http.StatusServiceUnavailable)
			return
		}
		// Missing keys keep the enabled default, as in the config file.
		sel := types.DefaultSelection()
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&sel); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		saved, err := deps.Settings.UpdateSelection(sel)
		if err != nil {
			deps.Logger.WithError(err).Error("update settings failed")
			http.Error(w, "unable to save settings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func systemDNSHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server := types.Unknown
		if deps.SystemDNS != nil {
			server = deps.SystemDNS(r.Context())
		}
		writeJSON(w, http.StatusOK, struct {
			Server string `json:"server"`
		}{Server: server})
	}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Health.Ready(r.Context())
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, struct {
			Ready   bool     `json:"ready"`
			Reasons []string `json:"reasons,omitempty"`
		}{Ready: ready, Reasons: reasons})
	}
}

func adminOnly(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminToken) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// authorizeAdmin accepts every request when no token is configured.
func authorizeAdmin(r *http.Request, token string) bool {
	if strings.TrimSpace(token) == "" {
		return true
	}
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
