// Package api serves the read-only HTTP API: health, the current
// catalog, per-representation state, ingest sources, origin sessions
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/moqpub/internal/catalog"
	"github.com/zsiec/moqpub/internal/distribution"
	"github.com/zsiec/moqpub/internal/ingest"
	"github.com/zsiec/moqpub/internal/metrics"
	"github.com/zsiec/moqpub/internal/publisher"
	"github.com/zsiec/moqpub/internal/stream"
)

// catalogTimeout bounds how long a request waits for the catalog.
const catalogTimeout = 2 * time.Second

// Config wires the API to the rest of the process. Nil callbacks serve
// empty lists.
type Config struct {
	Catalog         func(ctx context.Context) (catalog.Catalog, error)
	Representations func() []publisher.Status
	Lanes           func() []stream.Info
	Sources         func() []ingest.Stats
	Sessions        func() []distribution.SessionStats
	// CertHash is the base64 SHA-256 of the origin certificate.
	CertHash string
	MoQAddr  string
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Representation is a publisher status joined with its ingest lane.
type Representation struct {
	publisher.Status
	Lane *stream.Info `json:"lane,omitempty"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

type handler struct {
	cfg Config
	log *slog.Logger
}

// NewHandler returns the API router.
func NewHandler(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handler{cfg: cfg, log: log.With("component", "api")}

	r := chi.NewRouter()
	r.Use(RequestLogger(h.log))
	if cfg.Metrics != nil {
		r.Use(metrics.RequestMiddleware(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler(h.updateGauges))
	}
	r.Get("/healthz", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", h.catalog)
		r.Get("/representations", h.representations)
		r.Get("/representations/{id}", h.representation)
		r.Get("/sources", h.sources)
		r.Get("/sessions", h.sessions)
		r.Get("/cert-hash", h.certHash)
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) catalog(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "no catalog")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()
	c, err := h.cfg.Catalog(ctx)
	if err != nil {
		h.log.Warn("catalog snapshot", "error", err)
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) list() []Representation {
	lanes := make(map[string]stream.Info)
	if h.cfg.Lanes != nil {
		for _, l := range h.cfg.Lanes() {
			lanes[l.Key] = l
		}
	}

	var out []Representation
	seen := make(map[string]bool)
	if h.cfg.Representations != nil {
		for _, st := range h.cfg.Representations() {
			rep := Representation{Status: st}
			if l, ok := lanes[st.ID]; ok {
				rep.Lane = &l
			}
			seen[st.ID] = true
			out = append(out, rep)
		}
	}
	// A lane whose source has not produced a box yet has no status.
	for key, l := range lanes {
		if !seen[key] {
			out = append(out, Representation{Status: publisher.Status{ID: key}, Lane: &l})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if out == nil {
		out = []Representation{}
	}
	return out
}

func (h *handler) representations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.list())
}

func (h *handler) representation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rep := range h.list() {
		if rep.ID == id {
			writeJSON(w, http.StatusOK, rep)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown representation")
}

func (h *handler) sources(w http.ResponseWriter, _ *http.Request) {
	out := []ingest.Stats{}
	if h.cfg.Sources != nil {
		out = append(out, h.cfg.Sources()...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) sessions(w http.ResponseWriter, _ *http.Request) {
	out := []distribution.SessionStats{}
	if h.cfg.Sessions != nil {
		out = append(out, h.cfg.Sessions()...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) certHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{Hash: h.cfg.CertHash, Addr: h.cfg.MoQAddr})
}

func (h *handler) updateGauges() {
	if h.cfg.Sessions != nil {
		h.cfg.Metrics.SetSessions(len(h.cfg.Sessions()))
	}
	if h.cfg.Lanes != nil {
		byState := make(map[string]int)
		for _, l := range h.cfg.Lanes() {
			byState[string(l.State)]++
		}
		h.cfg.Metrics.SetLanes(byState)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
