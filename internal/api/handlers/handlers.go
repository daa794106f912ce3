// Package handlers implements the HTTP surface named in §6: health/status
// probes and the bearer-guarded admin routes for config refresh and model
// capability management. The inbound chat-provider webhook is served by
// internal/webhook's Gate, not by this package.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/registry"
	"github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/internal/vectorstore"
)

// Handlers holds the dependencies the non-webhook HTTP surface needs.
type Handlers struct {
	Memory   *memory.Service
	Vectors  vectorstore.Driver
	Router   *router.Service
	Registry *registry.Registry
	Version  string
}

func New(mem *memory.Service, vectors vectorstore.Driver, r *router.Service, reg *registry.Registry, version string) *Handlers {
	return &Handlers{Memory: mem, Vectors: vectors, Router: r, Registry: reg, Version: version}
}

// Health reports whether the process itself is up. Always 200 once the
// HTTP server is serving requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.Version})
}

// HealthVector probes the vector store and reports per-category counts.
func (h *Handlers) HealthVector(w http.ResponseWriter, r *http.Request) {
	if err := h.Vectors.HealthCheck(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	stats, err := h.Vectors.Stats(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "categories": stats})
}

// HealthModels reports per-provider health for every registered model driver.
func (h *Handlers) HealthModels(w http.ResponseWriter, r *http.Request) {
	results := h.Router.HealthCheckAll(r.Context())
	status := http.StatusOK
	out := make(map[string]string, len(results))
	for provider, err := range results {
		if err != nil {
			status = http.StatusServiceUnavailable
			out[provider] = err.Error()
		} else {
			out[provider] = "ok"
		}
	}
	respondJSON(w, status, out)
}

// RefreshConfig forces an immediate Knowledge Registry refresh rather
// than waiting for the next scheduled sync interval.
func (h *Handlers) RefreshConfig(w http.ResponseWriter, r *http.Request) {
	h.Registry.Refresh(r.Context())
	snapshot := h.Registry.Current()
	if snapshot == nil {
		respondError(w, http.StatusServiceUnavailable, "refresh did not produce a snapshot")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "refreshed", "version": snapshot.Version})
}

// ProbeModel eagerly exercises one provider/model pair to discover its
// capabilities ahead of real traffic.
func (h *Handlers) ProbeModel(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = "openai"
	}
	if err := h.Router.Probe(r.Context(), provider, model); err != nil {
		log.Warn().Err(err).Str("model", model).Msg("model probe failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "probed", "model": model})
}

// CostSummary reports accumulated estimated spend for a role (or
// "default" if unset), per SPEC_FULL.md's Model Routing Registry
// supplement.
func (h *Handlers) CostSummary(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	respondJSON(w, http.StatusOK, h.Router.GetCostSummary(role))
}

// SyncModels reloads learned model capabilities from persistent storage.
func (h *Handlers) SyncModels(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.LoadKnowledge(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
