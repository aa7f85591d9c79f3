package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mdedetrich/nakadi/internal/metrics"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/runtime"
)

// GeneralController serves health and metrics.
type GeneralController struct {
	rt *runtime.Runtime
}

func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers:
// - GET /healthz
// - GET /metrics
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", c.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

// handleHealth returns 200 {"status":"ok"} when storage, coordination and
// the topic store respond, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		problems.Write(w, problems.New(http.StatusServiceUnavailable, "not_serving: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
