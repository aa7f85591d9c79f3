package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	subscriptionsvc "github.com/mdedetrich/nakadi/internal/services/subscriptions"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// SubscriptionsController handles subscriptions, their cursors and their
// event streams.
type SubscriptionsController struct {
	svc    *subscriptionsvc.Service
	logger logpkg.Logger
}

func NewSubscriptionsController(svc *subscriptionsvc.Service, logger logpkg.Logger) *SubscriptionsController {
	return &SubscriptionsController{svc: svc, logger: logger}
}

// RegisterRoutes registers:
// - POST/GET /subscriptions
// - GET/DELETE /subscriptions/{id}
// - GET/PUT /subscriptions/{id}/cursors
// - GET /subscriptions/{id}/events (NDJSON or SSE)
// - GET /subscriptions/{id}/events/ws
func (c *SubscriptionsController) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", c.handleCreate)
		r.Get("/", c.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.handleGet)
			r.Delete("/", c.handleDelete)
			r.Get("/cursors", c.handleGetCursors)
			r.Put("/cursors", c.handleCommit)
			r.Get("/events", c.handleStream)
			r.Get("/events/ws", c.handleStreamWS)
		})
	})
}

// handleCreate answers 201 for a new subscription and 200 with the existing
// one when the same application, event types and group are registered.
func (c *SubscriptionsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, created, err := c.svc.Create(r.Context(), subscriptions.Subscription{
		OwningApplication: req.OwningApplication,
		EventTypes:        req.EventTypes,
		ConsumerGroup:     req.ConsumerGroup,
		ReadFrom:          req.ReadFrom,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Location", "/subscriptions/"+sub.ID)
	writeJSON(w, status, sub)
}

func (c *SubscriptionsController) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := subscriptions.ListOptions{
		OwningApplication: q.Get("owning_application"),
		EventType:         q.Get("event_type"),
	}
	var err error
	if opts.Limit, err = parseNonNegative(q, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if opts.Offset, err = parseNonNegative(q, "offset"); err != nil {
		writeError(w, err)
		return
	}
	subs, err := c.svc.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionListJSON{Items: subs})
}

func (c *SubscriptionsController) handleGet(w http.ResponseWriter, r *http.Request) {
	sub, err := c.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (c *SubscriptionsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (c *SubscriptionsController) handleGetCursors(w http.ResponseWriter, r *http.Request) {
	cs, err := c.svc.Cursors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cursorsJSON{Items: cs})
}

// handleCommit answers 204 when every cursor advanced and 200 with per-item
// results when some were outdated.
func (c *SubscriptionsController) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req cursorsJSON
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := c.svc.Commit(r.Context(), chi.URLParam(r, "id"), req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Committed {
		writeNoContent(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *SubscriptionsController) handleStream(w http.ResponseWriter, r *http.Request) {
	params, err := parseStreamParams(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	sink := newStreamSink(w, r)
	sess, err := c.svc.NewSession(r.Context(), chi.URLParam(r, "id"), params, sink)
	if err != nil {
		writeError(w, err)
		return
	}
	runSession(w, r, sess, c.logger)
}

func (c *SubscriptionsController) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	params, err := parseStreamParams(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	sink := &wsSink{}
	sess, err := c.svc.NewSession(r.Context(), chi.URLParam(r, "id"), params, sink)
	if err != nil {
		writeError(w, err)
		return
	}
	serveWebSocket(w, r, sess, sink, c.logger)
}
