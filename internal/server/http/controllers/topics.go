package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mdedetrich/nakadi/internal/cursors"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// TopicsController handles topic administration, publishing and low-level
// partition streams.
type TopicsController struct {
	svc    *streamsvc.Service
	logger logpkg.Logger
}

func NewTopicsController(svc *streamsvc.Service, logger logpkg.Logger) *TopicsController {
	return &TopicsController{svc: svc, logger: logger}
}

// RegisterRoutes registers:
// - GET/POST /topics
// - GET /topics/{topic}/partitions[/{partition}]
// - POST /topics/{topic}/partitions/{partition}/events
// - GET /topics/{topic}/partitions/{partition}/events/stream
// - POST /event-types/{name}/events
func (c *TopicsController) RegisterRoutes(r chi.Router) {
	r.Route("/topics", func(r chi.Router) {
		r.Get("/", c.handleList)
		r.Post("/", c.handleCreate)
		r.Route("/{topic}/partitions", func(r chi.Router) {
			r.Get("/", c.handlePartitions)
			r.Get("/{partition}", c.handlePartition)
			r.Post("/{partition}/events", c.handlePostEvent)
			r.Get("/{partition}/events/stream", c.handleStream)
		})
	})
	r.Post("/event-types/{name}/events", c.handlePublish)
}

func (c *TopicsController) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := c.svc.ListTopics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]topicJSON, len(names))
	for i, n := range names {
		out[i] = topicJSON{Name: n}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *TopicsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTopicReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec := topicstore.StreamSpec{
		Name:           req.Name,
		Partitions:     req.Partitions,
		RetentionAge:   time.Duration(req.RetentionMs) * time.Millisecond,
		RetentionBytes: req.RetentionBytes,
	}
	if err := c.svc.CreateTopic(r.Context(), spec); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/topics/"+req.Name+"/partitions")
	writeJSON(w, http.StatusCreated, topicJSON{Name: req.Name})
}

func (c *TopicsController) handlePartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := c.svc.Partitions(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

func (c *TopicsController) handlePartition(w http.ResponseWriter, r *http.Request) {
	p, err := c.svc.Partition(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "partition"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePostEvent appends the body as one event and answers with its cursor.
func (c *TopicsController) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ev, err := c.svc.PostEvent(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "partition"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cursors.Cursor{Partition: ev.Partition, Offset: ev.Offset})
}

// handleStream reads one partition after the required start_from offset.
func (c *TopicsController) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := parseStreamParams(q)
	if err != nil {
		writeError(w, err)
		return
	}
	sink := newStreamSink(w, r)
	sess, err := c.svc.PartitionSession(chi.URLParam(r, "topic"), chi.URLParam(r, "partition"), q.Get("start_from"), params, sink)
	if err != nil {
		writeError(w, err)
		return
	}
	runSession(w, r, sess, c.logger)
}

// handlePublish stores a batch. All submitted answers 200 with no body, a
// storage failure 207 and a rejected batch 422, both with per-item results.
func (c *TopicsController) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := c.svc.Publish(r.Context(), chi.URLParam(r, "name"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	switch res.Status {
	case streamsvc.StatusSubmitted:
		w.WriteHeader(http.StatusOK)
	case streamsvc.StatusFailed:
		writeJSON(w, http.StatusMultiStatus, res.Items)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, res.Items)
	}
}
