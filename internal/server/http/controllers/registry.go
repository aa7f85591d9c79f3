package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/mdedetrich/nakadi/internal/runtime"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	subscriptionsvc "github.com/mdedetrich/nakadi/internal/services/subscriptions"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes.
type ControllerRegistry struct {
	general       *GeneralController
	topics        *TopicsController
	subscriptions *SubscriptionsController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, streamsSvc *streamsvc.Service, subsSvc *subscriptionsvc.Service, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:       NewGeneralController(rt),
		topics:        NewTopicsController(streamsSvc, logger),
		subscriptions: NewSubscriptionsController(subsSvc, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router) {
	r.general.RegisterRoutes(router)
	r.topics.RegisterRoutes(router)
	r.subscriptions.RegisterRoutes(router)
}
