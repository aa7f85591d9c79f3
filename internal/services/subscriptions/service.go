package subscriptionsvc

import (
	"context"
	"errors"
	"fmt"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/runtime"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Service manages subscriptions, their cursors and their stream sessions.
type Service struct {
	rt      *runtime.Runtime
	streams *streamsvc.Service
	logger  logpkg.Logger
}

// New returns a Service that opens sessions through streams.
func New(rt *runtime.Runtime, streams *streamsvc.Service) *Service {
	return &Service{rt: rt, streams: streams, logger: rt.Logger().With(logpkg.Component("subscriptions"))}
}

// Create registers sub after checking that every event type exists. An
// existing subscription with the same identity is returned with
// created=false.
func (s *Service) Create(ctx context.Context, sub subscriptions.Subscription) (subscriptions.Subscription, bool, error) {
	if err := sub.Normalize(); err != nil {
		return subscriptions.Subscription{}, false, err
	}
	for _, et := range sub.EventTypes {
		if _, err := s.rt.Topics().ListPartitions(ctx, et); err != nil {
			if errors.Is(err, problems.ErrNoSuchStream) {
				return subscriptions.Subscription{}, false, fmt.Errorf("%w: event type %q does not exist", problems.ErrValidation, et)
			}
			return subscriptions.Subscription{}, false, err
		}
	}
	stored, created, err := s.rt.Subscriptions().Create(ctx, sub)
	if err != nil {
		return subscriptions.Subscription{}, false, err
	}
	if created {
		s.logger.Info("subscriptions.create",
			logpkg.Str("subscription", stored.ID),
			logpkg.Str("owning_application", stored.OwningApplication),
			logpkg.Strs("event_types", stored.EventTypes))
	}
	return stored, created, nil
}

func (s *Service) Get(ctx context.Context, id string) (subscriptions.Subscription, error) {
	return s.rt.Subscriptions().Get(ctx, id)
}

func (s *Service) List(ctx context.Context, opts subscriptions.ListOptions) ([]subscriptions.Subscription, error) {
	subs, err := s.rt.Subscriptions().List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []subscriptions.Subscription{}
	}
	return subs, nil
}

// Delete removes the subscription record. Its durable cursors stay in the
// coordination store, so a recreated subscription gets a new id and a fresh
// bootstrap.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.rt.Subscriptions().Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("subscriptions.delete", logpkg.Str("subscription", id))
	return nil
}

func (s *Service) Cursors(ctx context.Context, id string) ([]cursors.Cursor, error) {
	return s.rt.Cursors().GetSubscriptionCursors(ctx, id)
}

func (s *Service) Commit(ctx context.Context, id string, cs []cursors.Cursor) (cursors.CommitResult, error) {
	return s.rt.Cursors().CommitCursors(ctx, id, cs)
}

// NewSession bootstraps the subscription if needed and prepares a session
// reading every partition of its primary stream after the committed cursors.
// Errors here happen before any frame is written.
func (s *Service) NewSession(ctx context.Context, id string, p streamsvc.StreamParams, sink delivery.Sink) (*delivery.Session, error) {
	sub, err := s.rt.Subscriptions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.rt.Cursors().EnsureSubscriptionInitialized(ctx, sub); err != nil {
		return nil, err
	}
	cs, err := s.rt.Cursors().GetSubscriptionCursors(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no partitions to read", problems.ErrNoSuchStream, id)
	}
	cfg, err := s.streams.SessionConfig(sub.PrimaryStream(), cs, p)
	if err != nil {
		return nil, err
	}
	sess := s.streams.NewSession(cfg, sink)
	s.logger.Debug("subscriptions.stream",
		logpkg.Str("subscription", id),
		logpkg.Str("session", sess.ID()),
		logpkg.Int("partitions", len(cs)))
	return sess, nil
}
