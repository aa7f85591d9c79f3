// Package subscriptions stores subscription metadata: which consumer group
// of which application reads which streams.
package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/topicstore"
)

const (
	// ReadFromEnd starts a new subscription after the newest event present at
	// bootstrap time.
	ReadFromEnd = "end"
	// ReadFromBegin starts a new subscription before the oldest retained event.
	ReadFromBegin = "begin"

	DefaultConsumerGroup = "default"
)

// Subscription is a durable registration of a consumer group's interest in one
// or more streams. EventTypes is ordered and its first entry is the primary
// stream whose cursors are tracked.
type Subscription struct {
	ID                string    `json:"id"`
	OwningApplication string    `json:"owning_application"`
	EventTypes        []string  `json:"event_types"`
	ConsumerGroup     string    `json:"consumer_group"`
	ReadFrom          string    `json:"read_from,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// PrimaryStream is the stream whose cursors the subscription commits.
func (s Subscription) PrimaryStream() string {
	if len(s.EventTypes) == 0 {
		return ""
	}
	return s.EventTypes[0]
}

// identity is the tuple Create deduplicates on.
func (s Subscription) identity() string {
	return s.OwningApplication + "\x00" + strings.Join(s.EventTypes, ",") + "\x00" + s.ConsumerGroup
}

// Normalize validates s and fills defaults. Errors match problems.ErrValidation.
func (s *Subscription) Normalize() error {
	s.OwningApplication = strings.TrimSpace(s.OwningApplication)
	if s.OwningApplication == "" {
		return fmt.Errorf("%w: owning_application is required", problems.ErrValidation)
	}
	if len(s.EventTypes) == 0 {
		return fmt.Errorf("%w: event_types must not be empty", problems.ErrValidation)
	}
	seen := make(map[string]struct{}, len(s.EventTypes))
	for _, et := range s.EventTypes {
		if !topicstore.ValidStreamName(et) {
			return fmt.Errorf("%w: invalid event type %q", problems.ErrValidation, et)
		}
		if _, dup := seen[et]; dup {
			return fmt.Errorf("%w: duplicate event type %q", problems.ErrValidation, et)
		}
		seen[et] = struct{}{}
	}
	if s.ConsumerGroup == "" {
		s.ConsumerGroup = DefaultConsumerGroup
	}
	switch s.ReadFrom {
	case "", ReadFromEnd, ReadFromBegin:
	default:
		return fmt.Errorf("%w: read_from must be %q or %q", problems.ErrValidation, ReadFromBegin, ReadFromEnd)
	}
	return nil
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	OwningApplication string
	EventType         string
	Limit             int
	Offset            int
}

const DefaultListLimit = 20

// Directory is the subscription metadata store.
type Directory interface {
	// Get fails with problems.ErrNoSuchSubscription for unknown ids.
	Get(ctx context.Context, id string) (Subscription, error)
	// Create stores sub unless a subscription with the same owning
	// application, event types and consumer group exists, in which case that
	// one is returned with created=false.
	Create(ctx context.Context, sub Subscription) (stored Subscription, created bool, err error)
	List(ctx context.Context, opts ListOptions) ([]Subscription, error)
	// Delete fails with problems.ErrNoSuchSubscription for unknown ids.
	Delete(ctx context.Context, id string) error
	Close() error
}

// prepare normalizes sub and assigns identity fields for a new record.
func prepare(sub Subscription, now time.Time) (Subscription, error) {
	if err := sub.Normalize(); err != nil {
		return Subscription{}, err
	}
	sub.EventTypes = append([]string(nil), sub.EventTypes...)
	sub.ID = uuid.NewString()
	sub.CreatedAt = now.UTC().Truncate(time.Millisecond)
	return sub, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", problems.ErrNoSuchSubscription, id)
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

func (o ListOptions) matches(s Subscription) bool {
	if o.OwningApplication != "" && s.OwningApplication != o.OwningApplication {
		return false
	}
	if o.EventType == "" {
		return true
	}
	for _, et := range s.EventTypes {
		if et == o.EventType {
			return true
		}
	}
	return false
}
