package controllers

import (
	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
)

// topicJSON is one entry of the topic listing.
type topicJSON struct {
	Name string `json:"name"`
}

// createTopicReq creates a topic. Zero values take the store defaults.
type createTopicReq struct {
	Name           string `json:"name"`
	Partitions     int    `json:"partitions"`
	RetentionMs    int64  `json:"retention_ms"`
	RetentionBytes int64  `json:"retention_bytes"`
}

// createSubscriptionReq is the body of POST /subscriptions.
type createSubscriptionReq struct {
	OwningApplication string   `json:"owning_application"`
	EventTypes        []string `json:"event_types"`
	ConsumerGroup     string   `json:"consumer_group"`
	ReadFrom          string   `json:"read_from"`
}

type subscriptionListJSON struct {
	Items []subscriptions.Subscription `json:"items"`
}

// cursorsJSON is the body of GET and PUT /subscriptions/{id}/cursors.
type cursorsJSON struct {
	Items []cursors.Cursor `json:"items"`
}
