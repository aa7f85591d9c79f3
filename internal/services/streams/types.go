package streamsvc

import "time"

// PublishStatus is the outcome of a batch or of one of its items.
type PublishStatus string

const (
	StatusSubmitted PublishStatus = "submitted"
	StatusFailed    PublishStatus = "failed"
	StatusAborted   PublishStatus = "aborted"
)

// PublishStep is the stage a batch item reached.
type PublishStep string

const (
	StepNone         PublishStep = "none"
	StepValidating   PublishStep = "validating"
	StepPartitioning PublishStep = "partitioning"
	StepPublishing   PublishStep = "publishing"
)

// BatchItemResponse reports one event of a published batch.
type BatchItemResponse struct {
	EID              string        `json:"eid,omitempty"`
	PublishingStatus PublishStatus `json:"publishing_status"`
	Step             PublishStep   `json:"step"`
	Detail           string        `json:"detail,omitempty"`
}

// PublishResult is the outcome of Publish. Status is submitted only when
// every item was stored; aborted means nothing was stored.
type PublishResult struct {
	Status PublishStatus
	Step   PublishStep
	Items  []BatchItemResponse
}

// eventMetadata is the part of an event envelope the publisher reads.
type eventMetadata struct {
	Metadata struct {
		EID       string `json:"eid"`
		Partition string `json:"partition"`
	} `json:"metadata"`
}

// StreamParams are the consumer-supplied knobs of a stream session. Zero
// values take the configured defaults.
type StreamParams struct {
	BatchLimit          int
	StreamLimit         int
	BatchFlushTimeout   time.Duration
	StreamTimeout       time.Duration
	BatchKeepAliveLimit int
	// Filter is an optional CEL expression, see delivery.CompileFilter.
	Filter string
}
