// Package cursors implements subscription bootstrap and the locked,
// monotonic cursor commit protocol on top of a coordination.Client.
package cursors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/mdedetrich/nakadi/internal/coordination"
	"github.com/mdedetrich/nakadi/internal/metrics"
	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
	"github.com/mdedetrich/nakadi/internal/topicstore"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Cursor points at the last consumed event of a partition.
type Cursor struct {
	Partition string `json:"partition"`
	Offset    string `json:"offset"`
}

// ItemResult is the per-cursor outcome of a commit.
type ItemResult string

const (
	ResultCommitted ItemResult = "committed"
	// ResultOutdated means the stored offset was already at or past the cursor.
	ResultOutdated ItemResult = "outdated"
)

// CommitItem reports what happened to one cursor.
type CommitItem struct {
	Cursor Cursor     `json:"cursor"`
	Result ItemResult `json:"result"`
}

// CommitResult is the outcome of CommitCursors. Committed is true only when
// every item was committed.
type CommitResult struct {
	Committed bool         `json:"-"`
	Items     []CommitItem `json:"items"`
}

// Options configures a Coordinator.
type Options struct {
	// BootstrapFrom is the starting position (subscriptions.ReadFromEnd or
	// ReadFromBegin) for subscriptions that do not set ReadFrom themselves.
	BootstrapFrom string
	Logger        logpkg.Logger
}

// Coordinator owns bootstrap and commit of subscription cursors.
type Coordinator struct {
	coord  coordination.Client
	topics topicstore.Store
	subs   subscriptions.Directory
	opts   Options
	logger logpkg.Logger
}

// New returns a Coordinator over the given capabilities.
func New(coord coordination.Client, topics topicstore.Store, subs subscriptions.Directory, opts Options) *Coordinator {
	if opts.BootstrapFrom == "" {
		opts.BootstrapFrom = subscriptions.ReadFromEnd
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Coordinator{
		coord:  coord,
		topics: topics,
		subs:   subs,
		opts:   opts,
		logger: logger.With(logpkg.Component("cursors")),
	}
}

// EnsureSubscriptionInitialized makes sure every partition of the primary
// stream of sub has a durable offset. The marker check runs unlocked first;
// only callers that miss it take the subscription lock and check again, so
// exactly one caller fetches and writes the initial offsets.
func (c *Coordinator) EnsureSubscriptionInitialized(ctx context.Context, sub subscriptions.Subscription) error {
	stream := sub.PrimaryStream()
	if stream == "" {
		return fmt.Errorf("%w: subscription %s has no event types", problems.ErrValidation, sub.ID)
	}
	marker := coordination.TopicPath(sub.ID, stream)
	ok, err := c.coord.Exists(ctx, marker)
	if err != nil {
		return problems.Unavailable(err)
	}
	if ok {
		return nil
	}

	// Failures inside the critical section are kept here and surfaced once
	// the lock is released.
	var inner error
	lockErr := c.coord.WithLock(ctx, coordination.SubscriptionPath(sub.ID), func(ctx context.Context) error {
		inner = c.bootstrapLocked(ctx, sub, stream, marker)
		return nil
	})
	if lockErr != nil {
		return problems.Unavailable(lockErr)
	}
	return storeFailure(inner)
}

func (c *Coordinator) bootstrapLocked(ctx context.Context, sub subscriptions.Subscription, stream, marker string) error {
	ok, err := c.coord.Exists(ctx, marker)
	if err != nil || ok {
		return err
	}
	parts, err := c.topics.ListPartitions(ctx, stream)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", stream, err)
	}
	from := sub.ReadFrom
	if from == "" {
		from = c.opts.BootstrapFrom
	}
	for _, p := range parts {
		offset := p.Newest
		if from == subscriptions.ReadFromBegin {
			offset = p.Oldest
		}
		if err := c.coord.Write(ctx, coordination.OffsetPath(sub.ID, stream, p.ID), []byte(offset)); err != nil {
			return err
		}
	}
	if _, err := c.coord.Create(ctx, marker, nil); err != nil {
		return err
	}
	metrics.SubscriptionBootstraps.Inc()
	c.logger.Info("cursors.bootstrap",
		logpkg.Str("subscription", sub.ID),
		logpkg.Str("stream", stream),
		logpkg.Str("from", from),
		logpkg.Int("partitions", len(parts)))
	return nil
}

// CommitCursors advances the durable offsets of subscriptionID. Every cursor
// is validated before anything is written; a partition that appears more than
// once keeps its last cursor. Partitions commit in parallel, each under its
// own lock, and an offset is written only when it is strictly greater than the
// stored one.
func (c *Coordinator) CommitCursors(ctx context.Context, subscriptionID string, cursors []Cursor) (CommitResult, error) {
	if len(cursors) == 0 {
		return CommitResult{}, fmt.Errorf("%w: cursors must not be empty", problems.ErrValidation)
	}
	sub, err := c.subs.Get(ctx, subscriptionID)
	if err != nil {
		return CommitResult{}, err
	}
	stream := sub.PrimaryStream()
	if err := c.EnsureSubscriptionInitialized(ctx, sub); err != nil {
		return CommitResult{}, err
	}
	parts, err := c.topics.ListPartitions(ctx, stream)
	if err != nil {
		return CommitResult{}, storeFailure(err)
	}

	unique := collapse(cursors)
	for _, cur := range unique {
		if err := c.validate(parts, cur); err != nil {
			return CommitResult{}, err
		}
	}

	committed := make([]bool, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, cur := range unique {
		g.Go(func() error {
			ok, err := c.commitOne(gctx, sub.ID, stream, cur)
			committed[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return CommitResult{}, err
	}

	res := CommitResult{Committed: true, Items: make([]CommitItem, len(unique))}
	for i, cur := range unique {
		item := CommitItem{Cursor: cur, Result: ResultCommitted}
		if !committed[i] {
			item.Result = ResultOutdated
			res.Committed = false
		}
		metrics.CursorCommits.WithLabelValues(string(item.Result)).Inc()
		res.Items[i] = item
	}
	return res, nil
}

// storeFailure keeps errors caused by the request and reports everything
// else as the backing stores being unavailable.
func storeFailure(err error) error {
	if err == nil || problems.IsClientError(err) {
		return err
	}
	return problems.Unavailable(err)
}

// collapse keeps the last cursor per partition, ordered by first appearance.
func collapse(cursors []Cursor) []Cursor {
	index := make(map[string]int, len(cursors))
	out := make([]Cursor, 0, len(cursors))
	for _, cur := range cursors {
		if i, ok := index[cur.Partition]; ok {
			out[i] = cur
			continue
		}
		index[cur.Partition] = len(out)
		out = append(out, cur)
	}
	return out
}

func (c *Coordinator) validate(parts []topicstore.Partition, cur Cursor) error {
	switch {
	case cur.Partition == "":
		return problems.InvalidCursor(problems.CursorNullPartition, cur.Partition, cur.Offset, nil)
	case cur.Offset == "":
		return problems.InvalidCursor(problems.CursorNullOffset, cur.Partition, cur.Offset, nil)
	}
	p, ok := topicstore.FindPartition(parts, cur.Partition)
	if !ok {
		return problems.InvalidCursor(problems.CursorPartitionNotFound, cur.Partition, cur.Offset, nil)
	}
	cmp, err := c.topics.CompareOffsets(cur.Offset, p.Newest)
	if err != nil {
		return problems.InvalidCursor(problems.CursorInvalidFormat, cur.Partition, cur.Offset, err)
	}
	if cmp > 0 {
		return problems.InvalidCursor(problems.CursorUnavailable, cur.Partition, cur.Offset, nil)
	}
	return nil
}

// commitOne runs the locked read-compare-write for a single partition.
func (c *Coordinator) commitOne(ctx context.Context, sid, stream string, cur Cursor) (bool, error) {
	path := coordination.OffsetPath(sid, stream, cur.Partition)
	var committed bool
	err := c.coord.WithLock(ctx, path, func(ctx context.Context) error {
		current, err := c.coord.Read(ctx, path)
		switch {
		case errors.Is(err, coordination.ErrNotFound):
			// Partition added to the stream after bootstrap.
		case err != nil:
			return err
		default:
			cmp, err := c.topics.CompareOffsets(cur.Offset, string(current))
			if err != nil {
				return problems.InvalidCursor(problems.CursorInvalidFormat, cur.Partition, cur.Offset, err)
			}
			if cmp <= 0 {
				return nil
			}
		}
		if err := c.coord.Write(ctx, path, []byte(cur.Offset)); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, problems.ErrInvalidCursor) {
			return false, err
		}
		return false, problems.Unavailable(err)
	}
	c.logger.Debug("cursors.commit",
		logpkg.Str("subscription", sid),
		logpkg.Str("partition", cur.Partition),
		logpkg.Str("offset", cur.Offset),
		logpkg.Bool("committed", committed))
	return committed, nil
}

// GetSubscriptionCursors returns the durable cursor of every partition of the
// primary stream, sorted by partition. A subscription that was never
// bootstrapped has no cursors.
func (c *Coordinator) GetSubscriptionCursors(ctx context.Context, subscriptionID string) ([]Cursor, error) {
	sub, err := c.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	stream := sub.PrimaryStream()
	marker := coordination.TopicPath(sub.ID, stream)
	// Offsets without the marker belong to a bootstrap that did not finish.
	ok, err := c.coord.Exists(ctx, marker)
	if err != nil {
		c.logger.Error("cursors.get", logpkg.Str("subscription", sub.ID), logpkg.Err(err))
		return nil, problems.Unavailable(err)
	}
	if !ok {
		c.logger.Debug("cursors.get: not bootstrapped", logpkg.Str("subscription", sub.ID))
		return []Cursor{}, nil
	}
	partitions, err := c.coord.ListChildren(ctx, marker)
	if errors.Is(err, coordination.ErrNotFound) {
		return []Cursor{}, nil
	}
	if err != nil {
		c.logger.Error("cursors.get", logpkg.Str("subscription", sub.ID), logpkg.Err(err))
		return nil, problems.Unavailable(err)
	}
	out := make([]Cursor, 0, len(partitions))
	for _, p := range partitions {
		data, err := c.coord.Read(ctx, coordination.OffsetPath(sub.ID, stream, p))
		if err != nil {
			c.logger.Error("cursors.get", logpkg.Str("subscription", sub.ID), logpkg.Str("partition", p), logpkg.Err(err))
			return nil, problems.Unavailable(err)
		}
		out = append(out, Cursor{Partition: p, Offset: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return partitionLess(out[i].Partition, out[j].Partition) })
	return out, nil
}

// partitionLess orders numeric partition ids numerically and anything else
// lexically after them.
func partitionLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
