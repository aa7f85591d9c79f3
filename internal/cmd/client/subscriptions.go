package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mdedetrich/nakadi/internal/cmd/client/transports"
	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/subscriptions"
)

// NewSubscriptionsCommand constructs the `subscriptions` command group.
func NewSubscriptionsCommand(baseURL BaseURLFunc) *cobra.Command {
	subsCmd := &cobra.Command{Use: "subscriptions", Aliases: []string{"subs"}, Short: "Subscription operations"}
	subsCmd.AddCommand(
		newSubscriptionsCreateCommand(baseURL),
		newSubscriptionsListCommand(baseURL),
		newSubscriptionsGetCommand(baseURL),
		newSubscriptionsDeleteCommand(baseURL),
		newSubscriptionsStreamCommand(baseURL),
	)
	return subsCmd
}

func newSubscriptionsCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or look up) a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _ := cmd.Flags().GetString("app")
			eventTypes, _ := cmd.Flags().GetStringSlice("event-type")
			group, _ := cmd.Flags().GetString("group")
			readFrom, _ := cmd.Flags().GetString("read-from")
			in := map[string]any{
				"owning_application": app,
				"event_types":        eventTypes,
				"consumer_group":     group,
				"read_from":          readFrom,
			}
			var sub subscriptions.Subscription
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodPost, "/subscriptions", in, &sub); err != nil {
				return err
			}
			return printJSON(cmd, sub)
		},
	}
	createCmd.Flags().String("app", "", "Owning application")
	createCmd.Flags().StringSlice("event-type", nil, "Event type (repeatable; the first is streamed)")
	createCmd.Flags().String("group", "", "Consumer group (default: server default)")
	createCmd.Flags().String("read-from", "", "Start position for new subscriptions: begin|end")
	_ = createCmd.MarkFlagRequired("app")
	_ = createCmd.MarkFlagRequired("event-type")
	return createCmd
}

func newSubscriptionsListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _ := cmd.Flags().GetString("app")
			eventType, _ := cmd.Flags().GetString("event-type")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			if app != "" {
				q.Set("owning_application", app)
			}
			if eventType != "" {
				q.Set("event_type", eventType)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/subscriptions"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out struct {
				Items []subscriptions.Subscription `json:"items"`
			}
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out.Items)
		},
	}
	listCmd.Flags().String("app", "", "Filter by owning application")
	listCmd.Flags().String("event-type", "", "Filter by event type")
	listCmd.Flags().Int("limit", 0, "Page size (0 = server default)")
	return listCmd
}

func newSubscriptionsGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			var sub subscriptions.Subscription
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, &sub); err != nil {
				return err
			}
			return printJSON(cmd, sub)
		},
	}
	getCmd.Flags().String("id", "", "Subscription id")
	_ = getCmd.MarkFlagRequired("id")
	return getCmd
}

func newSubscriptionsDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted:", id)
			return nil
		},
	}
	deleteCmd.Flags().String("id", "", "Subscription id")
	_ = deleteCmd.MarkFlagRequired("id")
	return deleteCmd
}

// newSubscriptionsStreamCommand prints every batch as one JSON line. With
// --commit the cursor of each data batch is committed after printing; with
// --follow the stream is reopened, backing off while the server is
// unavailable.
func newSubscriptionsStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream events of a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := getTransport(cmd, baseURL)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			req := transports.StreamRequest{SubscriptionID: id}
			req.BatchLimit, _ = cmd.Flags().GetInt("batch-limit")
			req.StreamLimit, _ = cmd.Flags().GetInt("limit")
			req.BatchFlushTimeout, _ = cmd.Flags().GetInt("flush-timeout")
			req.StreamTimeout, _ = cmd.Flags().GetInt("timeout")
			req.BatchKeepAliveLimit, _ = cmd.Flags().GetInt("keep-alive-limit")
			req.Filter, _ = cmd.Flags().GetString("filter")
			commit, _ := cmd.Flags().GetBool("commit")
			follow, _ := cmd.Flags().GetBool("follow")

			enc := json.NewEncoder(cmd.OutOrStdout())
			onBatch := func(b transports.Batch) error {
				if err := enc.Encode(b); err != nil {
					return err
				}
				if commit && len(b.Events) > 0 {
					if _, err := t.CommitCursors(cmd.Context(), id, []cursors.Cursor{b.Cursor}); err != nil {
						return backoff.Permanent(fmt.Errorf("commit %s:%s: %w", b.Cursor.Partition, b.Cursor.Offset, err))
					}
				}
				return nil
			}
			if !follow {
				return t.Stream(cmd.Context(), req, onBatch)
			}
			return streamFollow(cmd.Context(), t, req, onBatch)
		},
	}
	streamCmd.Flags().String("id", "", "Subscription id")
	streamCmd.Flags().Int("batch-limit", 0, "Events per batch (0 = server default)")
	streamCmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	streamCmd.Flags().Int("flush-timeout", 0, "Batch flush timeout in seconds")
	streamCmd.Flags().Int("timeout", 0, "Stream timeout in seconds")
	streamCmd.Flags().Int("keep-alive-limit", 0, "Keep-alive batches after N empty cycles (0 = off)")
	streamCmd.Flags().String("filter", "", "CEL filter (server-side)")
	streamCmd.Flags().Bool("commit", false, "Commit each batch cursor after printing it")
	streamCmd.Flags().Bool("follow", false, "Reopen the stream when it ends")
	addTransportFlag(streamCmd)
	_ = streamCmd.MarkFlagRequired("id")
	return streamCmd
}

// streamFollow reopens the stream until ctx ends. Transient failures back off
// exponentially; anything else stops.
func streamFollow(ctx context.Context, t transports.SubscriptionTransport, req transports.StreamRequest, onBatch func(transports.Batch) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		for ctx.Err() == nil {
			if err := t.Stream(ctx, req, onBatch); err != nil {
				if ctx.Err() != nil || !transient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			b.Reset()
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func transient(err error) bool {
	var apiErr *transports.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.Unavailable
	}
	// Connection-level failures.
	return true
}
