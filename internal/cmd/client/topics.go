package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mdedetrich/nakadi/internal/cmd/client/transports"
	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/topicstore"
)

// NewTopicsCommand constructs the `topics` command group and subcommands.
func NewTopicsCommand(baseURL BaseURLFunc) *cobra.Command {
	topicsCmd := &cobra.Command{Use: "topics", Short: "Topic operations"}
	topicsCmd.AddCommand(
		newTopicsListCommand(baseURL),
		newTopicsCreateCommand(baseURL),
		newTopicsPartitionsCommand(baseURL),
		newTopicsPublishCommand(baseURL),
		newTopicsStreamCommand(baseURL),
	)
	return topicsCmd
}

func newTopicsListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []struct {
				Name string `json:"name"`
			}
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodGet, "/topics", nil, &out); err != nil {
				return err
			}
			for _, t := range out {
				fmt.Fprintln(cmd.OutOrStdout(), t.Name)
			}
			return nil
		},
	}
}

func newTopicsCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			parts, _ := cmd.Flags().GetInt("partitions")
			retentionMs, _ := cmd.Flags().GetInt64("retention-ms")
			in := map[string]any{"name": name, "partitions": parts, "retention_ms": retentionMs}
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodPost, "/topics", in, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "created:", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Topic name")
	createCmd.Flags().Int("partitions", 0, "Partition count (0 = server default)")
	createCmd.Flags().Int64("retention-ms", 0, "Retention in ms (0 = server default)")
	_ = createCmd.MarkFlagRequired("name")
	return createCmd
}

func newTopicsPartitionsCommand(baseURL BaseURLFunc) *cobra.Command {
	partsCmd := &cobra.Command{
		Use:   "partitions",
		Short: "Show partition offset ranges of a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			var parts []topicstore.Partition
			if _, err := httpTransport(baseURL).Do(cmd.Context(), http.MethodGet, "/topics/"+url.PathEscape(topic)+"/partitions", nil, &parts); err != nil {
				return err
			}
			return printJSON(cmd, parts)
		},
	}
	partsCmd.Flags().String("topic", "", "Topic name")
	_ = partsCmd.MarkFlagRequired("topic")
	return partsCmd
}

// newTopicsPublishCommand publishes one JSON event, or every line of stdin
// as a batch with --stdin.
func newTopicsPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish events to a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			partition, _ := cmd.Flags().GetString("partition")
			data, _ := cmd.Flags().GetString("data")
			fromStdin, _ := cmd.Flags().GetBool("stdin")
			t := httpTransport(baseURL)

			var events []json.RawMessage
			if fromStdin {
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
						events = append(events, json.RawMessage(append([]byte(nil), line...)))
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
			} else {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data must be valid JSON")
				}
				events = append(events, json.RawMessage(data))
			}

			if partition != "" {
				for _, ev := range events {
					var cur cursors.Cursor
					path := "/topics/" + url.PathEscape(topic) + "/partitions/" + url.PathEscape(partition) + "/events"
					if _, err := t.Do(cmd.Context(), http.MethodPost, path, ev, &cur); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "published: %s:%s\n", cur.Partition, cur.Offset)
				}
				return nil
			}
			status, err := t.Do(cmd.Context(), http.MethodPost, "/event-types/"+url.PathEscape(topic)+"/events", events, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", status, "events:", len(events))
			return nil
		},
	}
	publishCmd.Flags().String("topic", "", "Topic name")
	publishCmd.Flags().String("partition", "", "Target partition (default: server routing)")
	publishCmd.Flags().String("data", "{}", "Event JSON")
	publishCmd.Flags().Bool("stdin", false, "Read newline-delimited events from stdin")
	_ = publishCmd.MarkFlagRequired("topic")
	return publishCmd
}

// newTopicsStreamCommand reads one partition without a subscription.
func newTopicsStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream one partition after an offset (no cursor management)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			partition, _ := cmd.Flags().GetString("partition")
			startFrom, _ := cmd.Flags().GetString("start-from")
			limit, _ := cmd.Flags().GetInt("limit")
			timeout, _ := cmd.Flags().GetInt("timeout")

			q := url.Values{"start_from": {startFrom}}
			if limit > 0 {
				q.Set("stream_limit", strconv.Itoa(limit))
			}
			if timeout > 0 {
				q.Set("stream_timeout", strconv.Itoa(timeout))
			}
			path := "/topics/" + url.PathEscape(topic) + "/partitions/" + url.PathEscape(partition) + "/events/stream?" + q.Encode()
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL()+path, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var apiErr transports.APIError
				apiErr.Status = resp.StatusCode
				_ = json.NewDecoder(resp.Body).Decode(&apiErr.Problem)
				return &apiErr
			}
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64<<10), 16<<20)
			for sc.Scan() {
				fmt.Fprintln(cmd.OutOrStdout(), sc.Text())
			}
			return sc.Err()
		},
	}
	streamCmd.Flags().String("topic", "", "Topic name")
	streamCmd.Flags().String("partition", "0", "Partition")
	streamCmd.Flags().String("start-from", "BEGIN", "Offset of the last event already seen (BEGIN for all)")
	streamCmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	streamCmd.Flags().Int("timeout", 0, "Stop after N seconds (0 = server default)")
	_ = streamCmd.MarkFlagRequired("topic")
	return streamCmd
}
