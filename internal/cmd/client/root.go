package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the nakadi client.
// It registers the topics, subscriptions and cursors command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "nakadi",
		Short: "nakadi client commands",
	}
	root.AddCommand(NewTopicsCommand(baseURL))
	root.AddCommand(NewSubscriptionsCommand(baseURL))
	root.AddCommand(NewCursorsCommand(baseURL))
	return root
}
