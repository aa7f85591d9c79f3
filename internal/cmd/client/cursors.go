package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCursorsCommand constructs the `cursors` command group.
func NewCursorsCommand(baseURL BaseURLFunc) *cobra.Command {
	cursorsCmd := &cobra.Command{Use: "cursors", Short: "Subscription cursor operations"}
	cursorsCmd.AddCommand(newCursorsGetCommand(baseURL), newCursorsCommitCommand(baseURL))
	return cursorsCmd
}

func newCursorsGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show committed cursors of a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := getTransport(cmd, baseURL)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			cs, err := t.GetCursors(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, c := range cs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", c.Partition, c.Offset)
			}
			return nil
		},
	}
	getCmd.Flags().String("id", "", "Subscription id")
	addTransportFlag(getCmd)
	_ = getCmd.MarkFlagRequired("id")
	return getCmd
}

// newCursorsCommitCommand commits partition:offset arguments.
func newCursorsCommitCommand(baseURL BaseURLFunc) *cobra.Command {
	commitCmd := &cobra.Command{
		Use:   "commit partition:offset...",
		Short: "Commit cursors of a subscription",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := parseCursors(args)
			if err != nil {
				return err
			}
			t, err := getTransport(cmd, baseURL)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			res, err := t.CommitCursors(cmd.Context(), id, cs)
			if err != nil {
				return err
			}
			for _, it := range res.Items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s %s\n", it.Cursor.Partition, it.Cursor.Offset, it.Result)
			}
			return nil
		},
	}
	commitCmd.Flags().String("id", "", "Subscription id")
	addTransportFlag(commitCmd)
	_ = commitCmd.MarkFlagRequired("id")
	return commitCmd
}
