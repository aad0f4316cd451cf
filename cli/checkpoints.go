package cli

import (
	"github.com/spf13/cobra"
)

func NewCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints [list|restore]",
		Short: "Session checkpoints",
		Long:  `List a session's checkpoints and restore one.`,
	}

	listCmd := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List checkpoints",
		Long:  `List checkpoints stored for a session.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			cps, err := fsdk.ListCheckpoints(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, cps)
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <session-id> <checkpoint-id>",
		Short: "Restore checkpoint",
		Long:  `Restore a session's model to a stored checkpoint. The session must not be running.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			if err := fsdk.RestoreCheckpoint(args[0], args[1]); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd)
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(restoreCmd)

	return cmd
}
