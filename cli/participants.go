package cli

import (
	"github.com/spf13/cobra"
)

func NewParticipantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants [list]",
		Short: "Registered participants",
		Long:  `Inspect the participants known to the coordinator.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List participants",
		Long:  `List registered participants with their trust scores.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			participants, err := fsdk.ListParticipants()
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, participants)
		},
	}

	cmd.AddCommand(listCmd)

	return cmd
}
