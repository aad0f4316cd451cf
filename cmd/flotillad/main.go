package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/flotilla-ml/flotilla/flotillad"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flotillad",
		Short: "Flotilla daemon",
		Long:  `Flotilla daemon runs the federation coordinator and participant nodes.`,
	}

	rootCmd.AddCommand(flotillad.NewCoordinatorCmd())
	rootCmd.AddCommand(flotillad.NewParticipantCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
