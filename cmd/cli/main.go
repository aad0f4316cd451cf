package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/flotilla-ml/flotilla/cli"
	"github.com/flotilla-ml/flotilla/pkg/sdk"
)

var (
	coordinatorURL  = "http://localhost:7070"
	tlsVerification = false
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flotilla-cli",
		Short: "Flotilla CLI",
		Long:  `Flotilla CLI is a command line interface for interacting with the federation coordinator.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			sdkConf := sdk.Config{
				CoordinatorURL:  coordinatorURL,
				TLSVerification: tlsVerification,
			}
			s := sdk.NewSDK(sdkConf)
			cli.SetFlotillaSDK(s)
		},
	}

	rootCmd.PersistentFlags().StringVarP(
		&coordinatorURL,
		"coordinator-url",
		"c",
		coordinatorURL,
		"Coordinator URL",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&tlsVerification,
		"tls-verification",
		"v",
		tlsVerification,
		"TLS Verification",
	)

	rootCmd.AddCommand(cli.NewSessionsCmd())
	rootCmd.AddCommand(cli.NewCheckpointsCmd())
	rootCmd.AddCommand(cli.NewParticipantsCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
