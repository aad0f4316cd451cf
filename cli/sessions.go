package cli

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/aggregator"
	"github.com/flotilla-ml/flotilla/pkg/sdk"
)

var fsdk sdk.SDK

func SetFlotillaSDK(s sdk.SDK) {
	fsdk = s
}

func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions [create|view|list|start|pause|resume|stop|result]",
		Short: "Training sessions",
		Long:  `Create, view, list, start, pause, resume, stop training sessions and fetch their results.`,
	}

	createCmd := &cobra.Command{
		Use:   "create [<request.json>]",
		Short: "Create session",
		Long: `Create a training session from a JSON request file, or interactively
when no file is given.

Examples:
  # Create from a request file
  flotilla-cli sessions create mnist.json

  # Create interactively
  flotilla-cli sessions create`,
		Run: func(cmd *cobra.Command, args []string) {
			var req coordinator.SessionRequest
			switch len(args) {
			case 0:
				r, err := sessionForm()
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				req = r
			case 1:
				data, err := os.ReadFile(args[0])
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				if err := json.Unmarshal(data, &req); err != nil {
					logErrorCmd(*cmd, err)

					return
				}
			default:
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			s, err := fsdk.CreateSession(req)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, s)
		},
	}

	viewCmd := &cobra.Command{
		Use:   "view <id>",
		Short: "View session",
		Long:  `View session.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			s, err := fsdk.GetSession(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, s)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Long:  `List sessions.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			sessions, err := fsdk.ListSessions()
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, sessions)
		},
	}

	startCmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start session",
		Long:  `Start session.`,
		Run:   transitionRun(func(id string) error { return fsdk.StartSession(id) }),
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause session",
		Long:  `Pause a running session between rounds.`,
		Run:   transitionRun(func(id string) error { return fsdk.PauseSession(id) }),
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume session",
		Long:  `Resume a paused session.`,
		Run:   transitionRun(func(id string) error { return fsdk.ResumeSession(id) }),
	}

	stopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop session",
		Long:  `Stop a session, cancelling any in-flight round.`,
		Run:   transitionRun(func(id string) error { return fsdk.StopSession(id) }),
	}

	resultCmd := &cobra.Command{
		Use:   "result <id>",
		Short: "Session result",
		Long:  `Fetch a session's final training report.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			r, err := fsdk.SessionResult(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, r)
		},
	}

	cmd.AddCommand(createCmd)
	cmd.AddCommand(viewCmd)
	cmd.AddCommand(listCmd)
	cmd.AddCommand(startCmd)
	cmd.AddCommand(pauseCmd)
	cmd.AddCommand(resumeCmd)
	cmd.AddCommand(stopCmd)
	cmd.AddCommand(resultCmd)

	return cmd
}

func transitionRun(op func(id string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			logUsageCmd(*cmd, cmd.Use)

			return
		}

		if err := op(args[0]); err != nil {
			logErrorCmd(*cmd, err)

			return
		}
		logOKCmd(*cmd)
	}
}

func sessionForm() (coordinator.SessionRequest, error) {
	var (
		name     string
		strategy string
		rounds   string
		inputs   string
		outputs  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Session name").
				Placeholder("left blank for a generated name").
				Value(&name),
			huh.NewSelect[string]().
				Title("Aggregation strategy").
				Options(huh.NewOptions(
					string(aggregator.FedAvg),
					string(aggregator.FedProx),
					string(aggregator.FedMA),
					string(aggregator.WeightedMedian),
					string(aggregator.TrimmedMean),
					string(aggregator.CoordinateMedian),
					string(aggregator.Krum),
				)...).
				Value(&strategy),
			huh.NewInput().
				Title("Total rounds").
				Value(&rounds).
				Validate(validateUint),
			huh.NewInput().
				Title("Model inputs").
				Value(&inputs).
				Validate(validateUint),
			huh.NewInput().
				Title("Model outputs").
				Value(&outputs).
				Validate(validateUint),
		),
	)
	if err := form.Run(); err != nil {
		return coordinator.SessionRequest{}, err
	}

	totalRounds, err := strconv.Atoi(rounds)
	if err != nil {
		return coordinator.SessionRequest{}, err
	}
	in, err := strconv.Atoi(inputs)
	if err != nil {
		return coordinator.SessionRequest{}, err
	}
	out, err := strconv.Atoi(outputs)
	if err != nil {
		return coordinator.SessionRequest{}, err
	}

	return coordinator.SessionRequest{
		Name: name,
		Architecture: model.Architecture{
			Name: "dense",
			Layers: []model.Layer{
				{Name: "dense_0", Shape: []int{in, out}, Trainable: true},
				{Name: "bias_0", Shape: []int{out}, Trainable: true},
			},
		},
		Training: coordinator.TrainingConfig{
			TotalRounds: totalRounds,
			Aggregation: aggregator.Config{
				Strategy: aggregator.Strategy(strategy),
			},
		},
	}, nil
}

func validateUint(s string) error {
	_, err := strconv.ParseUint(s, 10, 32)

	return err
}
