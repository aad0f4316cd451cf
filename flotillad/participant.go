package flotillad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	flotilla "github.com/flotilla-ml/flotilla"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
	"github.com/flotilla-ml/flotilla/pkg/checkpoints"
	"github.com/flotilla-ml/flotilla/pkg/registry"
	"github.com/flotilla-ml/flotilla/pkg/runtime"
	"github.com/flotilla-ml/flotilla/pkg/transport"
)

type ParticipantConfig struct {
	LogLevel         string
	ID               string
	SessionID        string
	NumSamples       int
	Seed             int64
	ArchitectureFile string
	WASMFile         string
	ModuleRef        string
	MQTTAddress      string
	MQTTQoS          uint8
	MQTTTimeout      time.Duration
	MQTTUsername     string
	MQTTPassword     string
	Compression      model.CompressionConfig
}

// StartParticipant joins the session fabric and serves training rounds
// until the context is cancelled.
func StartParticipant(ctx context.Context, cancel context.CancelFunc, cfg ParticipantConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	arch, err := loadArchitecture(cfg.ArchitectureFile)
	if err != nil {
		return errors.Join(errors.New("failed to load model architecture"), err)
	}

	gradient, closeTrainer, err := buildTrainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeTrainer != nil {
		defer func() {
			if err := closeTrainer(context.Background()); err != nil {
				logger.Error("failed to close wasm trainer", slog.Any("error", err))
			}
		}()
	}

	manager, err := model.NewManager(arch, model.Config{}, checkpoints.NewInMemoryStore())
	if err != nil {
		return errors.Join(errors.New("failed to initialize model manager"), err)
	}

	tp, err := transport.NewMQTT(transport.MQTTConfig{
		URL:       cfg.MQTTAddress,
		SessionID: cfg.SessionID,
		ID:        cfg.ID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		QoS:       cfg.MQTTQoS,
		Timeout:   cfg.MQTTTimeout,
	}, logger)
	if err != nil {
		return errors.Join(errors.New("failed to initialize mqtt transport"), err)
	}

	node := participant.NewNode(participant.NodeConfig{
		ID:          cfg.ID,
		NumSamples:  cfg.NumSamples,
		Seed:        cfg.Seed,
		Gradient:    gradient,
		Compression: cfg.Compression,
	}, manager, tp, logger)

	if err := node.Start(ctx); err != nil {
		return errors.Join(errors.New("failed to start participant node"), err)
	}
	logger.Info("Participant joined session fabric",
		slog.String("id", cfg.ID),
		slog.String("session_id", cfg.SessionID),
	)

	<-ctx.Done()

	return node.Stop(context.Background())
}

// buildTrainer picks the gradient source: a local WASM file, a WASM module
// pulled from an OCI registry, or the built-in synthetic trainer.
func buildTrainer(ctx context.Context, cfg ParticipantConfig, logger *slog.Logger) (model.GradientFn, func(context.Context) error, error) {
	var wasmBinary []byte

	switch {
	case cfg.WASMFile != "":
		data, err := os.ReadFile(cfg.WASMFile)
		if err != nil {
			return nil, nil, errors.Join(errors.New("failed to read WASM file"), err)
		}
		wasmBinary = data
	case cfg.ModuleRef != "":
		reg, err := registry.Init()
		if err != nil {
			return nil, nil, errors.Join(errors.New("failed to load registry configuration"), err)
		}
		data, err := reg.FetchModule(ctx, cfg.ModuleRef)
		if err != nil {
			return nil, nil, errors.Join(errors.New("failed to fetch WASM module"), err)
		}
		wasmBinary = data
	default:
		return model.SyntheticGradient(cfg.Seed), nil, nil
	}

	trainer, err := runtime.NewWasmTrainer(ctx, wasmBinary, logger)
	if err != nil {
		return nil, nil, err
	}

	return trainer.GradientFn(), trainer.Close, nil
}

func loadArchitecture(path string) (model.Architecture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Architecture{}, err
	}

	var arch model.Architecture
	if err := json.Unmarshal(data, &arch); err != nil {
		return model.Architecture{}, err
	}

	return arch, nil
}

var participantCmd = []cobra.Command{
	{
		Use:   "start <session-id> <architecture.json>",
		Short: "Start participant",
		Long:  `Start a participant node for a session.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				cmd.PrintErrf("usage: %s", cmd.Use)

				return
			}

			cfg := ParticipantConfig{
				LogLevel:         "info",
				SessionID:        args[0],
				ArchitectureFile: args[1],
				MQTTAddress:      "tcp://localhost:1883",
				MQTTQoS:          2,
				MQTTTimeout:      30 * time.Second,
				NumSamples:       1,
			}
			if fileCfg, err := flotilla.LoadConfig(configPath); err == nil {
				if fileCfg.Broker.URL != "" {
					cfg.MQTTAddress = fileCfg.Broker.URL
				}
				cfg.MQTTUsername = fileCfg.Broker.Username
				cfg.MQTTPassword = fileCfg.Broker.Password
				cfg.ID = fileCfg.Participant.ID
				if fileCfg.Participant.NumSamples > 0 {
					cfg.NumSamples = fileCfg.Participant.NumSamples
				}
				cfg.Seed = fileCfg.Participant.Seed
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			if err := StartParticipant(ctx, cancel, cfg); err != nil {
				cmd.PrintErrf("failed to start participant: %s", err.Error())
			}
			cancel()
		},
	},
}

func NewParticipantCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "participant [start]",
		Short: "Participant management",
		Long:  `Start a participant node.`,
	}

	for i := range participantCmd {
		cmd.AddCommand(&participantCmd[i])
	}

	return &cmd
}
