package flotillad

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/supermq/pkg/jaeger"
	"github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	httpserver "github.com/absmach/supermq/pkg/server/http"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	flotilla "github.com/flotilla-ml/flotilla"
	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/coordinator/api"
	"github.com/flotilla-ml/flotilla/coordinator/middleware"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
	"github.com/flotilla-ml/flotilla/pkg/checkpoints"
	"github.com/flotilla-ml/flotilla/pkg/transport"
)

const (
	svcName = "coordinator"

	// coordinatorID is the well-known endpoint name participants address
	// their join requests and updates to.
	coordinatorID = "coordinator"

	// configPath is the optional TOML file the daemon commands read
	// connection defaults from.
	configPath = "flotilla.toml"
)

type CoordinatorConfig struct {
	LogLevel      string
	InstanceID    string
	MQTTAddress   string
	MQTTQoS       uint8
	MQTTTimeout   time.Duration
	MQTTUsername  string
	MQTTPassword  string
	CheckpointDir string
	StaleAfter    time.Duration
	Server        server.Config
	OTELURL       url.URL
	TraceRatio    float64
}

// StartCoordinator wires the coordinator service onto the session fabric
// and serves its HTTP API until the context is cancelled.
func StartCoordinator(ctx context.Context, cancel context.CancelFunc, cfg CoordinatorConfig) error {
	g, ctx := errgroup.WithContext(ctx)

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	var tp trace.TracerProvider
	switch {
	case cfg.OTELURL == (url.URL{}):
		tp = noop.NewTracerProvider()
	default:
		sdktp, err := jaeger.NewProvider(ctx, svcName, cfg.OTELURL, "", cfg.TraceRatio)
		if err != nil {
			return fmt.Errorf("failed to initialize opentelemetry: %s", err.Error())
		}
		defer func() {
			if err := sdktp.Shutdown(ctx); err != nil {
				slog.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
		tp = sdktp
	}
	tracer := tp.Tracer(svcName)

	registry := participant.NewRegistry(cfg.StaleAfter)

	tf := func(sessionID string) (transport.Transport, error) {
		// Without a broker each session gets an isolated in-process fabric,
		// useful for local smoke runs.
		if cfg.MQTTAddress == "" {
			return transport.NewHub().Attach(coordinatorID)
		}

		return transport.NewMQTT(transport.MQTTConfig{
			URL:       cfg.MQTTAddress,
			SessionID: sessionID,
			ID:        coordinatorID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			QoS:       cfg.MQTTQoS,
			Timeout:   cfg.MQTTTimeout,
		}, logger)
	}

	sf := func(sessionID string) (model.CheckpointStore, error) {
		if cfg.CheckpointDir == "" {
			return checkpoints.NewInMemoryStore(), nil
		}

		return checkpoints.NewFSStore(filepath.Join(cfg.CheckpointDir, sessionID))
	}

	svc := coordinator.NewService(registry, tf, sf, logger)
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "api")
	svc = middleware.Metrics(counter, latency, svc)

	hs := httpserver.NewServer(ctx, cancel, svcName, cfg.Server, api.MakeHandler(svc, logger, cfg.InstanceID), logger)

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}

	return nil
}

var coordinatorCmd = []cobra.Command{
	{
		Use:   "start",
		Short: "Start coordinator",
		Long:  `Start coordinator.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg := CoordinatorConfig{
				LogLevel: "info",
				Server: server.Config{
					Port: "7070",
				},
			}
			if fileCfg, err := flotilla.LoadConfig(configPath); err == nil {
				cfg.MQTTAddress = fileCfg.Broker.URL
				cfg.MQTTUsername = fileCfg.Broker.Username
				cfg.MQTTPassword = fileCfg.Broker.Password
				cfg.InstanceID = fileCfg.Coordinator.InstanceID
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			if err := StartCoordinator(ctx, cancel, cfg); err != nil {
				cmd.PrintErrf("failed to start coordinator: %s", err.Error())
			}
			cancel()
		},
	},
}

func NewCoordinatorCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "coordinator [start]",
		Short: "Coordinator management",
		Long:  `Start the federation coordinator.`,
	}

	for i := range coordinatorCmd {
		cmd.AddCommand(&coordinatorCmd[i])
	}

	return &cmd
}
