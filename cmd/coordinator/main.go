package main

import (
	"context"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/absmach/supermq/pkg/server"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/flotilla-ml/flotilla/flotillad"
)

const (
	defHTTPPort   = "7070"
	envPrefixHTTP = "COORDINATOR_HTTP_"
	pathEnv       = ".env"
)

type envConfig struct {
	LogLevel      string        `env:"COORDINATOR_LOG_LEVEL"      envDefault:"info"`
	InstanceID    string        `env:"COORDINATOR_INSTANCE_ID"`
	MQTTAddress   string        `env:"COORDINATOR_MQTT_ADDRESS"   envDefault:"tcp://localhost:1883"`
	MQTTQoS       uint8         `env:"COORDINATOR_MQTT_QOS"       envDefault:"2"`
	MQTTTimeout   time.Duration `env:"COORDINATOR_MQTT_TIMEOUT"   envDefault:"30s"`
	MQTTUsername  string        `env:"COORDINATOR_MQTT_USERNAME"`
	MQTTPassword  string        `env:"COORDINATOR_MQTT_PASSWORD"`
	CheckpointDir string        `env:"COORDINATOR_CHECKPOINT_DIR"`
	StaleAfter    time.Duration `env:"COORDINATOR_STALE_AFTER"    envDefault:"1m"`
	OTELURL       url.URL       `env:"COORDINATOR_OTEL_URL"`
	TraceRatio    float64       `env:"COORDINATOR_TRACE_RATIO"    envDefault:"0"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	httpServerConfig := server.Config{Port: defHTTPPort}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		log.Fatalf("failed to load HTTP server configuration : %s", err.Error())
	}

	if err := flotillad.StartCoordinator(ctx, cancel, flotillad.CoordinatorConfig{
		LogLevel:      cfg.LogLevel,
		InstanceID:    cfg.InstanceID,
		MQTTAddress:   cfg.MQTTAddress,
		MQTTQoS:       cfg.MQTTQoS,
		MQTTTimeout:   cfg.MQTTTimeout,
		MQTTUsername:  cfg.MQTTUsername,
		MQTTPassword:  cfg.MQTTPassword,
		CheckpointDir: cfg.CheckpointDir,
		StaleAfter:    cfg.StaleAfter,
		Server:        httpServerConfig,
		OTELURL:       cfg.OTELURL,
		TraceRatio:    cfg.TraceRatio,
	}); err != nil {
		log.Fatalf("coordinator exited with error: %s", err.Error())
	}
}
