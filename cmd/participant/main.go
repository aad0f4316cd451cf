package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/flotilla-ml/flotilla/flotillad"
	"github.com/flotilla-ml/flotilla/model"
)

const pathEnv = ".env"

type envConfig struct {
	LogLevel         string        `env:"PARTICIPANT_LOG_LEVEL"        envDefault:"info"`
	ID               string        `env:"PARTICIPANT_ID"`
	SessionID        string        `env:"PARTICIPANT_SESSION_ID,notEmpty"`
	NumSamples       int           `env:"PARTICIPANT_NUM_SAMPLES"      envDefault:"1"`
	Seed             int64         `env:"PARTICIPANT_SEED"             envDefault:"0"`
	ArchitectureFile string        `env:"PARTICIPANT_ARCHITECTURE,notEmpty"`
	WASMFile         string        `env:"PARTICIPANT_WASM_FILE"`
	ModuleRef        string        `env:"PARTICIPANT_MODULE_REF"`
	MQTTAddress      string        `env:"PARTICIPANT_MQTT_ADDRESS"     envDefault:"tcp://localhost:1883"`
	MQTTQoS          uint8         `env:"PARTICIPANT_MQTT_QOS"         envDefault:"2"`
	MQTTTimeout      time.Duration `env:"PARTICIPANT_MQTT_TIMEOUT"     envDefault:"30s"`
	MQTTUsername     string        `env:"PARTICIPANT_MQTT_USERNAME"`
	MQTTPassword     string        `env:"PARTICIPANT_MQTT_PASSWORD"`
	Compression      string        `env:"PARTICIPANT_COMPRESSION"`
	CompressionBits  int           `env:"PARTICIPANT_COMPRESSION_BITS" envDefault:"8"`
	CompressionK     int           `env:"PARTICIPANT_COMPRESSION_K"    envDefault:"0"`
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

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	if err := flotillad.StartParticipant(ctx, cancel, flotillad.ParticipantConfig{
		LogLevel:         cfg.LogLevel,
		ID:               cfg.ID,
		SessionID:        cfg.SessionID,
		NumSamples:       cfg.NumSamples,
		Seed:             cfg.Seed,
		ArchitectureFile: cfg.ArchitectureFile,
		WASMFile:         cfg.WASMFile,
		ModuleRef:        cfg.ModuleRef,
		MQTTAddress:      cfg.MQTTAddress,
		MQTTQoS:          cfg.MQTTQoS,
		MQTTTimeout:      cfg.MQTTTimeout,
		MQTTUsername:     cfg.MQTTUsername,
		MQTTPassword:     cfg.MQTTPassword,
		Compression: model.CompressionConfig{
			Scheme: model.CompressionScheme(cfg.Compression),
			Bits:   cfg.CompressionBits,
			K:      cfg.CompressionK,
		},
	}); err != nil {
		log.Fatalf("participant exited with error: %s", err.Error())
	}
}
