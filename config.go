package flotilla

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Participant ParticipantConfig `toml:"participant"`
	Broker      BrokerConfig      `toml:"broker"`
}

type CoordinatorConfig struct {
	InstanceID string `toml:"instance_id"`
}

type ParticipantConfig struct {
	ID         string `toml:"id"`
	NumSamples int    `toml:"num_samples"`
	Seed       int64  `toml:"seed"`
}

type BrokerConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
