package flotilla_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flotilla "github.com/flotilla-ml/flotilla"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flotilla.toml")

	content := `
[coordinator]
instance_id = "coord-1"

[participant]
id = "node-1"
num_samples = 128
seed = 7

[broker]
url = "tcp://localhost:1883"
username = "flotilla"
password = "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := flotilla.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "coord-1", cfg.Coordinator.InstanceID)
	assert.Equal(t, "node-1", cfg.Participant.ID)
	assert.Equal(t, 128, cfg.Participant.NumSamples)
	assert.Equal(t, int64(7), cfg.Participant.Seed)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker.URL)
	assert.Equal(t, "flotilla", cfg.Broker.Username)
	assert.Equal(t, "secret", cfg.Broker.Password)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := flotilla.LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
