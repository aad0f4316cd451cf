package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/flotilla-ml/flotilla/model"
)

const (
	tag = "latest"

	weightsMediaType = "application/vnd.flotilla.weights.v1+json"
	artifactType     = "application/vnd.flotilla.artifact.v1"
)

var envPrefix = "REGISTRY_"

type Config struct {
	URL          string `env:"URL"          envDefault:""`
	Authenticate bool   `env:"AUTHENTICATE" envDefault:"false"`
	Username     string `env:"USERNAME"     envDefault:""`
	Password     string `env:"PASSWORD"     envDefault:""`
}

func Init() (*Config, error) {
	config := Config{}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return nil, err
	}

	return &config, nil
}

// FetchModule pulls an OCI artifact and returns the content of its first
// layer, typically a WASM trainer binary.
func (c *Config) FetchModule(ctx context.Context, ref string) ([]byte, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, err
	}

	store := memory.New()
	desc, err := oras.Copy(ctx, repo, tag, store, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, errors.Join(errors.New("failed to pull artifact"), err)
	}

	manifestBytes, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return nil, err
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, err
	}
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("artifact %q has no layers", ref)
	}

	return content.FetchAll(ctx, store, manifest.Layers[0])
}

// FetchWeights pulls a published global model snapshot.
func (c *Config) FetchWeights(ctx context.Context, ref string) (model.Weights, error) {
	data, err := c.FetchModule(ctx, ref)
	if err != nil {
		return model.Weights{}, err
	}

	var w model.Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Weights{}, errors.Join(errors.New("failed to decode weights artifact"), err)
	}

	return w, nil
}

// PushWeights publishes a weights snapshot as an OCI artifact so other
// fleets can bootstrap from it.
func (c *Config) PushWeights(ctx context.Context, ref string, w model.Weights) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	store := memory.New()
	layer := content.NewDescriptorFromBytes(weightsMediaType, data)
	if err := store.Push(ctx, layer, bytes.NewReader(data)); err != nil {
		return err
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
	})
	if err != nil {
		return err
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return err
	}

	repo, err := c.repository(ref)
	if err != nil {
		return err
	}

	if _, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions); err != nil {
		return errors.Join(errors.New("failed to push artifact"), err)
	}

	return nil
}

func (c *Config) repository(ref string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(c.URL + "/" + ref)
	if err != nil {
		return nil, err
	}

	if c.Authenticate {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Cache:  auth.NewCache(),
			Credential: auth.StaticCredential(c.URL, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}

	return repo, nil
}
