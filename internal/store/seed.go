package store

import (
	"context"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-machines/internal/vault"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

// Seed is the bootstrap data file of a deployment.
// Identity credentials are given in plaintext and sealed before they are stored.
type Seed struct {
	Users      []schema.User                  `yaml:"users"`
	Tokens     map[string]string              `yaml:"tokens"`
	Identities []schema.Identity              `yaml:"identities"`
	Projects   []schema.Project               `yaml:"projects"`
	Instances  []schema.Instance              `yaml:"instances"`
	Volumes    []schema.Volume                `yaml:"volumes"`
	Images     map[string][]sdk.NativeMachine `yaml:"images"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed %s: %w", path, err)
	}
	return &seed, nil
}

// SealCredentials encrypts every plaintext identity credential with key.
func (s *Seed) SealCredentials(key []byte) error {
	for i := range s.Identities {
		creds := s.Identities[i].Credentials
		if creds == "" {
			continue
		}
		if key == nil {
			return fmt.Errorf("identity %s: credentials given but no vault key configured", s.Identities[i].ID)
		}
		sealed, err := vault.Encrypt(creds, key)
		if err != nil {
			return fmt.Errorf("identity %s: %w", s.Identities[i].ID, err)
		}
		s.Identities[i].Credentials = sealed
	}
	return nil
}

// ApplySeed writes the seed's records into the store, replacing records with the same keys.
// On a store already past the projects_to_project migration, legacy project lists
// in the seed are folded onto their instances and volumes.
// Images are not stored here; they belong to the driver catalog.
func (s *BadgerStore) ApplySeed(ctx context.Context, seed *Seed) error {
	for i := range seed.Users {
		if err := s.PutUser(ctx, &seed.Users[i]); err != nil {
			return fmt.Errorf("user %q: %w", seed.Users[i].Username, err)
		}
	}
	for token, username := range seed.Tokens {
		if err := s.PutToken(ctx, token, username); err != nil {
			return fmt.Errorf("token for %q: %w", username, err)
		}
	}
	for i := range seed.Identities {
		if err := s.PutIdentity(ctx, &seed.Identities[i]); err != nil {
			return fmt.Errorf("identity %q: %w", seed.Identities[i].ID, err)
		}
	}
	for i := range seed.Projects {
		if err := s.PutProject(ctx, &seed.Projects[i]); err != nil {
			return fmt.Errorf("project %q: %w", seed.Projects[i].ID, err)
		}
	}
	for i := range seed.Instances {
		if err := s.PutInstance(ctx, &seed.Instances[i]); err != nil {
			return fmt.Errorf("instance %q: %w", seed.Instances[i].ID, err)
		}
	}
	for i := range seed.Volumes {
		if err := s.PutVolume(ctx, &seed.Volumes[i]); err != nil {
			return fmt.Errorf("volume %q: %w", seed.Volumes[i].ID, err)
		}
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < 1 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return projectsToProject(txn, zap.NewNop())
	})
}
