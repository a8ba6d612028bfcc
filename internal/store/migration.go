package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

// Migration is one numbered schema change. Up runs in the same transaction
// that records the new schema version.
type Migration struct {
	Version int
	Name    string
	Up      func(txn *badger.Txn, log *zap.Logger) error
}

// Migrations lists every schema change in order.
var Migrations = []Migration{
	{Version: 1, Name: "projects_to_project", Up: projectsToProject},
}

// SchemaVersion returns the last applied migration version, 0 for a fresh store.
func (s *BadgerStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		version, err = readVersion(txn)
		return err
	})
	return version, err
}

func readVersion(txn *badger.Txn) (int, error) {
	item, err := txn.Get([]byte(schemaKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(v))
}

// Migrate applies every pending migration and returns the names of those applied.
func (s *BadgerStore) Migrate(ctx context.Context, log *zap.Logger) ([]string, error) {
	if log == nil {
		log = zap.NewNop()
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	var applied []string
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		err := s.update(ctx, func(txn *badger.Txn) error {
			if err := m.Up(txn, log); err != nil {
				return err
			}
			return txn.Set([]byte(schemaKey), []byte(strconv.Itoa(m.Version)))
		})
		if err != nil {
			return applied, fmt.Errorf("migration %04d_%s failed: %w", m.Version, m.Name, err)
		}
		log.Info("applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// projectsToProject moves the project-to-instance/volume association from the
// project's lists onto Instance.ProjectID and Volume.ProjectID, then drops the lists.
func projectsToProject(txn *badger.Txn, log *zap.Logger) error {
	projects, err := scan[schema.Project](txn, projectPrefix)
	if err != nil {
		return err
	}

	for _, p := range projects {
		for _, id := range p.InstanceIDs {
			inst, err := getJSON[schema.Instance](txn, instancePrefix+id)
			if errors.Is(err, ErrNotFound) {
				log.Warn("project references missing instance",
					zap.String("project", p.ID), zap.String("instance", id))
				continue
			}
			if err != nil {
				return err
			}
			inst.ProjectID = p.ID
			if err := setJSON(txn, instancePrefix+id, inst); err != nil {
				return err
			}
		}

		for _, id := range p.VolumeIDs {
			vol, err := getJSON[schema.Volume](txn, volumePrefix+id)
			if errors.Is(err, ErrNotFound) {
				log.Warn("project references missing volume",
					zap.String("project", p.ID), zap.String("volume", id))
				continue
			}
			if err != nil {
				return err
			}
			vol.ProjectID = p.ID
			if err := setJSON(txn, volumePrefix+id, vol); err != nil {
				return err
			}
		}

		p.InstanceIDs = nil
		p.VolumeIDs = nil
		if err := setJSON(txn, projectPrefix+p.ID, p); err != nil {
			return err
		}
	}
	return nil
}
