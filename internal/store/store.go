// Package store persists the domain records of the machines service in Badger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a machine was modified since it was read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidRecord is returned when a record is missing its key fields.
	ErrInvalidRecord = errors.New("invalid record")
)

const (
	userPrefix     = "user:"
	tokenPrefix    = "token:"
	identityPrefix = "identity:"
	machinePrefix  = "machine:"
	projectPrefix  = "project:"
	instancePrefix = "instance:"
	volumePrefix   = "volume:"
	schemaKey      = "schema:version"
)

// BadgerStore keeps users, tokens, identities, machines and projects.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the store at path. An empty path opens an in-memory store.
func Open(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 24)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func machineKey(providerID, id string) string {
	return machinePrefix + providerID + ":" + id
}

func getJSON[T any](txn *badger.Txn, key string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out T
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// scan decodes every value under prefix, in key order.
func scan[T any](txn *badger.Txn, prefix string) ([]*T, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []*T
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var v T
		if err := it.Item().Value(func(b []byte) error {
			return json.Unmarshal(b, &v)
		}); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// --- Users & tokens ---

// GetUser looks a user up by username.
func (s *BadgerStore) GetUser(ctx context.Context, username string) (*schema.User, error) {
	var out *schema.User
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		out, err = getJSON[schema.User](txn, userPrefix+username)
		return err
	})
	return out, err
}

// PutUser creates or replaces a user.
func (s *BadgerStore) PutUser(ctx context.Context, u *schema.User) error {
	if u.Username == "" {
		return ErrInvalidRecord
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, userPrefix+u.Username, u)
	})
}

// LookupToken returns the username an API token was issued to.
func (s *BadgerStore) LookupToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNotFound
	}
	var username string
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenPrefix + token))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		username = string(v)
		return err
	})
	return username, err
}

// PutToken binds a token to a username.
func (s *BadgerStore) PutToken(ctx context.Context, token, username string) error {
	if token == "" || username == "" {
		return ErrInvalidRecord
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenPrefix+token), []byte(username))
	})
}

// --- Identities ---

// GetIdentity fetches an identity by ID.
func (s *BadgerStore) GetIdentity(ctx context.Context, id string) (*schema.Identity, error) {
	var out *schema.Identity
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		out, err = getJSON[schema.Identity](txn, identityPrefix+id)
		return err
	})
	return out, err
}

// PutIdentity creates or replaces an identity.
func (s *BadgerStore) PutIdentity(ctx context.Context, i *schema.Identity) error {
	if i.ID == "" || i.ProviderID == "" {
		return ErrInvalidRecord
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, identityPrefix+i.ID, i)
	})
}

// --- Machines ---

// GetMachine fetches the core record of a provider machine.
func (s *BadgerStore) GetMachine(ctx context.Context, providerID, id string) (*schema.CoreMachine, error) {
	var out *schema.CoreMachine
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		out, err = getJSON[schema.CoreMachine](txn, machineKey(providerID, id))
		return err
	})
	return out, err
}

// GetOrCreateMachine returns the stored record, or stores m as version 1 if none exists.
func (s *BadgerStore) GetOrCreateMachine(ctx context.Context, m *schema.CoreMachine) (*schema.CoreMachine, error) {
	if m.ID == "" || m.ProviderID == "" {
		return nil, ErrInvalidRecord
	}
	var out *schema.CoreMachine
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := machineKey(m.ProviderID, m.ID)
		existing, err := getJSON[schema.CoreMachine](txn, key)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		out = m.Clone()
		out.Version = 1
		return setJSON(txn, key, out)
	})
	return out, err
}

// SaveMachine replaces a stored machine if its stored version equals expectedVersion.
// The saved record carries expectedVersion+1.
func (s *BadgerStore) SaveMachine(ctx context.Context, m *schema.CoreMachine, expectedVersion int64) (*schema.CoreMachine, error) {
	var out *schema.CoreMachine
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := machineKey(m.ProviderID, m.ID)
		existing, err := getJSON[schema.CoreMachine](txn, key)
		if err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return ErrVersionConflict
		}
		out = m.Clone()
		out.Version = expectedVersion + 1
		return setJSON(txn, key, out)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrVersionConflict
	}
	return out, err
}

// --- Projects, instances, volumes ---

// PutProject creates or replaces a project.
func (s *BadgerStore) PutProject(ctx context.Context, p *schema.Project) error {
	if p.ID == "" {
		return ErrInvalidRecord
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, projectPrefix+p.ID, p)
	})
}

// GetProject fetches a project by ID.
func (s *BadgerStore) GetProject(ctx context.Context, id string) (*schema.Project, error) {
	var out *schema.Project
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		out, err = getJSON[schema.Project](txn, projectPrefix+id)
		return err
	})
	return out, err
}

// PutInstance creates or replaces an instance.
func (s *BadgerStore) PutInstance(ctx context.Context, i *schema.Instance) error {
	if i.ID == "" {
		return ErrInvalidRecord
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, instancePrefix+i.ID, i)
	})
}

// GetInstance fetches an instance by ID.
func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*schema.Instance, error) {
	var out *schema.Instance
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		out, err = getJSON[schema.Instance](txn, instancePrefix+id)
		return err
	})
	return out, err
}

// PutVolume creates or replaces a volume.
func (s *BadgerStore) PutVolume(ctx context.Context, v *schema.Volume) error {
	if v.ID == "" {
		return ErrInvalidRecord
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, volumePrefix+v.ID, v)
	})
}

// GetVolume fetches a volume by ID.
func (s *BadgerStore) GetVolume(ctx context.Context, id string) (*schema.Volume, error) {
	var out *schema.Volume
	err := s.view(ctx, func(txn *badger.Txn) (err error) {
		out, err = getJSON[schema.Volume](txn, volumePrefix+id)
		return err
	})
	return out, err
}

// ProjectViews returns the user's projects with the instances and volumes that point at them.
func (s *BadgerStore) ProjectViews(ctx context.Context, username string) ([]schema.ProjectView, error) {
	var out []schema.ProjectView
	err := s.view(ctx, func(txn *badger.Txn) error {
		projects, err := scan[schema.Project](txn, projectPrefix)
		if err != nil {
			return err
		}
		instances, err := scan[schema.Instance](txn, instancePrefix)
		if err != nil {
			return err
		}
		volumes, err := scan[schema.Volume](txn, volumePrefix)
		if err != nil {
			return err
		}

		for _, p := range projects {
			if !schema.SameUser(p.CreatedBy, username) {
				continue
			}
			view := schema.ProjectView{Project: *p, Instances: []string{}, Volumes: []string{}}
			for _, i := range instances {
				if i.ProjectID == p.ID {
					view.Instances = append(view.Instances, i.ID)
				}
			}
			for _, v := range volumes {
				if v.ProjectID == p.ID {
					view.Volumes = append(view.Volumes, v.ID)
				}
			}
			out = append(out, view)
		}
		return nil
	})
	return out, err
}

