package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/internal/vault"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

var (
	// ErrIdentityMismatch is returned when an identity is used against another provider.
	ErrIdentityMismatch = errors.New("identity does not belong to provider")
	// ErrNoMasterKey is returned when an identity carries credentials but no vault key is configured.
	ErrNoMasterKey = errors.New("identity credentials present but no vault key configured")
)

// Factory opens driver sessions against the catalog.
type Factory struct {
	catalog   *Catalog
	masterKey []byte
	log       *zap.Logger
	open      atomic.Int64
}

// NewFactory returns a Factory. masterKey may be nil when no identity carries credentials.
func NewFactory(c *Catalog, masterKey []byte, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{catalog: c, masterKey: masterKey, log: log}
}

// OpenSessions returns the number of sessions not yet closed.
func (f *Factory) OpenSessions() int64 {
	return f.open.Load()
}

// Open acquires a session for the provider scoped to identity.
func (f *Factory) Open(ctx context.Context, providerID string, identity *schema.Identity) (sdk.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity == nil || identity.ProviderID != providerID {
		return nil, ErrIdentityMismatch
	}
	if !f.catalog.HasProvider(providerID) {
		return nil, sdk.ErrProviderNotFound
	}

	// The in-process catalog has no endpoint to present credentials to;
	// they are still opened so a bad key or tampered record fails the session.
	if identity.Credentials != "" {
		if f.masterKey == nil {
			return nil, ErrNoMasterKey
		}
		if _, err := vault.Decrypt(identity.Credentials, f.masterKey); err != nil {
			return nil, fmt.Errorf("open credentials for identity %s: %w", identity.ID, err)
		}
	}

	f.open.Add(1)
	f.log.Debug("driver session opened",
		zap.String("provider", providerID), zap.String("identity", identity.ID))

	return &session{
		factory:    f,
		providerID: providerID,
		identityID: identity.ID,
	}, nil
}

type session struct {
	factory    *Factory
	providerID string
	identityID string
	closed     atomic.Bool
}

func (s *session) ListMachines(ctx context.Context) ([]sdk.NativeMachine, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.factory.catalog.List(s.providerID)
}

func (s *session) GetMachine(ctx context.Context, id string) (sdk.NativeMachine, error) {
	if err := s.check(ctx); err != nil {
		return sdk.NativeMachine{}, err
	}
	return s.factory.catalog.Get(s.providerID, id)
}

func (s *session) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.factory.catalog.MergeMetadata(s.providerID, id, metadata)
}

// Close releases the session. Closing twice is a no-op.
func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.factory.open.Add(-1)
		s.factory.log.Debug("driver session closed",
			zap.String("provider", s.providerID), zap.String("identity", s.identityID))
	}
	return nil
}

func (s *session) check(ctx context.Context) error {
	if s.closed.Load() {
		return sdk.ErrSessionClosed
	}
	return ctx.Err()
}
