package sdk

import (
	"context"
	"errors"
	"time"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
)

var (
	// ErrMachineNotFound is returned when the provider has no image with the requested ID.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrProviderNotFound is returned when a session is requested for an unknown provider.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrSessionClosed is returned by any call made on a driver session after Close.
	ErrSessionClosed = errors.New("driver session closed")
)

// NativeMachine is a machine image as the provider driver reports it.
type NativeMachine struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Owner     string            `json:"owner,omitempty" yaml:"owner"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// --- Functional Interfaces (Interface Segregation) ---

// MachineLister lists every image visible to the session.
type MachineLister interface {
	ListMachines(ctx context.Context) ([]NativeMachine, error)
}

// MachineGetter fetches a single image by ID.
type MachineGetter interface {
	GetMachine(ctx context.Context, id string) (NativeMachine, error)
}

// MetadataUpdater pushes metadata onto an image.
type MetadataUpdater interface {
	UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error
}

// --- Composite Interfaces ---

// Driver is a provider session scoped to one identity.
// Sessions are acquired per request and must be closed by the caller.
type Driver interface {
	MachineLister
	MachineGetter
	MetadataUpdater
	Close() error
}

// DriverFactory opens driver sessions.
type DriverFactory interface {
	Open(ctx context.Context, providerID string, identity *schema.Identity) (Driver, error)
}
