// Package driver implements the provider driver gateway on top of an in-process image catalog.
package driver

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

// Catalog is the thread-safe image catalog backing every provider.
type Catalog struct {
	mu sync.RWMutex
	// Structure: [providerID][machineID]machine
	data      map[string]map[string]sdk.NativeMachine
	persister *Persistence
	log       *zap.Logger
	wg        sync.WaitGroup
}

// NewCatalog initializes a catalog.
// It accepts existing data (from LoadAll) and an optional persister.
func NewCatalog(initialData map[string]map[string]sdk.NativeMachine, p *Persistence, log *zap.Logger) *Catalog {
	if initialData == nil {
		initialData = make(map[string]map[string]sdk.NativeMachine)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		data:      initialData,
		persister: p,
		log:       log,
	}
}

// Wait waits for all background persistence tasks to complete.
func (c *Catalog) Wait() {
	c.wg.Wait()
}

// HasProvider reports whether the provider is known to the catalog.
func (c *Catalog) HasProvider(providerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[providerID]
	return ok
}

// AddProvider registers an empty provider.
func (c *Catalog) AddProvider(providerID string) {
	c.mu.Lock()
	if c.data[providerID] == nil {
		c.data[providerID] = make(map[string]sdk.NativeMachine)
	}
	c.mu.Unlock()
}

// Put stores an image, replacing any previous image with the same ID.
func (c *Catalog) Put(providerID string, m sdk.NativeMachine) {
	c.mu.Lock()
	if c.data[providerID] == nil {
		c.data[providerID] = make(map[string]sdk.NativeMachine)
	}
	c.data[providerID][m.ID] = copyMachine(m)
	snapshot := c.copyProvider(providerID)
	c.mu.Unlock()

	c.persist(providerID, snapshot)
}

// List returns the provider's images in ascending creation order.
func (c *Catalog) List(providerID string) ([]sdk.NativeMachine, error) {
	c.mu.RLock()
	images, ok := c.data[providerID]
	if !ok {
		c.mu.RUnlock()
		return nil, sdk.ErrProviderNotFound
	}
	list := make([]sdk.NativeMachine, 0, len(images))
	for _, m := range images {
		list = append(list, copyMachine(m))
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// Get returns one image.
func (c *Catalog) Get(providerID, machineID string) (sdk.NativeMachine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	images, ok := c.data[providerID]
	if !ok {
		return sdk.NativeMachine{}, sdk.ErrProviderNotFound
	}
	m, ok := images[machineID]
	if !ok {
		return sdk.NativeMachine{}, sdk.ErrMachineNotFound
	}
	return copyMachine(m), nil
}

// MergeMetadata writes the given keys onto the image metadata.
func (c *Catalog) MergeMetadata(providerID, machineID string, metadata map[string]string) error {
	c.mu.Lock()
	images, ok := c.data[providerID]
	if !ok {
		c.mu.Unlock()
		return sdk.ErrProviderNotFound
	}
	m, ok := images[machineID]
	if !ok {
		c.mu.Unlock()
		return sdk.ErrMachineNotFound
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		m.Metadata[k] = v
	}
	images[machineID] = m
	snapshot := c.copyProvider(providerID)
	c.mu.Unlock()

	c.persist(providerID, snapshot)
	return nil
}

func (c *Catalog) persist(providerID string, snapshot map[string]sdk.NativeMachine) {
	if c.persister == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.persister.SaveProvider(providerID, snapshot); err != nil {
			c.log.Error("failed to persist provider catalog",
				zap.String("provider", providerID), zap.Error(err))
		}
	}()
}

// copyProvider creates a deep copy of a provider's images.
// It MUST be called while holding c.mu.
func (c *Catalog) copyProvider(providerID string) map[string]sdk.NativeMachine {
	original := c.data[providerID]
	out := make(map[string]sdk.NativeMachine, len(original))
	for id, m := range original {
		out[id] = copyMachine(m)
	}
	return out
}

func copyMachine(m sdk.NativeMachine) sdk.NativeMachine {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}
