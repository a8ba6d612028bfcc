package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

// Persistence handles the disk I/O for the Catalog, one JSON file per provider.
type Persistence struct {
	DataDir string
	log     *zap.Logger
	mu      sync.Mutex
}

// NewPersistence initializes a persistence handler, creating dir if needed.
func NewPersistence(dir string, log *zap.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Persistence{DataDir: dir, log: log}, nil
}

// SaveProvider writes a provider's images atomically (temp file + rename).
func (p *Persistence) SaveProvider(providerID string, images map[string]sdk.NativeMachine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.DataDir, fmt.Sprintf("%s.json", providerID))
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(images, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, filePath)
}

// LoadAll returns every provider catalog found in the data directory.
// Unreadable files are skipped with a warning.
func (p *Persistence) LoadAll() (map[string]map[string]sdk.NativeMachine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make(map[string]map[string]sdk.NativeMachine)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		providerID := strings.TrimSuffix(file.Name(), ".json")

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.log.Warn("could not read provider catalog", zap.String("file", file.Name()), zap.Error(err))
			continue
		}

		var images map[string]sdk.NativeMachine
		if err := json.Unmarshal(content, &images); err != nil {
			p.log.Warn("could not decode provider catalog", zap.String("file", file.Name()), zap.Error(err))
			continue
		}
		if images == nil {
			images = make(map[string]sdk.NativeMachine)
		}
		all[providerID] = images
	}
	return all, nil
}
