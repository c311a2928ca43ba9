package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// snapshot is the on-disk form of the store. The image-location index is not
// written; it is rebuilt from the rack caches on load.
type snapshot struct {
	Flavors   []*domain.Flavor   `yaml:"flavors"`
	Images    []*domain.Image    `yaml:"images"`
	Racks     []*domain.Rack     `yaml:"racks"`
	Servers   []*domain.Server   `yaml:"servers"`
	Instances []*domain.Instance `yaml:"instances"`
}

// LoadFile creates a store from a snapshot file. A missing file yields an empty store.
func LoadFile(path string) (*Store, error) {
	s := NewStore()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}

	for _, f := range snap.Flavors {
		s.data.flavors[f.Name] = f
	}
	for _, img := range snap.Images {
		s.data.images[img.Name] = img
	}
	for _, r := range snap.Racks {
		if r.ImageCache == nil {
			r.ImageCache = []domain.CachedImage{}
		}
		s.data.putRack(r)
	}
	for _, srv := range snap.Servers {
		s.data.servers[srv.Name] = srv
	}
	for _, inst := range snap.Instances {
		s.data.instances[inst.Name] = inst
	}

	return s, nil
}

// SaveFile writes the store to path, replacing the previous file atomically.
func (s *Store) SaveFile(path string) error {
	s.mu.RLock()
	snap := snapshot{
		Flavors:   s.data.listFlavors(),
		Images:    s.data.listImages(),
		Racks:     s.data.listRacks(),
		Servers:   s.data.listServers(),
		Instances: s.data.listInstances(inventory.InstanceFilter{}),
	}
	s.mu.RUnlock()

	raw, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
