package memory

import (
	"sort"

	"github.com/aggiestack/aggiestack/internal/capacity"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// state holds every inventory document. It does no locking; Store and tx do.
type state struct {
	flavors   map[string]*domain.Flavor
	images    map[string]*domain.Image
	racks     map[string]*domain.Rack
	servers   map[string]*domain.Server
	instances map[string]*domain.Instance

	// imageLocations is derived from racks[*].ImageCache and only written by
	// putRack and deleteRack.
	imageLocations map[string]map[string]struct{}
}

func newState() *state {
	return &state{
		flavors:        make(map[string]*domain.Flavor),
		images:         make(map[string]*domain.Image),
		racks:          make(map[string]*domain.Rack),
		servers:        make(map[string]*domain.Server),
		instances:      make(map[string]*domain.Instance),
		imageLocations: make(map[string]map[string]struct{}),
	}
}

// ============================================================================
// Reads
// ============================================================================

func (s *state) getFlavor(name string) (*domain.Flavor, error) {
	f, ok := s.flavors[name]
	if !ok {
		return nil, domain.NewNotFound(domain.KindFlavor, name)
	}
	clone := *f
	return &clone, nil
}

func (s *state) getImage(name string) (*domain.Image, error) {
	img, ok := s.images[name]
	if !ok {
		return nil, domain.NewNotFound(domain.KindImage, name)
	}
	clone := *img
	return &clone, nil
}

func (s *state) getRack(name string) (*domain.Rack, error) {
	r, ok := s.racks[name]
	if !ok {
		return nil, domain.NewNotFound(domain.KindRack, name)
	}
	return r.Clone(), nil
}

func (s *state) getServer(name string) (*domain.Server, error) {
	srv, ok := s.servers[name]
	if !ok {
		return nil, domain.NewNotFound(domain.KindServer, name)
	}
	return srv.Clone(), nil
}

func (s *state) getInstance(name string) (*domain.Instance, error) {
	inst, ok := s.instances[name]
	if !ok {
		return nil, domain.NewNotFound(domain.KindInstance, name)
	}
	return inst.Clone(), nil
}

func (s *state) listFlavors() []*domain.Flavor {
	result := make([]*domain.Flavor, 0, len(s.flavors))
	for _, name := range sortedKeys(s.flavors) {
		clone := *s.flavors[name]
		result = append(result, &clone)
	}
	return result
}

func (s *state) listImages() []*domain.Image {
	result := make([]*domain.Image, 0, len(s.images))
	for _, name := range sortedKeys(s.images) {
		clone := *s.images[name]
		result = append(result, &clone)
	}
	return result
}

func (s *state) listRacks() []*domain.Rack {
	result := make([]*domain.Rack, 0, len(s.racks))
	for _, name := range sortedKeys(s.racks) {
		result = append(result, s.racks[name].Clone())
	}
	return result
}

func (s *state) listServers() []*domain.Server {
	result := make([]*domain.Server, 0, len(s.servers))
	for _, name := range sortedKeys(s.servers) {
		result = append(result, s.servers[name].Clone())
	}
	return result
}

func (s *state) listActiveServers(filter inventory.ServerFilter) []*domain.Server {
	var racks map[string]struct{}
	if filter.Racks != nil {
		racks = make(map[string]struct{}, len(filter.Racks))
		for _, r := range filter.Racks {
			racks[r] = struct{}{}
		}
	}

	result := make([]*domain.Server, 0)
	for _, srv := range s.servers {
		if !srv.IsActive {
			continue
		}
		if racks != nil {
			if _, ok := racks[srv.Rack]; !ok {
				continue
			}
		}
		result = append(result, srv.Clone())
	}

	capacity.Sort(result)
	return result
}

func (s *state) listInstances(filter inventory.InstanceFilter) []*domain.Instance {
	result := make([]*domain.Instance, 0)
	for _, name := range sortedKeys(s.instances) {
		inst := s.instances[name]
		if filter.Server != "" && inst.Server != filter.Server {
			continue
		}
		result = append(result, inst.Clone())
	}
	return result
}

func (s *state) lookupImage(image string) []string {
	racks := make([]string, 0, len(s.imageLocations[image]))
	for r := range s.imageLocations[image] {
		racks = append(racks, r)
	}
	sort.Strings(racks)
	return racks
}

// ============================================================================
// Writes
// ============================================================================

// putRack stores a copy of r and moves the image-location index from the old
// cache contents to the new ones.
func (s *state) putRack(r *domain.Rack) {
	if old, ok := s.racks[r.Name]; ok {
		for _, c := range old.ImageCache {
			s.removeLocation(c.ImageName, r.Name)
		}
	}
	s.racks[r.Name] = r.Clone()
	for _, c := range r.ImageCache {
		s.addLocation(c.ImageName, r.Name)
	}
}

func (s *state) deleteRack(name string) {
	old, ok := s.racks[name]
	if !ok {
		return
	}
	for _, c := range old.ImageCache {
		s.removeLocation(c.ImageName, name)
	}
	delete(s.racks, name)
}

func (s *state) addLocation(image, rack string) {
	racks, ok := s.imageLocations[image]
	if !ok {
		racks = make(map[string]struct{})
		s.imageLocations[image] = racks
	}
	racks[rack] = struct{}{}
}

func (s *state) removeLocation(image, rack string) {
	racks, ok := s.imageLocations[image]
	if !ok {
		return
	}
	delete(racks, rack)
	if len(racks) == 0 {
		delete(s.imageLocations, image)
	}
}

// ============================================================================
// Helper Functions
// ============================================================================

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
