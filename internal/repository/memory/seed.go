package memory

import (
	"github.com/aggiestack/aggiestack/internal/domain"
)

// Fixture is a set of documents to load into a store.
type Fixture struct {
	Flavors   []*domain.Flavor
	Images    []*domain.Image
	Racks     []*domain.Rack
	Servers   []*domain.Server
	Instances []*domain.Instance
}

// Seed writes the fixture documents as given, outside any transaction.
// Instances are stored verbatim: the fixture's server free capacity must
// already account for them.
func (s *Store) Seed(fx Fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range fx.Flavors {
		clone := *f
		s.data.flavors[f.Name] = &clone
	}
	for _, img := range fx.Images {
		clone := *img
		s.data.images[img.Name] = &clone
	}
	for _, r := range fx.Racks {
		s.data.putRack(r)
	}
	for _, srv := range fx.Servers {
		s.data.servers[srv.Name] = srv.Clone()
	}
	for _, inst := range fx.Instances {
		s.data.instances[inst.Name] = inst.Clone()
	}
}

// DemoFixture returns a small datacenter used in development mode.
func DemoFixture() Fixture {
	return Fixture{
		Flavors: []*domain.Flavor{
			{Name: "small", Memory: 1, Disk: 1, VCPU: 1},
			{Name: "medium", Memory: 4, Disk: 2, VCPU: 2},
			{Name: "large", Memory: 8, Disk: 4, VCPU: 4},
		},
		Images: []*domain.Image{
			{Name: "linux-ubuntu", Size: 128, Path: "/images/linux-ubuntu-16.04.img"},
			{Name: "linux-sles", Size: 512, Path: "/images/linux-sles.img"},
		},
		Racks: []*domain.Rack{
			domain.NewRack("r1", 1024),
			domain.NewRack("r2", 2048),
		},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "128.0.0.1", 16, 32, 8),
			domain.NewServer("m2", "r1", "128.0.0.2", 16, 32, 8),
			domain.NewServer("m3", "r2", "128.0.0.3", 32, 64, 16),
		},
	}
}
