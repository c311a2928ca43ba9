package domain

import (
	"time"
)

// CachedImage is one entry of a rack's image cache.
type CachedImage struct {
	ImageName  string    `json:"image_name" yaml:"image_name"`
	Size       int64     `json:"size" yaml:"size"`
	LastAccess time.Time `json:"last_access" yaml:"last_access"`
}

// Rack groups servers and owns a bounded image cache.
//
// Invariant: AvailableCapacity == Capacity - sum(ImageCache[i].Size), and ImageCache
// holds at most one entry per image. ImageCache keeps insertion order; a cache hit
// moves the entry to the end.
type Rack struct {
	Name              string        `json:"name" yaml:"name"`
	Capacity          int64         `json:"capacity" yaml:"capacity"`
	AvailableCapacity int64         `json:"available_capacity" yaml:"available_capacity"`
	ImageCache        []CachedImage `json:"image_cache" yaml:"image_cache"`
}

// NewRack returns a rack with an empty cache.
func NewRack(name string, capacity int64) *Rack {
	return &Rack{
		Name:              name,
		Capacity:          capacity,
		AvailableCapacity: capacity,
		ImageCache:        []CachedImage{},
	}
}

// CachedBytes returns the total size of every cached image.
func (r *Rack) CachedBytes() int64 {
	var total int64
	for _, c := range r.ImageCache {
		total += c.Size
	}
	return total
}

// CacheIndex returns the position of image in the cache, or -1.
func (r *Rack) CacheIndex(image string) int {
	for i, c := range r.ImageCache {
		if c.ImageName == image {
			return i
		}
	}
	return -1
}

// CachedImageNames returns the cached image names in cache order.
func (r *Rack) CachedImageNames() []string {
	names := make([]string, 0, len(r.ImageCache))
	for _, c := range r.ImageCache {
		names = append(names, c.ImageName)
	}
	return names
}

// Clone returns a deep copy of the rack.
func (r *Rack) Clone() *Rack {
	if r == nil {
		return nil
	}
	clone := *r
	clone.ImageCache = make([]CachedImage, len(r.ImageCache))
	copy(clone.ImageCache, r.ImageCache)
	return &clone
}

// Server is a physical machine in a rack.
//
// Memory, Disk and VCPU are the physical maxima; the *Free fields track what is
// left after every hosted instance reserved its flavor. 0 <= free <= max.
type Server struct {
	Name     string `json:"name" yaml:"name"`
	Rack     string `json:"rack" yaml:"rack"`
	IP       string `json:"ip" yaml:"ip"`
	Memory   int64  `json:"memory" yaml:"memory"`
	Disk     int64  `json:"disk" yaml:"disk"`
	VCPU     int64  `json:"vcpu" yaml:"vcpu"`
	IsActive bool   `json:"is_active" yaml:"is_active"`

	MemoryFree int64 `json:"memory_free" yaml:"memory_free"`
	DiskFree   int64 `json:"disk_free" yaml:"disk_free"`
	VCPUFree   int64 `json:"vcpu_free" yaml:"vcpu_free"`
}

// NewServer returns an active server with its full capacity free.
func NewServer(name, rack, ip string, memory, disk, vcpu int64) *Server {
	return &Server{
		Name:       name,
		Rack:       rack,
		IP:         ip,
		Memory:     memory,
		Disk:       disk,
		VCPU:       vcpu,
		IsActive:   true,
		MemoryFree: memory,
		DiskFree:   disk,
		VCPUFree:   vcpu,
	}
}

// Clone returns a copy of the server.
func (s *Server) Clone() *Server {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Instance is a running workload bound to exactly one server.
// Instances are never mutated in place; relocation deletes and recreates them.
type Instance struct {
	Name   string `json:"name" yaml:"name"`
	Flavor string `json:"flavor" yaml:"flavor"`
	Image  string `json:"image" yaml:"image"`
	Server string `json:"server" yaml:"server"`
}

// Clone returns a copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	return &clone
}
