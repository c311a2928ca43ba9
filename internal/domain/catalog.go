package domain

// Kind names an inventory entity type.
type Kind string

const (
	KindFlavor   Kind = "flavor"
	KindImage    Kind = "image"
	KindRack     Kind = "rack"
	KindServer   Kind = "server"
	KindInstance Kind = "instance"
)

// Flavor is a named resource-demand template. Flavors are immutable once created.
type Flavor struct {
	Name   string `json:"name" yaml:"name"`
	VCPU   int64  `json:"vcpu" yaml:"vcpu"`
	Memory int64  `json:"memory" yaml:"memory"`
	Disk   int64  `json:"disk" yaml:"disk"`
}

// Image is a bootable disk image. Size is the cache capacity it consumes in a rack.
type Image struct {
	Name string `json:"name" yaml:"name"`
	Size int64  `json:"size" yaml:"size"`
	Path string `json:"path" yaml:"path"`
}
