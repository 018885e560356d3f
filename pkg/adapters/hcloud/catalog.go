package hcloud

import (
	"fmt"
	"sort"

	"github.com/openfroyo/broker/pkg/engine"
)

// ServerType describes one orderable Hetzner server type.
type ServerType struct {
	Name   string  `yaml:"name" validate:"required"`
	Cores  int     `yaml:"cores" validate:"gt=0"`
	RAMGB  float64 `yaml:"ram_gb" validate:"gt=0"`
	DiskGB int     `yaml:"disk_gb" validate:"gte=0"`
}

// DefaultCatalog lists the shared-vCPU types offered when none are configured.
var DefaultCatalog = []ServerType{
	{Name: "cx22", Cores: 2, RAMGB: 4, DiskGB: 40},
	{Name: "cx32", Cores: 4, RAMGB: 8, DiskGB: 80},
	{Name: "cx42", Cores: 8, RAMGB: 16, DiskGB: 160},
	{Name: "cx52", Cores: 16, RAMGB: 32, DiskGB: 320},
}

// Catalog picks server types for requested attributes.
type Catalog struct {
	types []ServerType
}

// NewCatalog creates a catalog sorted from smallest to largest.
func NewCatalog(types []ServerType) *Catalog {
	if len(types) == 0 {
		types = DefaultCatalog
	}
	sorted := make([]ServerType, len(types))
	copy(sorted, types)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Cores != sorted[j].Cores {
			return sorted[i].Cores < sorted[j].Cores
		}
		return sorted[i].RAMGB < sorted[j].RAMGB
	})
	return &Catalog{types: sorted}
}

// Lookup returns the type with the given name.
func (c *Catalog) Lookup(name string) (ServerType, bool) {
	for _, t := range c.types {
		if t.Name == name {
			return t, true
		}
	}
	return ServerType{}, false
}

// Select resolves attributes to a server type. An explicit server_type wins;
// otherwise the smallest type covering cores and ram_gb is chosen.
func (c *Catalog) Select(attrs engine.Attributes) (ServerType, error) {
	if name := attrs.String("server_type"); name != "" {
		t, ok := c.Lookup(name)
		if !ok {
			return ServerType{}, engine.NewInvalidRequestError(fmt.Sprintf("unknown server type %q", name), nil)
		}
		return t, nil
	}

	cores, _ := attrs.Float("cores")
	ram, _ := attrs.Float("ram_gb")
	if cores < 0 || ram < 0 {
		return ServerType{}, engine.NewInvalidRequestError("cores and ram_gb must not be negative", nil)
	}
	for _, t := range c.types {
		if float64(t.Cores) >= cores && t.RAMGB >= ram {
			return t, nil
		}
	}
	return ServerType{}, engine.NewInvalidRequestError(
		fmt.Sprintf("no server type offers %v cores and %v GB RAM", cores, ram), nil)
}

// Allocation is what a server of type t reserves.
func (t ServerType) Allocation() engine.Allocation {
	alloc := engine.Allocation{
		engine.DimensionInstances: 1,
		engine.DimensionCores:     float64(t.Cores),
		engine.DimensionRAMGB:     t.RAMGB,
	}
	if t.DiskGB > 0 {
		alloc[engine.DimensionStorageGB] = float64(t.DiskGB)
	}
	return alloc
}
