// Package registry resolves every tracked entity to exactly one shape and one
// category. The tables are built once at startup and never change afterwards.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// DefaultSphereRadius is the radius given to entities found in neither the
// sphere-radius nor the box-dimension table.
const DefaultSphereRadius = 0.10

// Category partitions objects into the static and dynamic outputs.
type Category int

const (
	Dynamic Category = iota
	Static
)

func (c Category) String() string {
	switch c {
	case Static:
		return "static"
	default:
		return "dynamic"
	}
}

// ShapeKind tags the variant held by a Shape.
type ShapeKind int

const (
	Sphere ShapeKind = iota
	Box
)

func (k ShapeKind) String() string {
	switch k {
	case Box:
		return "box"
	default:
		return "sphere"
	}
}

// Shape is a sum type: a sphere carries Radius, a box carries Size.
type Shape struct {
	Kind   ShapeKind
	Radius float64
	Size   [3]float64
}

// SphereShape returns a sphere of radius r.
func SphereShape(r float64) Shape {
	return Shape{Kind: Sphere, Radius: r}
}

// BoxShape returns an axis-aligned box with the given edge lengths.
func BoxShape(dx, dy, dz float64) Shape {
	return Shape{Kind: Box, Size: [3]float64{dx, dy, dz}}
}

// DefaultSphere returns the fallback shape for unclassified entities.
func DefaultSphere() Shape {
	return SphereShape(DefaultSphereRadius)
}

// Dimensions returns the shape parameters in output order: [radius] for a
// sphere, [dx, dy, dz] for a box.
func (s Shape) Dimensions() []float64 {
	if s.Kind == Box {
		return []float64{s.Size[0], s.Size[1], s.Size[2]}
	}
	return []float64{s.Radius}
}

func (s Shape) String() string {
	if s.Kind == Box {
		return fmt.Sprintf("box(%g,%g,%g)", s.Size[0], s.Size[1], s.Size[2])
	}
	return fmt.Sprintf("sphere(%g)", s.Radius)
}

// MarshalJSON encodes s in the output shape form {type, dimensions}.
func (s Shape) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string    `json:"type"`
		Dimensions []float64 `json:"dimensions"`
	}{Type: s.Kind.String(), Dimensions: s.Dimensions()})
}

// ConfigurationError reports a classification table the registry rejects.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("registry: invalid %s: %s", e.Field, e.Reason)
}

// Config is the static input the registry is built from.
type Config struct {
	// LocalEntity is this robot's own name. It is never tracked.
	LocalEntity string
	// Entities lists every name the external pose source may report.
	Entities []string
	// SphereRadii maps entity name to sphere radius. Takes precedence over
	// BoxDimensions when a name appears in both.
	SphereRadii map[string]float64
	// BoxDimensions maps entity name to [dx, dy, dz].
	BoxDimensions map[string][]float64
	// StaticEntities are classified Static; everything else is Dynamic.
	StaticEntities []string
	// RemoveEntities are dropped from the tracked set.
	RemoveEntities []string
}

// Registry is the immutable entity table.
type Registry struct {
	local   string
	tracked []string
	shapes  map[string]Shape
	static  map[string]struct{}
}

// New validates cfg and builds the registry. Removal-list filtering and
// removal of the local entity happen here, once.
func New(cfg Config) (*Registry, error) {
	if len(cfg.Entities) == 0 {
		return nil, &ConfigurationError{Field: "entities", Reason: "no entities configured"}
	}

	shapes := make(map[string]Shape, len(cfg.SphereRadii)+len(cfg.BoxDimensions))
	for name, dims := range cfg.BoxDimensions {
		if len(dims) != 3 {
			return nil, &ConfigurationError{
				Field:  "box_dimensions." + name,
				Reason: fmt.Sprintf("want 3 dimensions, got %d", len(dims)),
			}
		}
		for _, d := range dims {
			if !positive(d) {
				return nil, &ConfigurationError{
					Field:  "box_dimensions." + name,
					Reason: fmt.Sprintf("dimension %g must be positive", d),
				}
			}
		}
		shapes[name] = BoxShape(dims[0], dims[1], dims[2])
	}
	// Radius entries overwrite box entries for the same name.
	for name, r := range cfg.SphereRadii {
		if !positive(r) {
			return nil, &ConfigurationError{
				Field:  "sphere_radii." + name,
				Reason: fmt.Sprintf("radius %g must be positive", r),
			}
		}
		shapes[name] = SphereShape(r)
	}

	static := make(map[string]struct{}, len(cfg.StaticEntities))
	for _, name := range cfg.StaticEntities {
		static[name] = struct{}{}
	}

	remove := make(map[string]struct{}, len(cfg.RemoveEntities)+1)
	for _, name := range cfg.RemoveEntities {
		remove[name] = struct{}{}
	}
	if cfg.LocalEntity != "" {
		remove[cfg.LocalEntity] = struct{}{}
	}

	seen := make(map[string]struct{}, len(cfg.Entities))
	tracked := make([]string, 0, len(cfg.Entities))
	for _, name := range cfg.Entities {
		if name == "" {
			return nil, &ConfigurationError{Field: "entities", Reason: "empty entity name"}
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, drop := remove[name]; drop {
			continue
		}
		tracked = append(tracked, name)
	}

	return &Registry{
		local:   cfg.LocalEntity,
		tracked: tracked,
		shapes:  shapes,
		static:  static,
	}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Resolve returns the category and shape of name. Names absent from both
// tables resolve to DefaultSphere; this is not an error.
func (r *Registry) Resolve(name string) (Category, Shape) {
	cat := Dynamic
	if _, ok := r.static[name]; ok {
		cat = Static
	}
	shape, ok := r.shapes[name]
	if !ok {
		shape = DefaultSphere()
	}
	return cat, shape
}

// Tracked returns the tracked entity names in configuration order.
func (r *Registry) Tracked() []string {
	out := make([]string, len(r.tracked))
	copy(out, r.tracked)
	return out
}

// LocalEntity returns the configured local robot name.
func (r *Registry) LocalEntity() string {
	return r.local
}

// StaticNames returns the configured static entity names, sorted.
func (r *Registry) StaticNames() []string {
	out := make([]string, 0, len(r.static))
	for name := range r.static {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
