// Package snapshot turns one adapter result into the three partitioned object
// lists published each tick.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
	"github.com/banshee-data/mocap-obstacles/internal/kinematics"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
)

// ErrPartition reports a snapshot whose static and dynamic lists do not
// exactly partition the full list.
var ErrPartition = errors.New("snapshot: static/dynamic lists do not partition objects")

// Resolver maps an object name to its category and shape.
type Resolver interface {
	Resolve(name string) (registry.Category, registry.Shape)
}

// Order selects how ids are assigned to the objects of a tick.
type Order int

const (
	// OrderSorted assigns ids in ascending name order.
	OrderSorted Order = iota
	// OrderArbitrary assigns ids in map iteration order.
	OrderArbitrary
)

// ParseOrder parses the id_order configuration value.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "sorted":
		return OrderSorted, nil
	case "arbitrary":
		return OrderArbitrary, nil
	default:
		return OrderSorted, fmt.Errorf("unknown id order %q", s)
	}
}

func (o Order) String() string {
	if o == OrderArbitrary {
		return "arbitrary"
	}
	return "sorted"
}

// ObjectRecord is one classified object. ID is its position in this tick's
// list and is not stable across ticks.
type ObjectRecord struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Category registry.Category `json:"-"`
	Pose     geom.Pose         `json:"pose"`
	Shape    registry.Shape    `json:"shape"`
	Twist    *geom.Twist       `json:"twist,omitempty"`
}

// Snapshot holds the three collections published for one tick. It is not
// mutated after Build returns.
type Snapshot struct {
	Seq     uint64         `json:"seq"`
	Stamp   time.Time      `json:"stamp"`
	FrameID string         `json:"frame_id"`
	All     []ObjectRecord `json:"objects"`
	Static  []ObjectRecord `json:"static_objects"`
	Dynamic []ObjectRecord `json:"dynamic_objects"`
}

// Builder assigns ids, resolves shapes and partitions objects.
type Builder struct {
	resolver Resolver
	order    Order
	frameID  string
}

// NewBuilder returns a Builder resolving through r.
func NewBuilder(r Resolver, order Order, frameID string) *Builder {
	return &Builder{resolver: r, order: order, frameID: frameID}
}

// Build produces the snapshot for one tick. Every entry of res.Positions
// becomes exactly one record in All and in exactly one of Static or Dynamic.
func (b *Builder) Build(seq uint64, stamp time.Time, res kinematics.Result) *Snapshot {
	names := make([]string, 0, len(res.Positions))
	for name := range res.Positions {
		names = append(names, name)
	}
	if b.order == OrderSorted {
		sort.Strings(names)
	}

	snap := &Snapshot{
		Seq:     seq,
		Stamp:   stamp,
		FrameID: b.frameID,
		All:     make([]ObjectRecord, 0, len(names)),
		Static:  []ObjectRecord{},
		Dynamic: []ObjectRecord{},
	}

	for id, name := range names {
		cat, shape := b.resolver.Resolve(name)
		rec := ObjectRecord{
			ID:       id,
			Name:     name,
			Category: cat,
			Pose:     res.Positions[name],
			Shape:    shape,
		}
		if tw, ok := res.Velocities[name]; ok {
			rec.Twist = &tw
		}

		snap.All = append(snap.All, rec)
		if cat == registry.Static {
			snap.Static = append(snap.Static, rec)
		} else {
			snap.Dynamic = append(snap.Dynamic, rec)
		}
	}
	return snap
}

// Validate checks the partition invariant: len(All) equals
// len(Static)+len(Dynamic) and every id appears in exactly one partition.
func (s *Snapshot) Validate() error {
	if len(s.All) != len(s.Static)+len(s.Dynamic) {
		return fmt.Errorf("%w: all=%d static=%d dynamic=%d",
			ErrPartition, len(s.All), len(s.Static), len(s.Dynamic))
	}
	seen := make(map[int]registry.Category, len(s.All))
	for _, r := range s.Static {
		seen[r.ID] = registry.Static
	}
	for _, r := range s.Dynamic {
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: id %d (%s) in both partitions", ErrPartition, r.ID, r.Name)
		}
		seen[r.ID] = registry.Dynamic
	}
	for _, r := range s.All {
		cat, ok := seen[r.ID]
		if !ok {
			return fmt.Errorf("%w: id %d (%s) in no partition", ErrPartition, r.ID, r.Name)
		}
		if cat != r.Category {
			return fmt.Errorf("%w: id %d (%s) in %s list but classified %s",
				ErrPartition, r.ID, r.Name, cat, r.Category)
		}
	}
	return nil
}

// Find returns the record for name from the full list.
func (s *Snapshot) Find(name string) (ObjectRecord, bool) {
	for _, r := range s.All {
		if r.Name == name {
			return r, true
		}
	}
	return ObjectRecord{}, false
}
