// Package kinematics is the boundary between the pose cache and the snapshot
// builder. An Adapter turns the cached poses into the full position map
// (including geometry it derives itself) and a sparse velocity map.
package kinematics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
)

// ErrTimeout is returned by a bounded adapter whose call overran its budget.
var ErrTimeout = errors.New("kinematics: adapter call timed out")

// Result is one adapter evaluation.
type Result struct {
	// Positions holds every object to emit this tick, keyed by name.
	Positions map[string]geom.Pose
	// Velocities is sparse: only names with a computable twist appear.
	Velocities map[string]geom.Twist
}

// Adapter computes positions and velocities from a cache view. It may only
// use entities present in poses.
type Adapter interface {
	Compute(ctx context.Context, names []string, poses map[string]geom.PoseSample) (Result, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, names []string, poses map[string]geom.PoseSample) (Result, error)

// Compute calls f.
func (f AdapterFunc) Compute(ctx context.Context, names []string, poses map[string]geom.PoseSample) (Result, error) {
	return f(ctx, names, poses)
}

// Passthrough emits the cached pose of every named entity that has been
// observed and reports no velocities.
var Passthrough Adapter = AdapterFunc(func(_ context.Context, names []string, poses map[string]geom.PoseSample) (Result, error) {
	res := Result{
		Positions:  make(map[string]geom.Pose, len(names)),
		Velocities: map[string]geom.Twist{},
	}
	for _, name := range names {
		if s, ok := poses[name]; ok {
			res.Positions[name] = s.Pose
		}
	}
	return res, nil
})

// WithTimeout bounds every Compute call on a to d. A non-positive d returns a
// unchanged, which blocks for as long as the wrapped adapter does.
//
// On timeout the wrapped call keeps running in its own goroutine until it
// returns; its result is discarded. At most one wrapped call is in flight:
// while an overrun call is still running, Compute fails with ErrTimeout
// without calling a again.
func WithTimeout(a Adapter, d time.Duration) Adapter {
	if d <= 0 {
		return a
	}
	return &bounded{inner: a, timeout: d}
}

type bounded struct {
	inner    Adapter
	timeout  time.Duration
	inflight atomic.Bool
}

type outcome struct {
	res Result
	err error
}

func (b *bounded) Compute(ctx context.Context, names []string, poses map[string]geom.PoseSample) (Result, error) {
	if !b.inflight.CompareAndSwap(false, true) {
		return Result{}, fmt.Errorf("%w: previous call still running", ErrTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer b.inflight.Store(false)
		res, err := b.inner.Compute(ctx, names, poses)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, b.timeoutErr()
		}
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, b.timeoutErr()
		}
		return Result{}, ctx.Err()
	}
}

func (b *bounded) timeoutErr() error {
	return fmt.Errorf("%w after %v", ErrTimeout, b.timeout)
}
