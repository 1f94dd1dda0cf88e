package kinematics

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap-obstacles/internal/geom"
)

// Part is one collision sphere rigidly attached to an agent's body frame.
type Part struct {
	Name   string
	Offset r3.Vec
	Radius float64
}

// Agent is another robot whose body pose is tracked and whose collision
// geometry is derived from that pose.
type Agent struct {
	Name  string
	Parts []Part
}

// PartName is the object name emitted for part of agent.
func PartName(agent, part string) string {
	return agent + "/" + part
}

// PartRadii returns the sphere radius of every derived part, keyed by
// PartName, for merging into the registry's sphere table.
func PartRadii(agents []Agent) map[string]float64 {
	out := make(map[string]float64)
	for _, a := range agents {
		for _, p := range a.Parts {
			out[PartName(a.Name, p.Name)] = p.Radius
		}
	}
	return out
}

// Estimator is the default Adapter. It passes observed poses through, adds
// the world position of every agent part, and differentiates successive agent
// samples into twists.
type Estimator struct {
	mu     sync.Mutex
	agents map[string]Agent
	motion map[string]*motionState
}

type motionState struct {
	last  geom.PoseSample
	twist geom.Twist
	valid bool
}

// NewEstimator returns an Estimator for the given agents.
func NewEstimator(agents []Agent) *Estimator {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.Name] = a
	}
	return &Estimator{
		agents: m,
		motion: make(map[string]*motionState),
	}
}

// Compute implements Adapter.
func (e *Estimator) Compute(ctx context.Context, names []string, poses map[string]geom.PoseSample) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{
		Positions:  make(map[string]geom.Pose, len(names)),
		Velocities: make(map[string]geom.Twist),
	}

	for _, name := range names {
		sample, ok := poses[name]
		if !ok {
			continue
		}
		res.Positions[name] = sample.Pose

		agent, isAgent := e.agents[name]
		if !isAgent {
			continue
		}

		st := e.observe(name, sample)
		if st.valid {
			res.Velocities[name] = st.twist
		}

		rot := sample.Pose.Orientation
		for _, part := range agent.Parts {
			arm := rot.Rotate(part.Offset)
			partName := PartName(name, part.Name)
			res.Positions[partName] = geom.Pose{
				Position:    r3.Add(sample.Pose.Position, arm),
				Orientation: rot,
			}
			if st.valid {
				res.Velocities[partName] = geom.Twist{
					Linear:  r3.Add(st.twist.Linear, r3.Cross(st.twist.Angular, arm)),
					Angular: st.twist.Angular,
				}
			}
		}
	}
	return res, nil
}

// observe folds sample into the motion state of name. Only a strictly newer
// stamp produces a new twist; repeated or late samples keep the last one.
func (e *Estimator) observe(name string, sample geom.PoseSample) *motionState {
	st, ok := e.motion[name]
	if !ok {
		st = &motionState{last: sample}
		e.motion[name] = st
		return st
	}
	if !sample.Stamp.After(st.last.Stamp) {
		return st
	}

	dt := sample.Stamp.Sub(st.last.Stamp)
	st.twist = geom.Twist{
		Linear:  geom.LinearVelocity(st.last.Pose.Position, sample.Pose.Position, dt),
		Angular: geom.AngularVelocity(st.last.Pose.Orientation, sample.Pose.Orientation, dt),
	}
	st.valid = true
	st.last = sample
	return st
}
