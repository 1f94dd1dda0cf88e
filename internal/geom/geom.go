// Package geom holds the rigid-body value types shared by the pose cache,
// the kinematics adapter and the snapshot builder. Vectors are gonum r3
// vectors; orientations are unit quaternions stored in x, y, z, w order to
// match the motion-capture wire format.
package geom

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Quaternion is an orientation in x, y, z, w order.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuaternion returns the zero rotation.
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// Number converts q to a gonum quaternion.
func (q Quaternion) Number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// FromNumber converts a gonum quaternion back to x, y, z, w order.
func FromNumber(n quat.Number) Quaternion {
	return Quaternion{X: n.Imag, Y: n.Jmag, Z: n.Kmag, W: n.Real}
}

// Normalized returns q scaled to unit length. The zero quaternion maps to
// identity so a missing orientation never poisons a rotation.
func (q Quaternion) Normalized() Quaternion {
	n := quat.Abs(q.Number())
	if n == 0 || math.IsNaN(n) {
		return IdentityQuaternion()
	}
	return FromNumber(quat.Scale(1/n, q.Number()))
}

// Rotation returns the r3 rotation represented by q.
func (q Quaternion) Rotation() r3.Rotation {
	return r3.Rotation(q.Normalized().Number())
}

// Rotate applies q to v.
func (q Quaternion) Rotate(v r3.Vec) r3.Vec {
	return q.Rotation().Rotate(v)
}

// Pose is a position and orientation in the snapshot frame.
type Pose struct {
	Position    r3.Vec     `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Twist is a linear and angular velocity.
type Twist struct {
	Linear  r3.Vec `json:"linear"`
	Angular r3.Vec `json:"angular"`
}

// PoseSample is the most recent observation of one entity.
type PoseSample struct {
	Pose    Pose      `json:"pose"`
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
}

// RelativeRotation returns the rotation taking from to to, flipped onto the
// short arc.
func RelativeRotation(from, to Quaternion) quat.Number {
	d := quat.Mul(to.Normalized().Number(), quat.Conj(from.Normalized().Number()))
	if d.Real < 0 {
		d = quat.Scale(-1, d)
	}
	return d
}

// AngularVelocity returns the constant angular velocity that rotates from
// into to over dt. A non-positive dt yields the zero vector.
func AngularVelocity(from, to Quaternion, dt time.Duration) r3.Vec {
	secs := dt.Seconds()
	if secs <= 0 {
		return r3.Vec{}
	}
	d := RelativeRotation(from, to)
	axis := r3.Vec{X: d.Imag, Y: d.Jmag, Z: d.Kmag}
	sinHalf := r3.Norm(axis)
	if sinHalf < 1e-12 {
		return r3.Vec{}
	}
	angle := 2 * math.Atan2(sinHalf, d.Real)
	return r3.Scale(angle/(secs*sinHalf), axis)
}

// LinearVelocity returns (to-from)/dt. A non-positive dt yields the zero vector.
func LinearVelocity(from, to r3.Vec, dt time.Duration) r3.Vec {
	secs := dt.Seconds()
	if secs <= 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/secs, r3.Sub(to, from))
}
