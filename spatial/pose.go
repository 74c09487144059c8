// Package spatial implements the rigid-body pose algebra used by the state
// estimator: rotations as unit quaternions, translations as 3-vectors.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: rotate by R, then translate by T.
type Pose struct {
	R quat.Number
	T r3.Vector
}

// AngularVelocity is a body-frame angular rate in rad/s about the x/y/z axes.
type AngularVelocity r3.Vector

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{R: quat.Number{Real: 1}}
}

// NewPose returns a pose with the given rotation (normalized) and translation.
func NewPose(r quat.Number, t r3.Vector) Pose {
	return Pose{R: Normalize(r), T: t}
}

// NewPoseFromAxisAngle returns the pose rotating by angle radians about axis,
// then translating by t.
func NewPoseFromAxisAngle(axis r3.Vector, angle float64, t r3.Vector) Pose {
	return Pose{R: expQuat(axis, angle), T: t}
}

// Compose returns a then b, i.e. b expressed in a's frame.
func Compose(a, b Pose) Pose {
	return Pose{
		R: Normalize(quat.Mul(a.R, b.R)),
		T: a.T.Add(RotateVector(a.R, b.T)),
	}
}

// Invert returns the transform q such that Compose(p, q) is the identity.
func Invert(p Pose) Pose {
	inv := quat.Conj(p.R)
	return Pose{R: inv, T: RotateVector(inv, p.T.Mul(-1))}
}

// Between returns the transform taking a to b: Compose(a, Between(a, b)) == b.
func Between(a, b Pose) Pose {
	return Compose(Invert(a), b)
}

// RotateVector applies the rotation q to v.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rotated := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// Normalize scales q to unit length. The zero quaternion normalizes to the
// identity rotation so that zero-valued poses behave as identity transforms.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// RotationFromAngularVelocity returns the incremental rotation produced by
// rotating at w for dt seconds.
func RotationFromAngularVelocity(w AngularVelocity, dt float64) quat.Number {
	axis := r3.Vector(w)
	return expQuat(axis, axis.Norm()*dt)
}

// expQuat is the axis-angle exponential map. A near-zero angle maps to the
// identity to avoid normalizing a degenerate axis.
func expQuat(axis r3.Vector, angle float64) quat.Number {
	if math.Abs(angle) < 1e-12 || axis.Norm() == 0 {
		return quat.Number{Real: 1}
	}
	u := axis.Normalize()
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: u.X * s, Jmag: u.Y * s, Kmag: u.Z * s}
}

// PoseAlmostEqual reports whether two poses agree within tol: translation
// within tol meters and rotation quaternions within tol of parallel.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	if a.T.Sub(b.T).Norm() > tol {
		return false
	}
	// q and -q encode the same rotation.
	dot := a.R.Real*b.R.Real + a.R.Imag*b.R.Imag + a.R.Jmag*b.R.Jmag + a.R.Kmag*b.R.Kmag
	return 1-math.Abs(dot) <= tol
}
