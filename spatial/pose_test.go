package spatial

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestComposeIdentity(t *testing.T) {
	p := NewPoseFromAxisAngle(r3.Vector{Z: 1}, math.Pi/3, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, PoseAlmostEqual(Compose(p, NewZeroPose()), p, 1e-9), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(Compose(NewZeroPose(), p), p, 1e-9), test.ShouldBeTrue)
}

func TestInvertRoundTrip(t *testing.T) {
	p := NewPoseFromAxisAngle(r3.Vector{X: 0.3, Y: -1, Z: 0.5}, 1.1, r3.Vector{X: -4, Y: 0.25, Z: 9})
	test.That(t, PoseAlmostEqual(Compose(p, Invert(p)), NewZeroPose(), 1e-9), test.ShouldBeTrue)
	test.That(t, PoseAlmostEqual(Compose(Invert(p), p), NewZeroPose(), 1e-9), test.ShouldBeTrue)
}

func TestBetween(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{Z: 1}, 0.7, r3.Vector{X: 1})
	b := NewPoseFromAxisAngle(r3.Vector{Y: 1}, -0.2, r3.Vector{X: 2, Z: -1})
	rel := Between(a, b)
	test.That(t, PoseAlmostEqual(Compose(a, rel), b, 1e-9), test.ShouldBeTrue)
}

func TestRotateVector(t *testing.T) {
	// 90 degrees about z maps +x to +y.
	q := expQuat(r3.Vector{Z: 1}, math.Pi/2)
	v := RotateVector(q, r3.Vector{X: 1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestNormalizeZeroQuat(t *testing.T) {
	q := Normalize(quat.Number{})
	test.That(t, q.Real, test.ShouldEqual, 1)
}

func TestRotationFromAngularVelocity(t *testing.T) {
	// Spinning at pi rad/s about z for half a second is a quarter turn.
	q := RotationFromAngularVelocity(AngularVelocity{Z: math.Pi}, 0.5)
	v := RotateVector(q, r3.Vector{X: 1})
	test.That(t, v.Y, test.ShouldAlmostEqual, 1, 1e-9)

	// Zero rate is the identity.
	q = RotationFromAngularVelocity(AngularVelocity{}, 0.5)
	test.That(t, q.Real, test.ShouldEqual, 1)
}
