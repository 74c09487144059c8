package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/auvnav/spatial"
)

// midpointPreintegrator integrates bias-corrected samples with a midpoint rule.
type midpointPreintegrator struct {
	maxSampleGap time.Duration
}

// NewMidpointPreintegrator returns a Preintegrator that accumulates motion
// deltas with midpoint integration. A gap between consecutive samples larger
// than maxSampleGap, or a non-monotonic timestamp, invalidates the result.
func NewMidpointPreintegrator(maxSampleGap time.Duration) Preintegrator {
	return &midpointPreintegrator{maxSampleGap: maxSampleGap}
}

func (m *midpointPreintegrator) Integrate(samples []Sample, startBias Bias) PreintegrationResult {
	if len(samples) == 0 {
		return PreintegrationResult{}
	}

	deltaR := quat.Number{Real: 1}
	var deltaV, deltaP r3.Vector

	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		step := cur.Time.Sub(prev.Time)
		if step <= 0 || step > m.maxSampleGap {
			return PreintegrationResult{}
		}
		dt := step.Seconds()

		w := midpoint(r3.Vector(prev.AngularVelocity), r3.Vector(cur.AngularVelocity)).
			Sub(startBias.Gyroscope)
		a := midpoint(prev.LinearAcceleration, cur.LinearAcceleration).
			Sub(startBias.Accelerometer)

		// Acceleration rotated into the starting body frame before accumulating.
		aStart := spatial.RotateVector(deltaR, a)
		deltaP = deltaP.Add(deltaV.Mul(dt)).Add(aStart.Mul(0.5 * dt * dt))
		deltaV = deltaV.Add(aStart.Mul(dt))
		deltaR = spatial.Normalize(quat.Mul(deltaR, spatial.RotationFromAngularVelocity(spatial.AngularVelocity(w), dt)))
	}

	return PreintegrationResult{
		Valid:  true,
		From:   samples[0].Time,
		To:     samples[len(samples)-1].Time,
		DeltaR: deltaR,
		DeltaV: deltaV,
		DeltaP: deltaP,
	}
}

func midpoint(a, b r3.Vector) r3.Vector {
	return a.Add(b).Mul(0.5)
}
