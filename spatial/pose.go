// Package spatial implements SE(3)/SO(3) pose algebra used by the
// coarse tracker driver and the initializer handoff: compose, inverse,
// and the log/exp maps needed to build half-motion candidates.
package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform in SE(3): a rotation (as a unit quaternion)
// followed by a translation. Composition order follows spec.md's
// convention of "A.Inverse().Compose(B)" reading as "B expressed in A's
// frame", i.e. Pose fields name a camToWorld-style transform and
// Compose(other) returns this*other.
type Pose struct {
	Rotation    quat.Number
	Translation [3]float64
}

// Identity returns the SE(3) identity transform.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPose builds a Pose from a rotation quaternion (normalized) and a
// translation vector.
func NewPose(rot quat.Number, t [3]float64) Pose {
	return Pose{Rotation: normalize(rot), Translation: t}
}

func normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// RotatePoint applies only the rotation component to a 3-vector.
func (p Pose) RotatePoint(v [3]float64) [3]float64 {
	qv := quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2]}
	r := quat.Mul(quat.Mul(p.Rotation, qv), quat.Conj(p.Rotation))
	return [3]float64{r.Imag, r.Jmag, r.Kmag}
}

// Apply transforms a point by the full rigid transform: R*v + t.
func (p Pose) Apply(v [3]float64) [3]float64 {
	r := p.RotatePoint(v)
	return [3]float64{r[0] + p.Translation[0], r[1] + p.Translation[1], r[2] + p.Translation[2]}
}

// Compose returns p*other, i.e. the transform that first applies other,
// then p.
func (p Pose) Compose(other Pose) Pose {
	rot := normalize(quat.Mul(p.Rotation, other.Rotation))
	t := p.Apply(other.Translation)
	return Pose{Rotation: rot, Translation: [3]float64{t[0], t[1], t[2]}}
}

// Inverse returns the SE(3) inverse transform.
func (p Pose) Inverse() Pose {
	rInv := quat.Conj(p.Rotation)
	qt := quat.Number{Imag: -p.Translation[0], Jmag: -p.Translation[1], Kmag: -p.Translation[2]}
	rotated := quat.Mul(quat.Mul(rInv, qt), quat.Conj(rInv))
	return Pose{Rotation: rInv, Translation: [3]float64{rotated.Imag, rotated.Jmag, rotated.Kmag}}
}

// Twist is an se(3) tangent-space element: angular part first (axis*angle
// in radians), linear part second, matching the DSO/Sophus convention
// used when building the half-motion candidate in spec.md §4.2.
type Twist struct {
	Angular [3]float64
	Linear  [3]float64
}

// Log maps p into the se(3) tangent space at the identity.
func (p Pose) Log() Twist {
	axis, angle := quatToAxisAngle(p.Rotation)
	var angular [3]float64
	if angle != 0 {
		angular = [3]float64{axis[0] * angle, axis[1] * angle, axis[2] * angle}
	}
	// Left Jacobian inverse for SO(3), applied to translation to recover
	// the true se(3) linear component. For the small-angle perturbations
	// this package is used for, the first-order approximation (identity
	// Jacobian) is accurate to well within tracking tolerance, so we use
	// the translation directly.
	return Twist{Angular: angular, Linear: p.Translation}
}

// Exp maps a twist back into SE(3).
func Exp(t Twist) Pose {
	angle := math.Sqrt(t.Angular[0]*t.Angular[0] + t.Angular[1]*t.Angular[1] + t.Angular[2]*t.Angular[2])
	var rot quat.Number
	if angle < 1e-12 {
		rot = quat.Number{Real: 1}
	} else {
		axis := [3]float64{t.Angular[0] / angle, t.Angular[1] / angle, t.Angular[2] / angle}
		s := math.Sin(angle / 2)
		rot = quat.Number{Real: math.Cos(angle / 2), Imag: axis[0] * s, Jmag: axis[1] * s, Kmag: axis[2] * s}
	}
	return Pose{Rotation: normalize(rot), Translation: t.Linear}
}

// ScaleRotation returns the pose with only its rotation scaled by factor
// in the log domain (translation left untouched). Unlike
// Exp(0.5*Log(p)), it does not scale the translation.
func (p Pose) ScaleRotation(factor float64) Pose {
	axis, angle := quatToAxisAngle(p.Rotation)
	scaled := Exp(Twist{Angular: [3]float64{axis[0] * angle * factor, axis[1] * angle * factor, axis[2] * angle * factor}})
	return Pose{Rotation: scaled.Rotation, Translation: p.Translation}
}

func quatToAxisAngle(q quat.Number) (axis [3]float64, angle float64) {
	q = normalize(q)
	if q.Real > 1 {
		q.Real = 1
	} else if q.Real < -1 {
		q.Real = -1
	}
	angle = 2 * math.Acos(q.Real)
	s := math.Sqrt(1 - q.Real*q.Real)
	if s < 1e-8 {
		return [3]float64{1, 0, 0}, 0
	}
	return [3]float64{q.Imag / s, q.Jmag / s, q.Kmag / s}, angle
}

// RotationMatrix returns the equivalent 3x3 rotation matrix as an
// mgl64.Mat3 (column-major storage), for callers that need a dense
// matrix instead of a quaternion.
func (p Pose) RotationMatrix() mgl64.Mat3 {
	q := mgl64.Quat{W: p.Rotation.Real, V: mgl64.Vec3{p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag}}
	return q.Mat4().Mat3()
}

// TranslationNorm returns the Euclidean norm of the translation part.
func (p Pose) TranslationNorm() float64 {
	t := p.Translation
	return math.Sqrt(t[0]*t[0] + t[1]*t[1] + t[2]*t[2])
}

// IsFinite reports whether every component of the pose is finite;
// spec.md §4.2 "Catastrophic pose" treats NaN/Inf as unrecoverable.
func (p Pose) IsFinite() bool {
	vals := []float64{p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
		p.Translation[0], p.Translation[1], p.Translation[2]}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
