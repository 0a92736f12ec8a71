// Package calib holds the process-wide photometric and geometric
// calibration: pinhole intrinsics plus the gamma response tables, per
// spec.md §3 "CalibHessian". There is exactly one instance, mutable only
// during setup and by the backend optimizer (spec.md's CalibHessian is
// itself a node the optimizer refines).
package calib

import (
	"math"

	"github.com/pkg/errors"
)

// gammaTableSize is the number of entries in the photometric response
// tables, matching spec.md §3 ("B/Binv arrays of length 256").
const gammaTableSize = 256

// Intrinsics is a pinhole camera model: focal lengths and principal
// point, generalizing
// _teacher_ref/rimage/transform/pinhole_camera_parameters.go's
// PinholeCameraIntrinsics to the fields this engine needs (no distortion
// model — spec.md treats photometric/geometric undistortion as already
// applied upstream, §6 "Inputs").
type Intrinsics struct {
	Width, Height int
	Fx, Fy        float64
	Cx, Cy        float64
}

// K returns the 3x3 row-major intrinsic matrix.
func (i Intrinsics) K() [9]float64 {
	return [9]float64{
		i.Fx, 0, i.Cx,
		0, i.Fy, i.Cy,
		0, 0, 1,
	}
}

// Project applies the pinhole projection to a 3D camera-frame point
// (x, y, z), dividing by z itself, and returns the pixel coordinates;
// ok is false when z <= 0 (point at or behind the camera).
func (i Intrinsics) Project(x, y, z float64) (u, v float64, ok bool) {
	if z <= 0 {
		return 0, 0, false
	}
	u = i.Fx*x/z + i.Cx
	v = i.Fy*y/z + i.Cy
	return u, v, true
}

// Calibration is the single process-wide CalibHessian equivalent:
// geometric intrinsics plus the photometric gamma response curve and its
// inverse, both length-256 tables indexed by raw pixel intensity.
type Calibration struct {
	Intrinsics Intrinsics

	// B maps raw sensor intensity -> irradiance; Binv is its inverse,
	// used to convert back for visualization/residual comparison.
	B, Binv [gammaTableSize]float64
}

// NewLinearCalibration returns a Calibration whose gamma response is the
// identity (B[i]=i), useful for already-linearized inputs and for tests.
func NewLinearCalibration(intr Intrinsics) *Calibration {
	c := &Calibration{Intrinsics: intr}
	for i := 0; i < gammaTableSize; i++ {
		c.B[i] = float64(i)
		c.Binv[i] = float64(i)
	}
	return c
}

// NewCalibrationFromGamma builds a Calibration from an externally
// computed gamma response table (photometric calibration is out of
// scope per spec.md §1; this just ingests the result).
func NewCalibrationFromGamma(intr Intrinsics, b [gammaTableSize]float64) (*Calibration, error) {
	c := &Calibration{Intrinsics: intr, B: b}
	if err := c.rebuildInverse(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Calibration) rebuildInverse() error {
	if c.B[0] >= c.B[gammaTableSize-1] {
		return errors.Errorf("gamma response table must be monotonically increasing, B[0]=%f B[255]=%f", c.B[0], c.B[gammaTableSize-1])
	}
	for i := 0; i < gammaTableSize; i++ {
		target := float64(i)
		// Binary search B for the intensity whose response is target,
		// since B need not be linear.
		lo, hi := 0, gammaTableSize-1
		for lo < hi {
			mid := (lo + hi) / 2
			if c.B[mid] < target {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		c.Binv[i] = float64(lo)
	}
	return nil
}

// RemoveResponse maps a raw color value through B, clamping to the table
// domain.
func (c *Calibration) RemoveResponse(color float64) float64 {
	idx := clampIndex(color)
	return c.B[idx]
}

func clampIndex(v float64) int {
	idx := int(math.Round(v))
	if idx < 0 {
		return 0
	}
	if idx > gammaTableSize-1 {
		return gammaTableSize - 1
	}
	return idx
}
