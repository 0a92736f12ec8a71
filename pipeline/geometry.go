package pipeline

import (
	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/spatial"
	"github.com/dsovio/fullsystem/tracing"
)

// krkiKtFor builds the per-(host,target) epipolar geometry spec.md §4.3
// calls for: KRKi = K*R*K^-1, Kt = K*t, from the rigid transform taking
// a host-frame point into target's frame. Plain fixed-size 3x3 math
// mirrors tracing.KRKiKt's own storage shape ([9]float64/[3]float64) and
// tracer.go's projectAt, rather than routing a 9-element computation
// through gonum/mat for no benefit.
func krkiKtFor(c *calib.Calibration, hostToTarget spatial.Pose) tracing.KRKiKt {
	intr := c.Intrinsics
	k := intr.K()

	e := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	var rCol [3][3]float64
	for i := 0; i < 3; i++ {
		rCol[i] = hostToTarget.RotatePoint(e[i])
	}
	// r[row][col]
	r := [3][3]float64{
		{rCol[0][0], rCol[1][0], rCol[2][0]},
		{rCol[0][1], rCol[1][1], rCol[2][1]},
		{rCol[0][2], rCol[1][2], rCol[2][2]},
	}

	kMat := [3][3]float64{
		{k[0], k[1], k[2]},
		{k[3], k[4], k[5]},
		{k[6], k[7], k[8]},
	}
	kInv := [3][3]float64{
		{1 / intr.Fx, 0, -intr.Cx / intr.Fx},
		{0, 1 / intr.Fy, -intr.Cy / intr.Fy},
		{0, 0, 1},
	}

	kr := mul3(kMat, r)
	krki := mul3(kr, kInv)

	t := hostToTarget.Translation
	kt := [3]float64{
		kMat[0][0]*t[0] + kMat[0][1]*t[1] + kMat[0][2]*t[2],
		kMat[1][0]*t[0] + kMat[1][1]*t[1] + kMat[1][2]*t[2],
		kMat[2][0]*t[0] + kMat[2][1]*t[1] + kMat[2][2]*t[2],
	}

	return tracing.KRKiKt{
		KRKi: [9]float64{
			krki[0][0], krki[0][1], krki[0][2],
			krki[1][0], krki[1][1], krki[1][2],
			krki[2][0], krki[2][1], krki[2][2],
		},
		Kt: kt,
	}
}

func mul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return out
}

// relativeAff maps a host-exposure color reading to its target-exposure
// equivalent, using frame.AffLight's documented log-additive composition
// convention (frame.ComposeAff(outer,inner) = outer+inner in log scale);
// the host-to-target affine is target's global affine minus host's.
func relativeAff(host, target frame.AffLight) frame.AffLight {
	return frame.AffLight{A: target.A - host.A, B: target.B - host.B}
}
