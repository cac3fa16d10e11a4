// Package se3 implements the rigid-body transform representation used by the
// odometry pipeline: 4x4 homogeneous transforms, their minimal twist
// parameterization, and the exponential/logarithm maps between the two.
package se3

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// epsAngle is the rotation angle below which the closed-form exponential and
// logarithm switch to their Taylor expansions to avoid dividing by a vanishing
// angle.
const epsAngle = 1e-8

// Twist is the minimal 6-parameter tangent-space representation of a rigid
// motion. Ordering is translation first: [vx, vy, vz, wx, wy, wz].
type Twist [6]float64

// Norm returns the Euclidean norm of the twist.
func (w Twist) Norm() float64 {
	s := 0.0
	for _, v := range w {
		s += v * v
	}
	return math.Sqrt(s)
}

// Neg returns the twist with every component negated.
func (w Twist) Neg() Twist {
	var out Twist
	for i, v := range w {
		out[i] = -v
	}
	return out
}

// Transform is a 4x4 homogeneous rigid-body transform. The rotation block is
// kept orthonormal and the bottom row is always [0 0 0 1]; both invariants
// are restored after every composition.
type Transform struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Transform{m: m}
}

// FromMatrix builds a transform from a 4x4 matrix. The rotation block is
// re-orthonormalized; the caller keeps ownership of src.
func FromMatrix(src mat.Matrix) Transform {
	t := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			t.m.Set(i, j, src.At(i, j))
		}
	}
	t.orthonormalize()
	return t
}

// FromRotationTranslation builds a transform from a length-9 row-major
// rotation block and a length-3 translation.
func FromRotationTranslation(r [9]float64, tr [3]float64) Transform {
	t := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.m.Set(i, j, r[3*i+j])
		}
		t.m.Set(i, 3, tr[i])
	}
	t.orthonormalize()
	return t
}

// Mat returns the underlying 4x4 matrix. Callers must treat it as read-only.
func (t Transform) Mat() *mat.Dense { return t.m }

// At returns the matrix entry at (i, j).
func (t Transform) At(i, j int) float64 { return t.m.At(i, j) }

// Rotation returns the rotation block in row-major order.
func (t Transform) Rotation() [9]float64 {
	var r [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = t.m.At(i, j)
		}
	}
	return r
}

// Translation returns the translation column.
func (t Transform) Translation() [3]float64 {
	return [3]float64{t.m.At(0, 3), t.m.At(1, 3), t.m.At(2, 3)}
}

// IsFinite reports whether every entry of the transform is finite.
func (t Transform) IsFinite() bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := t.m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Compose returns t * other. The rotation block of the product is
// re-orthonormalized to counter floating-point drift.
func (t Transform) Compose(other Transform) Transform {
	out := Identity()
	out.m.Mul(t.m, other.m)
	out.orthonormalize()
	return out
}

// Inverse returns the closed-form inverse: transpose of the rotation block
// and the negated, rotated translation.
func (t Transform) Inverse() Transform {
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m.Set(i, j, t.m.At(j, i))
		}
	}
	tr := t.Translation()
	for i := 0; i < 3; i++ {
		v := 0.0
		for j := 0; j < 3; j++ {
			v -= t.m.At(j, i) * tr[j]
		}
		out.m.Set(i, 3, v)
	}
	return out
}

// Apply transforms a 3D point.
func (t Transform) Apply(x, y, z float64) (float64, float64, float64) {
	m := t.m
	return m.At(0, 0)*x + m.At(0, 1)*y + m.At(0, 2)*z + m.At(0, 3),
		m.At(1, 0)*x + m.At(1, 1)*y + m.At(1, 2)*z + m.At(1, 3),
		m.At(2, 0)*x + m.At(2, 1)*y + m.At(2, 2)*z + m.At(2, 3)
}

// orthonormalize restores orthonormality of the rotation block by a
// round-trip through a unit quaternion and pins the homogeneous row.
func (t *Transform) orthonormalize() {
	q := rotationToQuat(t.Rotation())
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n > 0 {
		q = quat.Scale(1/n, q)
	} else {
		q = quat.Number{Real: 1}
	}
	r := quatToRotation(q)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.m.Set(i, j, r[3*i+j])
		}
	}
	t.m.Set(3, 0, 0)
	t.m.Set(3, 1, 0)
	t.m.Set(3, 2, 0)
	t.m.Set(3, 3, 1)
}

// rotationToQuat converts a row-major rotation matrix to a quaternion using
// Shepperd's method, branching on the largest diagonal term for stability.
func rotationToQuat(r [9]float64) quat.Number {
	tr := r[0] + r[4] + r[8]
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q.Real = 0.25 * s
		q.Imag = (r[7] - r[5]) / s
		q.Jmag = (r[2] - r[6]) / s
		q.Kmag = (r[3] - r[1]) / s
	case r[0] > r[4] && r[0] > r[8]:
		s := math.Sqrt(1+r[0]-r[4]-r[8]) * 2
		q.Real = (r[7] - r[5]) / s
		q.Imag = 0.25 * s
		q.Jmag = (r[1] + r[3]) / s
		q.Kmag = (r[2] + r[6]) / s
	case r[4] > r[8]:
		s := math.Sqrt(1+r[4]-r[0]-r[8]) * 2
		q.Real = (r[2] - r[6]) / s
		q.Imag = (r[1] + r[3]) / s
		q.Jmag = 0.25 * s
		q.Kmag = (r[5] + r[7]) / s
	default:
		s := math.Sqrt(1+r[8]-r[0]-r[4]) * 2
		q.Real = (r[3] - r[1]) / s
		q.Imag = (r[2] + r[6]) / s
		q.Jmag = (r[5] + r[7]) / s
		q.Kmag = 0.25 * s
	}
	return q
}

// quatToRotation converts a unit quaternion to a row-major rotation matrix.
func quatToRotation(q quat.Number) [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
}

// Quaternion returns the unit quaternion encoding the rotation block.
func (t Transform) Quaternion() quat.Number {
	q := rotationToQuat(t.Rotation())
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// QuatToTransform builds a transform from a unit quaternion (w, x, y, z) and
// a translation. Used when loading ground-truth pose files.
func QuatToTransform(q quat.Number, tr [3]float64) Transform {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n > 0 {
		q = quat.Scale(1/n, q)
	}
	return FromRotationTranslation(quatToRotation(q), tr)
}

// Exp is the closed-form se(3) exponential map. Near zero rotation angle the
// trigonometric coefficients are replaced by their Taylor expansions so the
// map stays well defined all the way down to Exp(0) == Identity.
func Exp(w Twist) Transform {
	vx, vy, vz := w[0], w[1], w[2]
	wx, wy, wz := w[3], w[4], w[5]
	theta2 := wx*wx + wy*wy + wz*wz
	theta := math.Sqrt(theta2)

	// Coefficients of Rodrigues' formula:
	// R = I + a*K + b*K^2,  V = I + b*K + c*K^2 with K = [w]x.
	var a, b, c float64
	if theta < epsAngle {
		a = 1 - theta2/6
		b = 0.5 - theta2/24
		c = 1.0/6 - theta2/120
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
		c = (theta - math.Sin(theta)) / (theta2 * theta)
	}

	// K and K^2, row-major.
	k := [9]float64{0, -wz, wy, wz, 0, -wx, -wy, wx, 0}
	var k2 [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for l := 0; l < 3; l++ {
				s += k[3*i+l] * k[3*l+j]
			}
			k2[3*i+j] = s
		}
	}

	var r, v [9]float64
	for i := 0; i < 9; i++ {
		r[i] = a*k[i] + b*k2[i]
		v[i] = b*k[i] + c*k2[i]
	}
	r[0]++
	r[4]++
	r[8]++
	v[0]++
	v[4]++
	v[8]++

	tr := [3]float64{
		v[0]*vx + v[1]*vy + v[2]*vz,
		v[3]*vx + v[4]*vy + v[5]*vz,
		v[6]*vx + v[7]*vy + v[8]*vz,
	}
	return FromRotationTranslation(r, tr)
}

// Log is the se(3) logarithm map, the inverse of Exp up to floating-point
// tolerance. It shares the same small-angle fallback.
func Log(t Transform) Twist {
	r := t.Rotation()
	tr := t.Translation()

	cosTheta := (r[0] + r[4] + r[8] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	var wx, wy, wz float64
	var halfInv float64 // theta / (2 sin(theta))
	if theta < epsAngle {
		halfInv = 0.5 + theta*theta/12
	} else {
		halfInv = theta / (2 * math.Sin(theta))
	}
	wx = halfInv * (r[7] - r[5])
	wy = halfInv * (r[2] - r[6])
	wz = halfInv * (r[3] - r[1])

	// V^-1 = I - K/2 + d*K^2.
	theta2 := theta * theta
	var d float64
	if theta < epsAngle {
		d = 1.0/12 + theta2/720
	} else {
		d = 1/theta2 - (1+math.Cos(theta))/(2*theta*math.Sin(theta))
	}
	k := [9]float64{0, -wz, wy, wz, 0, -wx, -wy, wx, 0}
	var vinv [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for l := 0; l < 3; l++ {
				s += k[3*i+l] * k[3*l+j]
			}
			vinv[3*i+j] = -0.5*k[3*i+j] + d*s
		}
	}
	vinv[0]++
	vinv[4]++
	vinv[8]++

	return Twist{
		vinv[0]*tr[0] + vinv[1]*tr[1] + vinv[2]*tr[2],
		vinv[3]*tr[0] + vinv[4]*tr[1] + vinv[5]*tr[2],
		vinv[6]*tr[0] + vinv[7]*tr[1] + vinv[8]*tr[2],
		wx, wy, wz,
	}
}
