package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RotationMatrix is a 3x3 matrix in row major order.
type RotationMatrix [9]float64

// IdentityRotation is the rotation that does nothing.
func IdentityRotation() RotationMatrix {
	return RotationMatrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row, col.
func (rm RotationMatrix) At(row, col int) float64 {
	return rm[row*3+col]
}

// Row returns a row of the matrix as a vector.
func (rm RotationMatrix) Row(row int) r3.Vector {
	return r3.Vector{X: rm[row*3], Y: rm[row*3+1], Z: rm[row*3+2]}
}

// Mul returns rm * other.
func (rm RotationMatrix) Mul(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += rm[i*3+k] * other[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

// MulVec rotates a vector.
func (rm RotationMatrix) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm[0]*v.X + rm[1]*v.Y + rm[2]*v.Z,
		Y: rm[3]*v.X + rm[4]*v.Y + rm[5]*v.Z,
		Z: rm[6]*v.X + rm[7]*v.Y + rm[8]*v.Z,
	}
}

// Transpose returns the transpose, which is the inverse for a proper rotation.
func (rm RotationMatrix) Transpose() RotationMatrix {
	return RotationMatrix{
		rm[0], rm[3], rm[6],
		rm[1], rm[4], rm[7],
		rm[2], rm[5], rm[8],
	}
}

// Det returns the determinant.
func (rm RotationMatrix) Det() float64 {
	return rm[0]*(rm[4]*rm[8]-rm[5]*rm[7]) -
		rm[1]*(rm[3]*rm[8]-rm[5]*rm[6]) +
		rm[2]*(rm[3]*rm[7]-rm[4]*rm[6])
}

// Dense returns the matrix as a gonum dense matrix.
func (rm RotationMatrix) Dense() *mat.Dense {
	data := rm
	return mat.NewDense(3, 3, data[:])
}

// RotationMatrixFromDense copies a 3x3 gonum matrix.
func RotationMatrixFromDense(m mat.Matrix) RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m.At(i, j)
		}
	}
	return out
}

// IsProperRotation reports whether the matrix is finite, orthonormal and has determinant +1
// within tol.
func (rm RotationMatrix) IsProperRotation(tol float64) bool {
	for _, v := range rm {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	rrt := rm.Mul(rm.Transpose())
	ident := IdentityRotation()
	for i := range rrt {
		if math.Abs(rrt[i]-ident[i]) > tol {
			return false
		}
	}
	return math.Abs(rm.Det()-1) <= tol
}

// Angle returns the rotation angle in radians.
func (rm RotationMatrix) Angle() float64 {
	c := (rm[0] + rm[4] + rm[8] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// RotationFromEuler builds Rz(yaw) * Ry(pitch) * Rx(roll), the composition used by the
// linearized ICP solvers.
func RotationFromEuler(roll, pitch, yaw float64) RotationMatrix {
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)
	return RotationMatrix{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	}
}
