// Package spatialmath holds the rigid body math used to align point clouds.
package spatialmath

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Transform is a rigid transform: p' = Rotation * p + Translation.
type Transform struct {
	Rotation    RotationMatrix
	Translation r3.Vector
}

// NewIdentityTransform returns the transform that leaves points unchanged.
func NewIdentityTransform() Transform {
	return Transform{Rotation: IdentityRotation()}
}

// NewTransform composes a rotation and a translation.
func NewTransform(rot RotationMatrix, translation r3.Vector) Transform {
	return Transform{Rotation: rot, Translation: translation}
}

// NewTransformFromAxisAngle builds a transform from an axis angle rotation and a translation.
func NewTransformFromAxisAngle(aa *R4AA, translation r3.Vector) Transform {
	return Transform{Rotation: aa.RotationMatrix(), Translation: translation}
}

// NewTransformFromMatrix converts a homogeneous 4x4 matrix. The bottom row must be 0 0 0 1.
func NewTransformFromMatrix(m [4][4]float64) (Transform, error) {
	if m[3] != [4]float64{0, 0, 0, 1} {
		return Transform{}, errors.Errorf("not a homogeneous rigid transform, bottom row is %v", m[3])
	}
	var rot RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = m[i][j]
		}
	}
	return Transform{Rotation: rot, Translation: r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}}, nil
}

// Matrix returns the homogeneous 4x4 form.
func (t Transform) Matrix() [4][4]float64 {
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = t.Rotation[i*3+j]
		}
	}
	m[0][3], m[1][3], m[2][3] = t.Translation.X, t.Translation.Y, t.Translation.Z
	m[3][3] = 1
	return m
}

// Apply transforms a point.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.Rotation.MulVec(p).Add(t.Translation)
}

// ApplyToDirection rotates a direction such as a normal, ignoring translation.
func (t Transform) ApplyToDirection(d r3.Vector) r3.Vector {
	return t.Rotation.MulVec(d)
}

// Compose returns the transform applying other first, then t.
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		Rotation:    t.Rotation.Mul(other.Rotation),
		Translation: t.Rotation.MulVec(other.Translation).Add(t.Translation),
	}
}

// Inverse returns the inverse rigid transform.
func (t Transform) Inverse() Transform {
	rt := t.Rotation.Transpose()
	return Transform{Rotation: rt, Translation: rt.MulVec(t.Translation).Mul(-1)}
}

// IsRigid reports whether the rotation block is a proper rotation and the translation is finite.
func (t Transform) IsRigid(tol float64) bool {
	for _, v := range []float64{t.Translation.X, t.Translation.Y, t.Translation.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return t.Rotation.IsProperRotation(tol)
}

// AlmostEqual compares two transforms by rotation angle between them and translation distance.
func (t Transform) AlmostEqual(other Transform, angleTol, distTol float64) bool {
	delta := t.Rotation.Transpose().Mul(other.Rotation)
	return delta.Angle() <= angleTol && t.Translation.Sub(other.Translation).Norm() <= distTol
}

func (t Transform) String() string {
	m := t.Matrix()
	return fmt.Sprintf("[%v %v %v %v]", m[0], m[1], m[2], m[3])
}

// MarshalJSON writes the homogeneous matrix as nested arrays.
func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Matrix())
}

// UnmarshalJSON reads a homogeneous matrix.
func (t *Transform) UnmarshalJSON(data []byte) error {
	var m [4][4]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := NewTransformFromMatrix(m)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
