package fake

import (
	"math"

	"github.com/golang/geo/r3"
)

// Camera coordinates: x right, y down, z forward. The floor is below the camera.
var (
	floorPoint  = r3.Vector{X: 0, Y: 0.45, Z: 0}
	floorNormal = r3.Vector{X: 0, Y: -math.Cos(0.15), Z: math.Sin(0.15)}

	wallPoint  = r3.Vector{X: 0, Y: 0, Z: 2.4}
	wallNormal = r3.Vector{X: 0, Y: 0, Z: -1}

	sphereCenter = r3.Vector{X: 0.3, Y: 0.15, Z: 1.4}
	sphereRadius = 0.2

	boxMin = r3.Vector{X: -0.55, Y: 0.1, Z: 1.2}
	boxMax = r3.Vector{X: -0.2, Y: 0.45, Z: 1.6}
)

// castRay returns the nearest positive ray parameter at which origin+t*dir hits the scene.
func castRay(origin, dir r3.Vector) (float64, bool) {
	best := math.Inf(1)
	for _, t := range []float64{
		intersectPlane(origin, dir, floorPoint, floorNormal),
		intersectPlane(origin, dir, wallPoint, wallNormal),
		intersectSphere(origin, dir, sphereCenter, sphereRadius),
		intersectBox(origin, dir, boxMin, boxMax),
	} {
		if t > 1e-6 && t < best {
			best = t
		}
	}
	return best, !math.IsInf(best, 1)
}

func intersectPlane(origin, dir, point, normal r3.Vector) float64 {
	denom := normal.Dot(dir)
	if math.Abs(denom) < 1e-9 {
		return math.Inf(1)
	}
	return normal.Dot(point.Sub(origin)) / denom
}

func intersectSphere(origin, dir, center r3.Vector, radius float64) float64 {
	oc := origin.Sub(center)
	a := dir.Dot(dir)
	b := 2 * oc.Dot(dir)
	c := oc.Dot(oc) - radius*radius
	disc := b*b - 4*a*c
	if disc < 0 {
		return math.Inf(1)
	}
	sq := math.Sqrt(disc)
	if t := (-b - sq) / (2 * a); t > 1e-6 {
		return t
	}
	return (-b + sq) / (2 * a)
}

// intersectBox is the slab test against an axis aligned box.
func intersectBox(origin, dir, lo, hi r3.Vector) float64 {
	tNear, tFar := math.Inf(-1), math.Inf(1)
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}
	l := [3]float64{lo.X, lo.Y, lo.Z}
	h := [3]float64{hi.X, hi.Y, hi.Z}
	for i := 0; i < 3; i++ {
		if math.Abs(d[i]) < 1e-12 {
			if o[i] < l[i] || o[i] > h[i] {
				return math.Inf(1)
			}
			continue
		}
		t1, t2 := (l[i]-o[i])/d[i], (h[i]-o[i])/d[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tNear = math.Max(tNear, t1)
		tFar = math.Min(tFar, t2)
		if tNear > tFar {
			return math.Inf(1)
		}
	}
	if tNear > 1e-6 {
		return tNear
	}
	return tFar
}
