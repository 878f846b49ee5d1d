package utils

import (
	"image"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestParallelForEachVisitsEveryIndexOnce(t *testing.T) {
	for _, n := range []int{0, 1, ParallelFactor - 1, ParallelFactor, 3*ParallelFactor + 2} {
		counts := make([]atomic.Int32, n)
		ParallelForEach(n, func(i int) {
			counts[i].Add(1)
		})
		for i := range counts {
			test.That(t, int(counts[i].Load()), test.ShouldEqual, 1)
		}
	}
}

func TestGroupWorkParallelCoversRange(t *testing.T) {
	const total = 101
	var covered atomic.Int64
	var groups, badSizes atomic.Int32
	GroupWorkParallel(total, func(_, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
		if to-from != groupSize {
			badSizes.Add(1)
		}
		return func(_, _ int) {
				covered.Add(1)
			}, func() {
				groups.Add(1)
			}
	})
	test.That(t, int(covered.Load()), test.ShouldEqual, total)
	test.That(t, int(groups.Load()), test.ShouldEqual, min(ParallelFactor, total))
	test.That(t, int(badSizes.Load()), test.ShouldEqual, 0)
}

func TestParallelForEachPixel(t *testing.T) {
	size := image.Point{X: 17, Y: 5}
	counts := make([]atomic.Int32, size.X*size.Y)
	ParallelForEachPixel(size, func(x, y int) {
		counts[y*size.X+x].Add(1)
	})
	for i := range counts {
		test.That(t, int(counts[i].Load()), test.ShouldEqual, 1)
	}
}
