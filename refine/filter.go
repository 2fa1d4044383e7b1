// Package refine smooths triangulated trajectories by re-solving the 3D
// points of a whole track jointly, trading reprojection error against
// temporal smoothness and known inter-point distances, and can pick among
// multiple candidate detections per view while doing so.
package refine

import (
	"math"
	"sort"
)

// interpolateData fills non-finite gaps in a time series by linear
// interpolation, holding the edge values outside the observed range. A
// series with no finite values becomes zeros.
func interpolateData(vals []float64) []float64 {
	out := make([]float64, len(vals))
	finite := make([]int, 0, len(vals))
	for i, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, i)
		}
	}
	if len(finite) == 0 {
		return out
	}
	fi := 0
	for i := range vals {
		switch {
		case i <= finite[0]:
			out[i] = vals[finite[0]]
		case i >= finite[len(finite)-1]:
			out[i] = vals[finite[len(finite)-1]]
		default:
			for finite[fi+1] < i {
				fi++
			}
			lo, hi := finite[fi], finite[fi+1]
			if i == lo {
				out[i] = vals[lo]
				continue
			}
			frac := float64(i-lo) / float64(hi-lo)
			out[i] = vals[lo]*(1-frac) + vals[hi]*frac
		}
	}
	return out
}

// medfilt applies a centered median filter of the given odd kernel size,
// reflect-padding the series so the edges do not collapse toward zero.
func medfilt(vals []float64, size int) []float64 {
	n := len(vals)
	if n == 0 || size <= 1 {
		out := make([]float64, n)
		copy(out, vals)
		return out
	}
	pad := size + 5
	padded := make([]float64, n+2*pad)
	for i := range padded {
		padded[i] = vals[reflectIndex(i-pad, n)]
	}

	half := size / 2
	window := make([]float64, 0, size)
	filtered := make([]float64, len(padded))
	for i := range padded {
		window = window[:0]
		for k := i - half; k <= i+half; k++ {
			if k < 0 || k >= len(padded) {
				window = append(window, 0)
				continue
			}
			window = append(window, padded[k])
		}
		sort.Float64s(window)
		filtered[i] = window[len(window)/2]
	}
	return filtered[pad : pad+n]
}

// reflectIndex maps any index onto [0,n) by mirroring around the endpoints
// without repeating them.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i = ((i % period) + period) % period
	if i >= n {
		i = period - i
	}
	return i
}
