// Package signal implements the time-domain signal metrics shared by the
// frame classifier and the chunk quality gate: RMS energy, zero-crossing
// rate, an approximate spectral centroid and percentile estimates.
//
// All functions operate on samples normalised to [-1, 1] and never return
// NaN or Inf; degenerate inputs yield 0.
package signal

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// RMS returns the root-mean-square energy of x.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(MeanSquare(x))
}

// MeanSquare returns the mean of x².
func MeanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ. A pure tone at frequency f sampled at rate r yields about 2f/r.
func ZeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x)-1)
}

// SpectralCentroid estimates the magnitude-weighted mean frequency of x in Hz
// without a frequency transform. The frame is Hann-windowed and the ratio of
// mean absolute first difference to mean absolute amplitude is mapped back
// to a frequency: for a pure tone the ratio is 2·sin(πf/r). The result is
// monotonic in frequency and bounded by [0, r/2].
func SpectralCentroid(x []float64, sampleRate int) float64 {
	if len(x) < 2 || sampleRate <= 0 {
		return 0
	}
	w := hann(len(x))
	var mag, diff float64
	prev := x[0] * w[0]
	mag += math.Abs(prev)
	for i := 1; i < len(x); i++ {
		cur := x[i] * w[i]
		mag += math.Abs(cur)
		diff += math.Abs(cur - prev)
		prev = cur
	}
	if mag == 0 {
		return 0
	}
	ratio := min(diff/mag, 2)
	return float64(sampleRate) / math.Pi * math.Asin(ratio/2)
}

// Quantile returns the p-quantile of values using the empirical CDF. The
// input is not modified. Returns 0 for an empty input.
func Quantile(p float64, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return stat.Quantile(Clamp01(p), stat.Empirical, sorted, nil)
}

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// MapRange linearly maps v from [lo, hi] onto [0, 1], clamped.
func MapRange(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return Clamp01((v - lo) / (hi - lo))
}

// Frames splits x into windows of size samples advancing by hop. A trailing
// partial window is dropped.
func Frames(x []float64, size, hop int) [][]float64 {
	if size <= 0 || hop <= 0 || len(x) < size {
		return nil
	}
	n := (len(x)-size)/hop + 1
	out := make([][]float64, 0, n)
	for start := 0; start+size <= len(x); start += hop {
		out = append(out, x[start:start+size])
	}
	return out
}

var hannCache = map[int][]float64{}

// hann returns a Hann window of length n. Windows for the common frame sizes
// are computed once; the cache is populated by init to stay read-only at
// runtime.
func hann(n int) []float64 {
	if w, ok := hannCache[n]; ok {
		return w
	}
	return makeHann(n)
}

func makeHann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func init() {
	for _, n := range []int{160, 256, 320, 480, 512, 1024} {
		hannCache[n] = makeHann(n)
	}
}
