package native

import (
	"math"
	"time"

	"github.com/MrWong99/voicesift/pkg/audio/signal"
)

const (
	// highPassCutoffHz removes rumble below typical voice fundamentals.
	highPassCutoffHz = 80.0

	// gateThreshold is the window RMS below which the noise gate attenuates.
	gateThreshold = 0.008

	// gateFloor is the smallest gain the noise gate applies.
	gateFloor = 0.1

	// trimThreshold is the window RMS treated as silence when trimming.
	trimThreshold = 0.01

	// targetPeak is the normalisation target; maxGain caps amplification
	// of quiet input.
	targetPeak = 0.9
	maxGain    = 20.0

	// minNormalizePeak: quieter input is left alone.
	minNormalizePeak = 0.001
)

// window returns the 10ms analysis window length at rate.
func window(rate int) int {
	return max(rate/100, 1)
}

// highPass applies a first-order IIR high-pass filter in place.
func highPass(x []float64, rate int, cutoff float64) {
	if len(x) == 0 || cutoff <= 0 {
		return
	}
	rc := 1 / (2 * math.Pi * cutoff)
	dt := 1 / float64(rate)
	alpha := rc / (rc + dt)

	prevIn, prevOut := x[0], x[0]
	for i := 1; i < len(x); i++ {
		in := x[i]
		x[i] = alpha * (prevOut + in - prevIn)
		prevIn, prevOut = in, x[i]
	}
}

// noiseGate attenuates quiet windows in place, proportionally to how far
// below the threshold they are. It returns the number of gated windows.
func noiseGate(x []float64, rate int, threshold float64) int {
	size := window(rate)
	gated := 0
	for i := 0; i < len(x); i += size {
		end := min(i+size, len(x))
		rms := signal.RMS(x[i:end])
		if rms >= threshold {
			continue
		}
		gain := max(rms/threshold, gateFloor)
		for j := i; j < end; j++ {
			x[j] *= gain
		}
		gated++
	}
	return gated
}

// trim returns the sub-slice of x between the first and last window whose
// RMS reaches threshold, along with the number of samples cut from each end.
// An input with no such window yields an empty slice.
func trim(x []float64, rate int, threshold float64) (out []float64, lead, tail int) {
	size := window(rate)
	first, last := -1, -1
	for i := 0; i < len(x); i += size {
		end := min(i+size, len(x))
		if signal.RMS(x[i:end]) >= threshold {
			if first < 0 {
				first = i
			}
			last = end
		}
	}
	if first < 0 {
		return x[:0], len(x), 0
	}
	return x[first:last], first, len(x) - last
}

// peak returns the largest absolute sample.
func peak(x []float64) float64 {
	var p float64
	for _, v := range x {
		p = max(p, math.Abs(v))
	}
	return p
}

// normalize scales x in place so that its peak reaches targetPeak, capped at
// maxGain. It returns the applied gain.
func normalize(x []float64) float64 {
	p := peak(x)
	if p < minNormalizePeak {
		return 1
	}
	gain := min(targetPeak/p, maxGain)
	for i := range x {
		x[i] = math.Max(-1, math.Min(1, x[i]*gain))
	}
	return gain
}

// fade applies linear ramps of the given lengths in place.
func fade(x []float64, rate int, in, out time.Duration) {
	n := len(x)
	if fin := min(durationToSamples(in, rate), n); fin > 0 {
		for i := range fin {
			x[i] *= float64(i) / float64(fin)
		}
	}
	if fout := min(durationToSamples(out, rate), n); fout > 0 {
		for i := range fout {
			x[n-1-i] *= float64(i) / float64(fout)
		}
	}
}

func durationToSamples(d time.Duration, rate int) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
