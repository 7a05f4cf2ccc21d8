package signal

import (
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/voicesift/pkg/types"
)

// QualityParams configures [Quality].
type QualityParams struct {
	// SubFrame is the analysis window length. Default: 10ms.
	SubFrame time.Duration

	// VoiceThreshold is the sub-frame RMS above which a window counts as
	// voiced. Default: 0.02.
	VoiceThreshold float64

	// NoisePercentile selects the sub-frame energy used as the noise floor.
	// Default: 0.1.
	NoisePercentile float64
}

// Defaults for [QualityParams].
const (
	DefaultSubFrame        = 10 * time.Millisecond
	DefaultVoiceThreshold  = 0.02
	DefaultNoisePercentile = 0.1

	// snrRangeDB maps an SNR of this many decibels onto a score of 1.
	snrRangeDB = 30.0

	// Clarity maps the zero-crossing rate from [zcrLow, zcrHigh] onto [0, 1].
	zcrLow  = 0.01
	zcrHigh = 0.3

	// volumeFullScale is the RMS that maps onto a volume score of 1.
	volumeFullScale = 0.5
)

func (p QualityParams) withDefaults() QualityParams {
	if p.SubFrame <= 0 {
		p.SubFrame = DefaultSubFrame
	}
	if p.VoiceThreshold <= 0 {
		p.VoiceThreshold = DefaultVoiceThreshold
	}
	if p.NoisePercentile <= 0 || p.NoisePercentile >= 1 {
		p.NoisePercentile = DefaultNoisePercentile
	}
	return p
}

// Quality scores mono samples at sampleRate. Inputs shorter than one
// sub-frame are analysed as a single window.
func Quality(x []float64, sampleRate int, p QualityParams) types.QualityMetrics {
	p = p.withDefaults()
	if len(x) == 0 || sampleRate <= 0 {
		return types.QualityMetrics{}
	}

	size := int(int64(sampleRate) * int64(p.SubFrame) / int64(time.Second))
	size = max(size, 1)
	windows := Frames(x, size, size)
	if len(windows) == 0 {
		windows = [][]float64{x}
	}

	energies := make([]float64, len(windows))
	voiced := 0
	for i, w := range windows {
		energies[i] = MeanSquare(w)
		if math.Sqrt(energies[i]) > p.VoiceThreshold {
			voiced++
		}
	}

	q := types.QualityMetrics{
		SNR:           snrScore(MeanSquare(x), Quantile(p.NoisePercentile, energies)),
		Volume:        Clamp01(RMS(x) / volumeFullScale),
		Clarity:       MapRange(ZeroCrossingRate(x), zcrLow, zcrHigh),
		VoiceActivity: float64(voiced) / float64(len(windows)),
	}
	return types.CombineQuality(q)
}

// snrScore converts signal and noise mean-square energies to a [0, 1] score.
// A zero noise floor substitutes 1 when any signal is present and 0 for pure
// silence.
func snrScore(signal, noise float64) float64 {
	if noise <= 0 {
		if signal > 0 {
			slog.Debug("signal: zero noise floor, substituting maximum snr", "signal", signal)
			return 1
		}
		return 0
	}
	db := 10 * math.Log10(signal/noise)
	if math.IsNaN(db) || math.IsInf(db, 0) {
		slog.Debug("signal: non-finite snr, substituting 0", "signal", signal, "noise", noise)
		return 0
	}
	return Clamp01(db / snrRangeDB)
}
