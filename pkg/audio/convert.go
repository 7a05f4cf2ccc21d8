package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Normalizer brings interleaved 16-bit PCM into mono at a target sample rate.
// It logs once on the first format mismatch and once on corrupt input.
// Create one per stream; not designed for shared use across goroutines.
type Normalizer struct {
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts pcm from src into mono at n.TargetRate. Input whose
// length is not a whole number of sample frames yields nil.
func (n *Normalizer) Normalize(pcm []byte, src Format) []byte {
	channels := max(src.Channels, 1)
	if len(pcm)%(2*channels) != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM data, dropping payload",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		return nil
	}

	if src.SampleRate == n.TargetRate && channels == 1 {
		return pcm
	}

	n.warnedMismatch.Do(func() {
		slog.Info("audio: normalising input format",
			"from", src.String(),
			"to", Format{SampleRate: n.TargetRate, Channels: 1}.String(),
		)
	})

	// Downmix first so that only one channel has to be resampled.
	if channels > 1 {
		pcm = Downmix16(pcm, channels)
	}
	if src.SampleRate != n.TargetRate {
		pcm = ResampleMono16(pcm, src.SampleRate, n.TargetRate)
	}
	return pcm
}

// Downmix16 averages each interleaved frame of 16-bit PCM with the given
// channel count into a single mono sample. Uses int32 arithmetic so that the
// sum cannot overflow.
func Downmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*stride + c*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := clamp16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Duration returns the playback length of mono 16-bit PCM at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
}

// Float64s decodes little-endian 16-bit PCM into samples in [-1, 1).
func Float64s(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768
	}
	return out
}

// PCM16 encodes samples in [-1, 1] as little-endian 16-bit PCM, clipping
// anything outside the range.
func PCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		switch {
		case math.IsNaN(s):
			s = 0
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		v := int16(math.Round(s * 32767))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Int16s decodes little-endian 16-bit PCM into int16 samples.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
