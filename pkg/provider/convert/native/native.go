// Package native implements convert.Converter in pure Go: filtering and
// resampling operate on float64 samples, WAV output is written with
// go-audio/wav and MP3 output with the shine encoder.
package native

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/braheezy/shine-mp3/pkg/mp3"

	"github.com/MrWong99/voicesift/pkg/audio"
	"github.com/MrWong99/voicesift/pkg/provider/convert"
)

// Compile-time assertion that Converter satisfies convert.Converter.
var _ convert.Converter = (*Converter)(nil)

// mp3BlockSize is the number of samples per channel in one MPEG layer III
// frame.
const mp3BlockSize = 1152

// mp3Rates are the MPEG-1 sample rates. Other rates are resampled to
// mp3FallbackRate before encoding.
var mp3Rates = []int{32000, 44100, 48000}

const mp3FallbackRate = 32000

// Converter is the pure-Go converter. The zero value is ready to use.
type Converter struct{}

// New returns a Converter.
func New() *Converter { return &Converter{} }

// Convert implements convert.Converter.
func (c *Converter) Convert(ctx context.Context, payload []byte, target convert.Format, opts convert.Options) (convert.Result, error) {
	start := time.Now()
	if !target.IsValid() {
		return convert.Result{}, fmt.Errorf("native: unsupported target format %q", target)
	}
	if opts.SampleRate <= 0 {
		return convert.Result{}, fmt.Errorf("native: input sample rate %d must be positive", opts.SampleRate)
	}
	if len(payload) == 0 || len(payload)%2 != 0 {
		return convert.Result{}, fmt.Errorf("native: input of %d bytes is not pcm16: %w", len(payload), convert.ErrNoAudio)
	}
	if err := ctx.Err(); err != nil {
		return convert.Result{}, err
	}

	rate := opts.SampleRate
	x := audio.Float64s(payload)
	m := convert.Metrics{
		InputBytes:    len(payload),
		InputDuration: samplesToDuration(len(x), rate),
		PeakBefore:    peak(x),
		Gain:          1,
	}

	if opts.RemoveNoise {
		highPass(x, rate, highPassCutoffHz)
		m.GatedWindows = noiseGate(x, rate, gateThreshold)
	}
	if opts.TrimSilence {
		var lead, tail int
		x, lead, tail = trim(x, rate, trimThreshold)
		m.TrimmedLeading = samplesToDuration(lead, rate)
		m.TrimmedTrailing = samplesToDuration(tail, rate)
		if len(x) == 0 {
			return convert.Result{}, fmt.Errorf("native: trimmed %v of silence: %w", m.InputDuration, convert.ErrNoAudio)
		}
	}
	if opts.Normalize {
		m.Gain = normalize(x)
	}
	fade(x, rate, opts.FadeIn, opts.FadeOut)
	m.PeakAfter = peak(x)

	pcm := audio.PCM16(x)
	outRate := rate
	if opts.TargetSampleRate > 0 && opts.TargetSampleRate != rate {
		pcm = audio.ResampleMono16(pcm, rate, opts.TargetSampleRate)
		outRate = opts.TargetSampleRate
	}

	var out []byte
	var err error
	switch target {
	case convert.FormatWAV:
		out, err = audio.EncodeWAV(pcm, audio.Format{SampleRate: outRate, Channels: 1})
	case convert.FormatMP3:
		if !slices.Contains(mp3Rates, outRate) {
			pcm = audio.ResampleMono16(pcm, outRate, mp3FallbackRate)
			outRate = mp3FallbackRate
		}
		out, err = encodeMP3(pcm, outRate)
	case convert.FormatPCM16:
		out = pcm
	}
	if err != nil {
		return convert.Result{}, fmt.Errorf("native: encode %s: %w", target, err)
	}

	m.OutputBytes = len(out)
	m.OutputDuration = audio.Duration(pcm, outRate)
	m.ProcessingTime = time.Since(start)
	slog.Debug("native: converted segment",
		"format", target,
		"in_bytes", m.InputBytes,
		"out_bytes", m.OutputBytes,
		"gain", m.Gain,
		"trimmed_leading", m.TrimmedLeading,
		"trimmed_trailing", m.TrimmedTrailing,
	)
	return convert.Result{Payload: out, Format: target, SampleRate: outRate, Metrics: m}, nil
}

// encodeMP3 encodes mono PCM16 with shine, padding the last frame with
// silence.
func encodeMP3(pcm []byte, rate int) ([]byte, error) {
	samples := audio.Int16s(pcm)
	if rem := len(samples) % mp3BlockSize; rem != 0 {
		samples = append(samples, make([]int16, mp3BlockSize-rem)...)
	}

	var buf bytes.Buffer
	enc := mp3.NewEncoder(rate, 1)
	enc.Write(&buf, samples)
	if buf.Len() == 0 {
		return nil, fmt.Errorf("mp3 encoder produced no output for %d samples", len(samples))
	}
	return buf.Bytes(), nil
}
