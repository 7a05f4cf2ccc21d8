package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

// ErrDecode is matched by every [DecodeError] via errors.Is.
var ErrDecode = errors.New("audio: decode failed")

// DecodeError reports a malformed or unsupported payload.
type DecodeError struct {
	Encoding Encoding
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Encoding names a supported chunk payload encoding.
type Encoding string

const (
	// EncodingPCM16 is raw little-endian 16-bit PCM in the configured input
	// format.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingWAV is a complete RIFF/WAVE file per chunk.
	EncodingWAV Encoding = "wav"

	// EncodingMP3 is a complete MPEG layer III stream per chunk.
	EncodingMP3 Encoding = "mp3"

	// EncodingOpus is a sequence of Opus packets, each prefixed with its
	// length as a big-endian uint16.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingWAV, EncodingMP3, EncodingOpus:
		return true
	}
	return false
}

// Decoder turns a chunk payload into mono 16-bit PCM at the decoder's target
// rate. Stateful decoders (Opus) must not be shared between streams.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
}

// DecoderConfig selects and parameterises a [Decoder].
type DecoderConfig struct {
	Encoding Encoding

	// Input describes raw PCM16 and Opus payloads. WAV and MP3 carry their
	// own format headers.
	Input Format

	// TargetRate is the sample rate of the decoded output.
	TargetRate int
}

// opus packet decoding limits: 48kHz is the native Opus rate and 120ms the
// longest packet duration.
const (
	opusSampleRate   = 48000
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// NewDecoder returns a fresh decoder for cfg.
func NewDecoder(cfg DecoderConfig) (Decoder, error) {
	if cfg.TargetRate <= 0 {
		return nil, fmt.Errorf("audio: decoder target rate %d must be positive", cfg.TargetRate)
	}
	norm := &Normalizer{TargetRate: cfg.TargetRate}
	switch cfg.Encoding {
	case EncodingPCM16, "":
		in := cfg.Input
		if in.SampleRate <= 0 {
			in.SampleRate = cfg.TargetRate
		}
		if in.Channels <= 0 {
			in.Channels = 1
		}
		return &pcmDecoder{src: in, norm: norm}, nil
	case EncodingWAV:
		return &wavDecoder{norm: norm}, nil
	case EncodingMP3:
		return &mp3Decoder{norm: norm}, nil
	case EncodingOpus:
		channels := cfg.Input.Channels
		if channels <= 0 {
			channels = 1
		}
		dec, err := gopus.NewDecoder(opusSampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		return &opusDecoder{dec: dec, channels: channels, norm: norm}, nil
	}
	return nil, fmt.Errorf("audio: unsupported encoding %q", cfg.Encoding)
}

// ── PCM16 ────────────────────────────────────────────────────────────────────

type pcmDecoder struct {
	src  Format
	norm *Normalizer
}

func (d *pcmDecoder) Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Encoding: EncodingPCM16, Err: io.ErrUnexpectedEOF}
	}
	if len(payload)%(2*d.src.Channels) != 0 {
		return nil, &DecodeError{
			Encoding: EncodingPCM16,
			Err:      fmt.Errorf("%d bytes is not a whole number of %s frames", len(payload), d.src),
		}
	}
	return d.norm.Normalize(payload, d.src), nil
}

// ── WAV ──────────────────────────────────────────────────────────────────────

type wavDecoder struct {
	norm *Normalizer
}

func (d *wavDecoder) Decode(payload []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(payload))
	if !dec.IsValidFile() {
		return nil, &DecodeError{Encoding: EncodingWAV, Err: errors.New("not a valid wav file")}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &DecodeError{Encoding: EncodingWAV, Err: err}
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, &DecodeError{Encoding: EncodingWAV, Err: io.ErrUnexpectedEOF}
	}

	// Rescale whatever bit depth the file uses to 16 bits.
	shift := int(dec.BitDepth) - 16
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case dec.BitDepth == 8:
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		}
		samples[i] = clamp16(int32(v))
	}
	src := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	return d.norm.Normalize(Bytes(samples), src), nil
}

// ── MP3 ──────────────────────────────────────────────────────────────────────

type mp3Decoder struct {
	norm *Normalizer
}

func (d *mp3Decoder) Decode(payload []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Encoding: EncodingMP3, Err: err}
	}
	// go-mp3 always produces interleaved 16-bit stereo.
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, &DecodeError{Encoding: EncodingMP3, Err: err}
	}
	if len(pcm) == 0 {
		return nil, &DecodeError{Encoding: EncodingMP3, Err: io.ErrUnexpectedEOF}
	}
	pcm = pcm[:len(pcm)/4*4]
	return d.norm.Normalize(pcm, Format{SampleRate: dec.SampleRate(), Channels: 2}), nil
}

// ── Opus ─────────────────────────────────────────────────────────────────────

type opusDecoder struct {
	dec      *gopus.Decoder
	channels int
	norm     *Normalizer
}

func (d *opusDecoder) Decode(payload []byte) ([]byte, error) {
	packets, err := SplitOpusPackets(payload)
	if err != nil {
		return nil, &DecodeError{Encoding: EncodingOpus, Err: err}
	}
	var pcm []int16
	for _, p := range packets {
		out, err := d.dec.Decode(p, opusMaxFrameSize, false)
		if err != nil {
			return nil, &DecodeError{Encoding: EncodingOpus, Err: err}
		}
		pcm = append(pcm, out...)
	}
	return d.norm.Normalize(Bytes(pcm), Format{SampleRate: opusSampleRate, Channels: d.channels}), nil
}

// SplitOpusPackets splits a length-prefixed packet sequence.
func SplitOpusPackets(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	var packets [][]byte
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("truncated packet header")
		}
		n := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if n == 0 || n > len(payload) {
			return nil, fmt.Errorf("packet length %d exceeds remaining %d bytes", n, len(payload))
		}
		packets = append(packets, payload[:n])
		payload = payload[n:]
	}
	return packets, nil
}

// JoinOpusPackets is the inverse of [SplitOpusPackets].
func JoinOpusPackets(packets ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range packets {
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(p)))
		buf.Write(hdr[:])
		buf.Write(p)
	}
	return buf.Bytes()
}
