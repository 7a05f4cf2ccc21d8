package audio

import (
	"errors"
	"io"
)

// SeekBuffer is an in-memory [io.WriteSeeker]. The WAV encoder seeks back to
// patch header sizes on Close, which a bytes.Buffer cannot do.
type SeekBuffer struct {
	buf []byte
	pos int
}

// Write writes p at the current position, growing the buffer as needed.
func (b *SeekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, max(end, 2*cap(b.buf)))
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

// Seek sets the position for the next Write.
func (b *SeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("audio: seek buffer: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("audio: seek buffer: negative position")
	}
	b.pos = int(abs)
	return abs, nil
}

// Bytes returns the written contents.
func (b *SeekBuffer) Bytes() []byte { return b.buf }
