// Package mock provides a test double for the convert.Converter interface.
//
// By default Converter echoes the input back as the result payload, so tests
// can check exactly which audio reached the conversion step.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicesift/pkg/provider/convert"
)

// ConvertCall records a single invocation of Converter.Convert.
type ConvertCall struct {
	Payload []byte
	Target  convert.Format
	Opts    convert.Options
}

// Converter is a mock implementation of convert.Converter.
type Converter struct {
	mu sync.Mutex

	// Result, if non-nil, is returned instead of the echoed input.
	Result *convert.Result

	// Err, if non-nil, is returned as the error from Convert.
	Err error

	// Calls records every call to Convert in order.
	Calls []ConvertCall
}

// Convert records the call and returns Result or an echo of payload.
func (c *Converter) Convert(_ context.Context, payload []byte, target convert.Format, opts convert.Options) (convert.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.Calls = append(c.Calls, ConvertCall{Payload: cp, Target: target, Opts: opts})
	if c.Err != nil {
		return convert.Result{}, c.Err
	}
	if c.Result != nil {
		return *c.Result, nil
	}
	return convert.Result{
		Payload:    cp,
		Format:     target,
		SampleRate: opts.SampleRate,
		Metrics: convert.Metrics{
			InputBytes:  len(payload),
			OutputBytes: len(payload),
			Gain:        1,
		},
	}, nil
}

// CallCount returns the number of Convert calls. Thread-safe.
func (c *Converter) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// Ensure Converter implements convert.Converter at compile time.
var _ convert.Converter = (*Converter)(nil)
