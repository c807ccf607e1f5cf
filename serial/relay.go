// Package serial relays the simulated device's console output to a local
// writer, normally stdout.
package serial

import (
	"context"
	"fmt"
	"io"

	"github.com/MabezDev/wokwi-server/metrics"
)

// Relay copies serial payloads from the dispatcher's channel to W in arrival
// order. No extra buffering is added beyond what W itself imposes; the
// upstream channel absorbs bursts, which is acceptable because console volume
// is bounded by simulated CPU throughput.
type Relay struct {
	W io.Writer
}

// New creates a Relay writing to w.
func New(w io.Writer) *Relay {
	return &Relay{W: w}
}

// Run copies payloads until ch closes (session over) or ctx is canceled.
func (r *Relay) Run(ctx context.Context, ch <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := r.W.Write(data); err != nil {
				return fmt.Errorf("write serial output: %w", err)
			}
			metrics.AddSerialBytes(len(data))
		}
	}
}
