package wokwi

import (
	"context"
	"sync"

	"github.com/MabezDev/wokwi-server/logger"
)

// dispatchBuffer bounds the debug fan-out channel. The debug proxy drains it
// promptly even with no debugger attached, so a small buffer suffices.
const dispatchBuffer = 64

// Dispatcher is the single consumer of the inbound message stream. It fans
// notifications out by type: serial-data payloads to Serial, debug-read
// payloads to Debug. Serial payloads queue in memory without bound, so a
// stalled console writer never delays transport reads or debug-read delivery.
// Both channels close when the stream ends, which is how downstream
// components learn the session is over.
type Dispatcher struct {
	serialIn chan []byte
	serialCh chan []byte
	debugCh  chan []byte

	mu    sync.Mutex
	cause error
}

// NewDispatcher creates a Dispatcher with both fan-out channels allocated.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		serialIn: make(chan []byte),
		serialCh: make(chan []byte),
		debugCh:  make(chan []byte, dispatchBuffer),
	}
}

// Serial yields decoded serial-data payloads in arrival order.
func (d *Dispatcher) Serial() <-chan []byte { return d.serialCh }

// Debug yields decoded debug-read payloads in arrival order.
func (d *Dispatcher) Debug() <-chan []byte { return d.debugCh }

// Run consumes msgs until the channel closes or ctx is canceled. The return
// value is the terminating cause: nil for a clean transport close, the
// recorded *RemoteError when the simulator reported one before closing.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan Message) error {
	go d.drainSerial(ctx)
	defer close(d.serialIn)
	defer close(d.debugCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return d.Cause()
			}
			if err := d.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Cause returns the error notification recorded during the run, if any.
func (d *Dispatcher) Cause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cause
}

// drainSerial decouples the serial consumer from the dispatch loop: payloads
// arriving on serialIn are queued in memory and forwarded to serialCh as the
// consumer keeps up. The queue flushes after serialIn closes, then serialCh
// closes.
func (d *Dispatcher) drainSerial(ctx context.Context) {
	defer close(d.serialCh)

	var queue [][]byte
	in := d.serialIn
	for {
		var out chan []byte
		var next []byte
		if len(queue) > 0 {
			out = d.serialCh
			next = queue[0]
		} else if in == nil {
			return
		}

		select {
		case data, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, data)
		case out <- next:
			queue = queue[1:]
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) error {
	switch msg.Type {
	case TypeSerialData:
		payload, err := msg.Payload()
		if err != nil {
			return err
		}
		// The drain loop always accepts promptly.
		select {
		case d.serialIn <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}

	case TypeDebugRead:
		payload, err := msg.Payload()
		if err != nil {
			return err
		}
		select {
		case d.debugCh <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}

	case TypeStatus:
		logger.Debug("simulator status", "ok", msg.Accepted(), "detail", msg.Detail)

	case TypeError:
		logger.Error("simulator reported error", "message", msg.Text)
		d.mu.Lock()
		d.cause = &RemoteError{Message: msg.Text}
		d.mu.Unlock()

	default:
		logger.Warn("unknown notification type", "type", msg.Type)
	}

	return nil
}
