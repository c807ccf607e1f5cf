package wokwi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MabezDev/wokwi-server/firmware"
	"github.com/MabezDev/wokwi-server/logger"
	"github.com/MabezDev/wokwi-server/metrics"
)

// DefaultAckTimeout bounds the wait for a status acknowledgment during
// handshake and upload.
const DefaultAckTimeout = 10 * time.Second

// State is the lifecycle state of a session. Transitions are one-directional.
type State int

const (
	// StateConnecting means the transport is being established.
	StateConnecting State = iota
	// StateHandshaking means the transport is up and chip selection/upload
	// may proceed.
	StateHandshaking
	// StateRunning means the simulation has been started.
	StateRunning
	// StateClosed means the session is over.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Target selects the simulated chip, and optionally an existing simulator
// project to attach to instead of an ad-hoc session.
type Target struct {
	Chip    firmware.Chip
	Project string
}

// Client owns exactly one logical session with the remote simulator: chip
// selection, firmware upload, execution start, and the inbound notification
// stream. The write half of the transport is owned exclusively by Client
// methods, which serialize on the underlying connection.
type Client struct {
	conn       *Conn
	target     Target
	id         string
	ackTimeout time.Duration

	mu         sync.Mutex
	state      State
	handshaked bool
	streaming  bool
}

// Option configures a Client.
type Option func(*Client)

// WithAckTimeout overrides the acknowledgment wait used during handshake and
// upload.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) { c.ackTimeout = d }
}

// Connect establishes the transport to the simulator endpoint. A failure is
// returned as a *ConnectError and is not retried internally.
func Connect(ctx context.Context, endpoint string, target Target, opts ...Option) (*Client, error) {
	c := &Client{
		target:     target,
		id:         uuid.NewString(),
		ackTimeout: DefaultAckTimeout,
		state:      StateConnecting,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.conn = NewConn(&ConnConfig{URL: endpoint})
	if err := c.conn.Connect(ctx); err != nil {
		c.state = StateClosed
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}
	c.conn.StartHeartbeat(ctx, DefaultPingInterval)
	c.state = StateHandshaking

	logger.Info("session transport established", "session", c.id, "endpoint", endpoint)
	return c, nil
}

// ID returns the locally generated session identifier used in logs.
func (c *Client) ID() string { return c.id }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handshake selects the chip (and project, when configured) and waits for the
// remote acknowledgment.
func (c *Client) Handshake(ctx context.Context) error {
	if err := c.requireState(StateHandshaking); err != nil {
		return err
	}

	msg := SetChip(string(c.target.Chip), c.target.Project)
	if err := c.conn.Send(msg); err != nil {
		return &ProtocolError{Kind: KindTimeout, Detail: "send set-chip", Err: err}
	}

	status, err := c.awaitStatus(ctx)
	if err != nil {
		return err
	}
	if !status.Accepted() {
		return &ProtocolError{Kind: KindRejected, Detail: status.Detail}
	}

	c.mu.Lock()
	c.handshaked = true
	c.mu.Unlock()

	logger.Debug("handshake accepted", "session", c.id, "chip", c.target.Chip, "project", c.target.Project)
	return nil
}

// Upload sends the flash segments in address order, one upload message each,
// waiting for the remote acknowledgment after every segment. A rejection
// surfaces the index of the failed segment so the caller can abort cleanly.
func (c *Client) Upload(ctx context.Context, segments []firmware.FlashSegment) error {
	if err := c.requireHandshaked(); err != nil {
		return err
	}

	for i, seg := range segments {
		if err := c.conn.Send(UploadSegment(seg.Addr, seg.Data)); err != nil {
			return &ProtocolError{Kind: KindUploadFailed, Segment: i, Detail: "send", Err: err}
		}

		status, err := c.awaitStatus(ctx)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Kind == KindTimeout {
				pe.Segment = i
			}
			return err
		}
		if !status.Accepted() {
			return &ProtocolError{Kind: KindUploadFailed, Segment: i, Detail: status.Detail}
		}

		metrics.AddUploadedSegment(len(seg.Data))
		logger.Debug("segment uploaded", "session", c.id,
			"index", i, "address", fmt.Sprintf("0x%08X", seg.Addr), "bytes", len(seg.Data))
	}

	return nil
}

// Start signals the remote to begin execution. Calling it twice is a caller
// error. After Start the read half of the transport belongs to Messages.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateHandshaking || !c.handshaked {
		return &ProtocolError{
			Kind:   KindRejected,
			Detail: fmt.Sprintf("cannot start simulation in state %s", c.state),
		}
	}

	if err := c.conn.Send(StartSimulation()); err != nil {
		return &ProtocolError{Kind: KindTimeout, Detail: "send start", Err: err}
	}
	c.state = StateRunning

	logger.Info("simulation started", "session", c.id)
	return nil
}

// Messages starts the inbound notification stream. The returned channel
// yields decoded control messages in transport arrival order and is closed
// when the transport closes. It may be called at most once, after Start;
// Messages owns the read half of the transport from then on.
func (c *Client) Messages(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("message stream requires a running session, state is %s", c.state)
	}
	if c.streaming {
		c.mu.Unlock()
		return nil, fmt.Errorf("message stream already consumed")
	}
	c.streaming = true
	c.mu.Unlock()

	out := make(chan Message, 64)
	raw := make(chan []byte, 64)

	go func() {
		if err := c.conn.ReceiveLoop(ctx, raw); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session receive loop ended", "session", c.id, "error", err)
		}
		close(raw)
	}()

	go func() {
		defer close(out)
		for data := range raw {
			msg, err := decodeMessage(data)
			if err != nil {
				logger.Warn("dropping undecodable frame", "session", c.id, "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SendDebug forwards one debug protocol packet's bytes to the remote, wrapped
// in the control message envelope.
func (c *Client) SendDebug(data []byte) error {
	if err := c.requireState(StateRunning); err != nil {
		return err
	}
	return c.conn.Send(DebugWrite(data))
}

// Close terminates the session and the underlying transport. Safe to call
// multiple times; closing is the single cancellation signal observed by all
// dependent tasks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	logger.Debug("closing session", "session", c.id)
	return c.conn.Close()
}

// awaitStatus reads the transport directly until a status message arrives.
// Only valid before Start, while the client still owns the read half.
// Notifications other than status/error are logged and skipped.
func (c *Client) awaitStatus(ctx context.Context) (Message, error) {
	actx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	for {
		raw, err := c.conn.Receive(actx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Message{}, &ProtocolError{Kind: KindTimeout, Detail: "no acknowledgment from simulator"}
			}
			return Message{}, &ProtocolError{Kind: KindTimeout, Detail: "transport error awaiting acknowledgment", Err: err}
		}

		msg, err := decodeMessage(raw)
		if err != nil {
			return Message{}, err
		}

		switch msg.Type {
		case TypeStatus:
			return msg, nil
		case TypeError:
			return Message{}, &ProtocolError{Kind: KindRejected, Detail: msg.Text}
		default:
			logger.Debug("ignoring notification before start", "type", msg.Type)
		}
	}
}

func (c *Client) requireState(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return fmt.Errorf("session is %s, expected %s", c.state, want)
	}
	return nil
}

func (c *Client) requireHandshaked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHandshaking || !c.handshaked {
		return fmt.Errorf("upload requires a completed handshake, state is %s", c.state)
	}
	return nil
}
