package wokwi

import "fmt"

// ConnectError indicates the transport to the simulator endpoint could not be
// established (DNS, TCP, TLS, or WebSocket handshake failure). Connecting is
// never retried internally; the caller decides retry policy.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolErrorKind classifies session protocol failures.
type ProtocolErrorKind int

const (
	// KindRejected means the remote refused the chip or project selection.
	KindRejected ProtocolErrorKind = iota
	// KindTimeout means an expected acknowledgment never arrived.
	KindTimeout
	// KindUploadFailed means the remote rejected a specific flash segment.
	KindUploadFailed
	// KindMalformed means an inbound message could not be decoded.
	KindMalformed
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	case KindUploadFailed:
		return "upload failed"
	case KindMalformed:
		return "malformed message"
	default:
		return "unknown"
	}
}

// ProtocolError is a session protocol failure. Segment is only meaningful for
// KindUploadFailed, where it is the index of the rejected flash segment.
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Segment int
	Detail  string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case KindUploadFailed:
		if e.Detail != "" {
			return fmt.Sprintf("upload failed for segment %d: %s", e.Segment, e.Detail)
		}
		return fmt.Sprintf("upload failed for segment %d", e.Segment)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("protocol error: %s: %s", e.Kind, e.Detail)
		}
		return fmt.Sprintf("protocol error: %s", e.Kind)
	}
}

// Unwrap returns the underlying error, if any.
func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is an explicit error notification sent by the simulator. When
// the session ends after one of these was received, it is the terminating
// cause of the run.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("simulator error: %s", e.Message)
}
