// Package wokwi implements the session protocol spoken with the remote chip
// simulator: a persistent WebSocket connection carrying one JSON control
// message per frame. Binary payloads are base64-encoded; this package is the
// only place where the wire encoding is produced or consumed.
package wokwi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType tags a control message variant.
type MessageType string

// Outbound message types.
const (
	TypeSetChip       MessageType = "set-chip"
	TypeUploadSegment MessageType = "upload-segment"
	TypeStart         MessageType = "start"
	TypeDebugWrite    MessageType = "debug-write"
)

// Inbound message types.
const (
	TypeSerialData MessageType = "serial-data"
	TypeDebugRead  MessageType = "debug-read"
	TypeStatus     MessageType = "status"
	TypeError      MessageType = "error"
)

// Message is one control message. Fields are populated per variant; unused
// fields are omitted from the wire encoding.
type Message struct {
	Type MessageType `json:"type"`

	// set-chip
	Chip    string `json:"chip,omitempty"`
	Project string `json:"project,omitempty"`

	// upload-segment. A pointer so that a segment at flash offset 0 still
	// carries its address on the wire.
	Address *uint32 `json:"address,omitempty"`

	// upload-segment, debug-write, serial-data, debug-read (base64)
	Data string `json:"data,omitempty"`

	// status
	OK     *bool  `json:"ok,omitempty"`
	Detail string `json:"detail,omitempty"`

	// error
	Text string `json:"message,omitempty"`
}

// SetChip builds the chip-selection message. project may be empty for an
// ad-hoc session.
func SetChip(chip, project string) Message {
	return Message{Type: TypeSetChip, Chip: chip, Project: project}
}

// UploadSegment builds one flash upload message.
func UploadSegment(addr uint32, data []byte) Message {
	return Message{
		Type:    TypeUploadSegment,
		Address: &addr,
		Data:    base64.StdEncoding.EncodeToString(data),
	}
}

// StartSimulation builds the execution-start message.
func StartSimulation() Message {
	return Message{Type: TypeStart}
}

// DebugWrite wraps one debug protocol packet's bytes.
func DebugWrite(data []byte) Message {
	return Message{
		Type: TypeDebugWrite,
		Data: base64.StdEncoding.EncodeToString(data),
	}
}

// Accepted reports whether a status message acknowledged the preceding
// request. A status with no ok field is treated as a rejection.
func (m Message) Accepted() bool {
	return m.OK != nil && *m.OK
}

// Payload decodes the base64 data field.
func (m Message) Payload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, &ProtocolError{
			Kind:   KindMalformed,
			Detail: fmt.Sprintf("bad base64 in %s message", m.Type),
			Err:    err,
		}
	}
	return data, nil
}

// decodeMessage parses one inbound JSON frame.
func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, &ProtocolError{Kind: KindMalformed, Detail: "bad JSON frame", Err: err}
	}
	if m.Type == "" {
		return Message{}, &ProtocolError{Kind: KindMalformed, Detail: "frame has no type"}
	}
	return m, nil
}
