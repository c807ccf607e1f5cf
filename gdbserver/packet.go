package gdbserver

import (
	"bufio"
	"fmt"
	"io"
)

// maxPacketSize bounds a single debug packet. GDB remote packets are small;
// anything past this is not a packet stream.
const maxPacketSize = 64 * 1024

// Debug protocol framing bytes.
const (
	packetStart   = '$'
	packetEnd     = '#'
	ackByte       = '+'
	nakByte       = '-'
	interruptByte = 0x03
)

// frameKind classifies one framed unit read from the debugger.
type frameKind int

const (
	framePacket frameKind = iota
	frameInterrupt
	frameAck
	frameNak
)

// frame is one complete unit of the debug wire protocol. For framePacket,
// raw holds the full framed bytes ($payload#checksum) and checksumOK reports
// whether the trailing checksum matched; packets are relayed byte-transparent,
// so payload contents are never interpreted here.
type frame struct {
	kind       frameKind
	raw        []byte
	checksumOK bool
}

// frameReader incrementally frames the byte stream from a local debugger.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next blocks until one complete frame is available. io.EOF means the peer
// closed the connection; a *FramingError means the stream is not a debug
// protocol stream and the connection should be dropped.
func (f *frameReader) next() (frame, error) {
	b, err := f.r.ReadByte()
	if err != nil {
		return frame{}, err
	}

	switch b {
	case interruptByte:
		return frame{kind: frameInterrupt, raw: []byte{interruptByte}}, nil
	case ackByte:
		return frame{kind: frameAck}, nil
	case nakByte:
		return frame{kind: frameNak}, nil
	case packetStart:
		return f.readPacket()
	default:
		return frame{}, &FramingError{Reason: fmt.Sprintf("unexpected byte 0x%02X outside packet", b)}
	}
}

func (f *frameReader) readPacket() (frame, error) {
	payload := make([]byte, 0, 64)
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		if b == packetEnd {
			break
		}
		payload = append(payload, b)
		if len(payload) > maxPacketSize {
			return frame{}, &FramingError{Reason: "packet exceeds maximum size"}
		}
	}

	var sum [2]byte
	if _, err := io.ReadFull(f.r, sum[:]); err != nil {
		return frame{}, err
	}
	want, err := parseChecksum(sum)
	if err != nil {
		return frame{}, err
	}

	raw := make([]byte, 0, len(payload)+4)
	raw = append(raw, packetStart)
	raw = append(raw, payload...)
	raw = append(raw, packetEnd, sum[0], sum[1])

	return frame{
		kind:       framePacket,
		raw:        raw,
		checksumOK: checksum(payload) == want,
	}, nil
}

// checksum is the debug protocol's checksum: the sum of payload bytes mod 256.
func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

func parseChecksum(sum [2]byte) (byte, error) {
	hi, err := hexNibble(sum[0])
	if err != nil {
		return 0, err
	}
	lo, err := hexNibble(sum[1])
	if err != nil {
		return 0, err
	}
	return hi<<4 | lo, nil
}

func hexNibble(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, &FramingError{Reason: fmt.Sprintf("invalid checksum byte 0x%02X", b)}
	}
}
