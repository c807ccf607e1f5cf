package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MabezDev/wokwi-server/firmware"
	"github.com/MabezDev/wokwi-server/wokwi"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// testELFBytes assembles a one-segment ELF32 with payload at addr.
func testELFBytes(addr uint32, payload []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	w32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	w16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf.Write(b[:])
	}

	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4], ident[5], ident[6] = 1, 1, 1
	buf.Write(ident)

	w16(2)  // ET_EXEC
	w16(94) // EM_XTENSA
	w32(1)
	w32(addr) // entry
	w32(52)   // phoff
	w32(0)
	w32(0)
	w16(52)
	w16(32)
	w16(1)
	w16(0)
	w16(0)
	w16(0)

	w32(1)  // PT_LOAD
	w32(84) // offset: ehdr + one phdr
	w32(addr)
	w32(addr)
	w32(uint32(len(payload)))
	w32(uint32(len(payload)))
	w32(5)
	w32(4)
	buf.Write(payload)

	return buf.Bytes()
}

// writeTestELF writes a one-segment ELF32 with payload at addr.
func writeTestELF(t *testing.T, addr uint32, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.elf")
	require.NoError(t, os.WriteFile(path, testELFBytes(addr, payload), 0o644))
	return path
}

func readMsg(t *testing.T, conn *websocket.Conn) wokwi.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wokwi.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendStatus(t *testing.T, conn *websocket.Conn, ok bool, detail string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wokwi.Message{Type: wokwi.TypeStatus, OK: &ok, Detail: detail}))
}

func closeNormally(conn *websocket.Conn) {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	conn.Close()
}

// simEndpoint runs script for each simulator connection and records the
// message types it received.
func simEndpoint(t *testing.T, script func(conn *websocket.Conn, seen *[]wokwi.MessageType)) (*httptest.Server, *[]wokwi.MessageType) {
	t.Helper()
	seen := &[]wokwi.MessageType{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		script(conn, seen)
	}))
	return srv, seen
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRun_EndToEnd(t *testing.T) {
	elf := writeTestELF(t, 0x1000, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	srv, seen := simEndpoint(t, func(conn *websocket.Conn, seen *[]wokwi.MessageType) {
		defer conn.Close()
		for {
			msg := readMsg(t, conn)
			*seen = append(*seen, msg.Type)
			switch msg.Type {
			case wokwi.TypeSetChip:
				assert.Equal(t, "esp32", msg.Chip)
				sendStatus(t, conn, true, "")
			case wokwi.TypeUploadSegment:
				require.NotNil(t, msg.Address)
				assert.Equal(t, uint32(0x1000), *msg.Address)
				payload, err := msg.Payload()
				require.NoError(t, err)
				assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, payload)
				sendStatus(t, conn, true, "")
			case wokwi.TypeStart:
				require.NoError(t, conn.WriteJSON(wokwi.Message{
					Type: wokwi.TypeSerialData,
					Data: base64.StdEncoding.EncodeToString([]byte("hello from sim\n")),
				}))
				closeNormally(conn)
				return
			}
		}
	})
	defer srv.Close()

	var out bytes.Buffer
	err := Run(context.Background(), Config{
		ELFPath:   elf,
		Chip:      firmware.ESP32,
		Endpoint:  wsURL(srv),
		GDBAddr:   "127.0.0.1:0",
		SerialOut: &out,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello from sim\n", out.String())
	assert.Equal(t, []wokwi.MessageType{wokwi.TypeSetChip, wokwi.TypeUploadSegment, wokwi.TypeStart}, *seen)
}

func TestRun_HandshakeRejectedSendsNoUpload(t *testing.T) {
	elf := writeTestELF(t, 0x1000, []byte{1, 2, 3, 4})

	srv, seen := simEndpoint(t, func(conn *websocket.Conn, seen *[]wokwi.MessageType) {
		defer conn.Close()
		msg := readMsg(t, conn)
		*seen = append(*seen, msg.Type)
		sendStatus(t, conn, false, "invalid chip")

		// Collect anything else the client (wrongly) sends before it
		// hangs up.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m wokwi.Message
			if json.Unmarshal(data, &m) == nil {
				*seen = append(*seen, m.Type)
			}
		}
	})
	defer srv.Close()

	err := Run(context.Background(), Config{
		ELFPath:  elf,
		Chip:     firmware.ESP32,
		Endpoint: wsURL(srv),
		GDBAddr:  "127.0.0.1:0",
	})

	var pe *wokwi.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, wokwi.KindRejected, pe.Kind)
	assert.Equal(t, []wokwi.MessageType{wokwi.TypeSetChip}, *seen)
}

func TestRun_UploadRejectedAbortsBeforeStart(t *testing.T) {
	elf := writeTestELF(t, 0x1000, []byte{1, 2, 3, 4})

	srv, seen := simEndpoint(t, func(conn *websocket.Conn, seen *[]wokwi.MessageType) {
		defer conn.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wokwi.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			*seen = append(*seen, msg.Type)
			switch msg.Type {
			case wokwi.TypeSetChip:
				sendStatus(t, conn, true, "")
			case wokwi.TypeUploadSegment:
				sendStatus(t, conn, false, "flash error")
			case wokwi.TypeStart:
				t.Error("start must never follow a rejected upload")
			}
		}
	})
	defer srv.Close()

	err := Run(context.Background(), Config{
		ELFPath:  elf,
		Chip:     firmware.ESP32,
		Endpoint: wsURL(srv),
		GDBAddr:  "127.0.0.1:0",
	})

	var pe *wokwi.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, wokwi.KindUploadFailed, pe.Kind)
	assert.Equal(t, 0, pe.Segment)
	assert.NotContains(t, *seen, wokwi.TypeStart)
}

func TestRun_RemoteErrorIsTerminatingCause(t *testing.T) {
	elf := writeTestELF(t, 0x1000, []byte{1, 2, 3, 4})

	srv, _ := simEndpoint(t, func(conn *websocket.Conn, _ *[]wokwi.MessageType) {
		defer conn.Close()
		for {
			msg := readMsg(t, conn)
			switch msg.Type {
			case wokwi.TypeSetChip, wokwi.TypeUploadSegment:
				sendStatus(t, conn, true, "")
			case wokwi.TypeStart:
				require.NoError(t, conn.WriteJSON(wokwi.Message{
					Type: wokwi.TypeError,
					Text: "watchdog reset",
				}))
				closeNormally(conn)
				return
			}
		}
	})
	defer srv.Close()

	err := Run(context.Background(), Config{
		ELFPath:  elf,
		Chip:     firmware.ESP32,
		Endpoint: wsURL(srv),
		GDBAddr:  "127.0.0.1:0",
	})

	var re *wokwi.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "watchdog reset", re.Message)
}

func TestRun_BadImageFailsBeforeConnecting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-elf")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	err := Run(context.Background(), Config{
		ELFPath:  path,
		Chip:     firmware.ESP32,
		Endpoint: "ws://127.0.0.1:1", // must never be dialed
	})

	var fe *firmware.FormatError
	require.ErrorAs(t, err, &fe)
}

func TestRun_InterruptIsCleanExit(t *testing.T) {
	elf := writeTestELF(t, 0x1000, []byte{1, 2, 3, 4})

	srv, _ := simEndpoint(t, func(conn *websocket.Conn, _ *[]wokwi.MessageType) {
		defer conn.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wokwi.Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case wokwi.TypeSetChip, wokwi.TypeUploadSegment:
				sendStatus(t, conn, true, "")
			}
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, Config{
		ELFPath:  elf,
		Chip:     firmware.ESP32,
		Endpoint: wsURL(srv),
		GDBAddr:  "127.0.0.1:0",
	})
	assert.NoError(t, err)
}
