// Package gdbserver exposes the remote simulator's debug stub as a local TCP
// endpoint speaking standard GDB remote-protocol framing. Once a packet
// boundary is identified the proxy is a byte-transparent relay; packet
// semantics belong to the debugger and the simulator.
package gdbserver

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/MabezDev/wokwi-server/logger"
	"github.com/MabezDev/wokwi-server/metrics"
)

// DefaultAddr is the documented local debug endpoint. From the debugger's
// side it is indistinguishable from a directly attached debug stub.
const DefaultAddr = "127.0.0.1:9333"

// Upstream is the session-side sink for debug packets. *wokwi.Client
// satisfies it.
type Upstream interface {
	SendDebug(data []byte) error
}

// debugConn is one attached local debugger. The write mutex keeps upstream
// responses and local acks from interleaving on the socket.
type debugConn struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

func (d *debugConn) write(data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.conn.Write(data)
	return err
}

// Server is the local debug proxy. It accepts debugger connections on a fixed
// TCP address and relays framed packets to the session, and debug-read
// payloads back to the active connection in arrival order. Only one debugger
// may be attached at a time; concurrent attach attempts are rejected with
// ErrDebuggerBusy.
type Server struct {
	addr     string
	upstream Upstream

	mu         sync.Mutex
	active     *debugConn
	listenAddr string
}

// New creates a Server listening on addr once Run is called.
func New(addr string, upstream Upstream) *Server {
	return &Server{addr: addr, upstream: upstream}
}

// Run listens for debugger connections and relays until debugCh closes
// (session over) or ctx is canceled. Per-connection failures drop only the
// offending connection; Run keeps accepting.
func (s *Server) Run(ctx context.Context, debugCh <-chan []byte) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	logger.Info("GDB server listening", "addr", ln.Addr().String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pump(ctx, debugCh)
	}()
	go func() {
		// Session close or interrupt unblocks Accept.
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
				return nil
			default:
				return err
			}
		}

		dc := &debugConn{id: uuid.NewString(), conn: conn}
		if err := s.attach(dc); err != nil {
			logger.Warn("rejecting debugger connection",
				"remote", conn.RemoteAddr().String(), "error", err)
			metrics.DebugConnectionBusy()
			_ = conn.Close()
			continue
		}

		metrics.DebugConnectionAccepted()
		go s.serve(dc)
	}
}

// Addr returns the bound listen address once Run has started, useful when
// listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// attach claims the single debug channel for dc.
func (s *Server) attach(dc *debugConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrDebuggerBusy
	}
	s.active = dc
	return nil
}

func (s *Server) detach(dc *debugConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == dc {
		s.active = nil
	}
}

// pump is the single consumer of debug-read payloads, which preserves their
// arrival order on the local socket. Payloads arriving with no debugger
// attached are dropped.
func (s *Server) pump(ctx context.Context, debugCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-debugCh:
			if !ok {
				// Session is over: hang up on the attached debugger.
				s.mu.Lock()
				if s.active != nil {
					_ = s.active.conn.Close()
				}
				s.mu.Unlock()
				return
			}

			s.mu.Lock()
			dc := s.active
			s.mu.Unlock()

			if dc == nil {
				logger.Debug("dropping debug response, no debugger attached", "bytes", len(data))
				continue
			}
			if err := dc.write(data); err != nil {
				logger.Warn("write to debugger failed", "conn", dc.id, "error", err)
				continue
			}
			metrics.DebugPacketToDebugger()
		}
	}
}

// serve relays one debugger connection: Attached -> Relaying -> Closed.
func (s *Server) serve(dc *debugConn) {
	defer func() {
		s.detach(dc)
		_ = dc.conn.Close()
		logger.Info("debugger disconnected", "conn", dc.id)
	}()

	logger.Info("debugger attached", "conn", dc.id, "remote", dc.conn.RemoteAddr().String())

	// The stub greets the debugger with an ack.
	if err := dc.write([]byte{ackByte}); err != nil {
		return
	}

	fr := newFrameReader(dc.conn)
	for {
		f, err := fr.next()
		if err != nil {
			var fe *FramingError
			switch {
			case errors.As(err, &fe):
				logger.Warn("dropping debugger connection", "conn", dc.id, "error", fe)
			case errors.Is(err, net.ErrClosed):
				// Session teardown closed the socket under us.
			default:
				logger.Debug("debugger read ended", "conn", dc.id, "error", err)
			}
			return
		}

		switch f.kind {
		case frameInterrupt:
			logger.Debug("debugger interrupt", "conn", dc.id)
			if err := s.upstream.SendDebug(f.raw); err != nil {
				logger.Warn("forward interrupt failed", "conn", dc.id, "error", err)
				return
			}

		case frameAck, frameNak:
			// Local flow control only, never forwarded.

		case framePacket:
			if !f.checksumOK {
				logger.Warn("bad packet checksum from debugger", "conn", dc.id)
				if err := dc.write([]byte{nakByte}); err != nil {
					return
				}
				continue
			}
			if err := dc.write([]byte{ackByte}); err != nil {
				return
			}
			if err := s.upstream.SendDebug(f.raw); err != nil {
				logger.Warn("forward packet failed", "conn", dc.id, "error", err)
				return
			}
			metrics.DebugPacketToTarget()
		}
	}
}
