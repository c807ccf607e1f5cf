// Package bridge wires the pieces together: build the flash image, open the
// simulator session, upload and start, then run the serial relay and the
// debug proxy concurrently until the session ends or the process is
// interrupted.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/browser"
	"golang.org/x/sync/errgroup"

	"github.com/MabezDev/wokwi-server/firmware"
	"github.com/MabezDev/wokwi-server/gdbserver"
	"github.com/MabezDev/wokwi-server/logger"
	"github.com/MabezDev/wokwi-server/serial"
	"github.com/MabezDev/wokwi-server/wokwi"
)

// DefaultEndpoint is the simulator session endpoint.
const DefaultEndpoint = "wss://wokwi.com/api/ws/bridge"

// Config describes one bridge run.
type Config struct {
	// ELFPath is the firmware image to simulate.
	ELFPath string

	// Chip selects the simulated chip family.
	Chip firmware.Chip

	// Project optionally attaches to an existing simulator project.
	Project string

	// Endpoint is the simulator WebSocket endpoint. Defaults to DefaultEndpoint.
	Endpoint string

	// GDBAddr is the local debug listener address. Defaults to gdbserver.DefaultAddr.
	GDBAddr string

	// OpenBrowser opens the simulation URL in the default browser after start.
	OpenBrowser bool

	// SerialOut receives the device's console output. Defaults to os.Stdout.
	SerialOut io.Writer
}

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.GDBAddr == "" {
		c.GDBAddr = gdbserver.DefaultAddr
	}
	if c.SerialOut == nil {
		c.SerialOut = os.Stdout
	}
}

// Run drives one complete session. Any failure before simulation start is
// returned immediately with its stage-specific type so the caller can map it
// to an exit code. After start, the session runs until the transport closes
// or ctx is canceled; cancellation closes the session handle and lets every
// dependent task observe the closure.
func Run(ctx context.Context, cfg Config) error {
	cfg.defaults()

	img, err := firmware.Load(cfg.ELFPath, cfg.Chip)
	if err != nil {
		return err
	}
	logger.Info("firmware image built",
		"chip", img.Chip, "segments", len(img.Segments), "bytes", img.TotalBytes())

	client, err := wokwi.Connect(ctx, cfg.Endpoint, wokwi.Target{Chip: cfg.Chip, Project: cfg.Project})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Handshake(ctx); err != nil {
		return err
	}
	if err := client.Upload(ctx, img.Segments); err != nil {
		return err
	}
	if err := client.Start(); err != nil {
		return err
	}

	url := simulationURL(cfg, client.ID())
	fmt.Printf("Simulation running at:\n\n%s\n\nGDB server on %s\n\n", url, cfg.GDBAddr)
	if cfg.OpenBrowser {
		if err := browser.OpenURL(url); err != nil {
			logger.Warn("could not open browser", "url", url, "error", err)
		}
	}

	msgs, err := client.Messages(ctx)
	if err != nil {
		return err
	}

	// An external interrupt must close the session handle first; the
	// closure then propagates through the dispatcher to every task.
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	disp := wokwi.NewDispatcher()
	relay := serial.New(cfg.SerialOut)
	gdb := gdbserver.New(cfg.GDBAddr, client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx, msgs) })
	g.Go(func() error { return relay.Run(gctx, disp.Serial()) })
	g.Go(func() error { return gdb.Run(gctx, disp.Debug()) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		// Interrupt or deliberate teardown is a clean exit, but an explicit
		// error notification from the simulator still wins.
		if cause := disp.Cause(); cause != nil {
			return cause
		}
		return nil
	}
	return err
}

// simulationURL builds the page the user watches the simulation on.
func simulationURL(cfg Config, sessionID string) string {
	if cfg.Project != "" {
		return "https://wokwi.com/projects/" + cfg.Project
	}
	return fmt.Sprintf("https://wokwi.com/_alpha/wembed/?chip=%s&session=%s", cfg.Chip, sessionID)
}
