package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MabezDev/wokwi-server/bridge"
	"github.com/MabezDev/wokwi-server/firmware"
	"github.com/MabezDev/wokwi-server/gdbserver"
	"github.com/MabezDev/wokwi-server/logger"
	"github.com/MabezDev/wokwi-server/metrics"
	"github.com/MabezDev/wokwi-server/version"
)

const shutdownGrace = 5 * time.Second

var (
	flagChip        string
	flagProject     string
	flagEndpoint    string
	flagGDBAddr     string
	flagMetricsAddr string
	flagConfig      string
	flagWatch       bool
	flagOpen        bool
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "wokwi-server ELF",
	Short:         "Bridge a local firmware ELF to the Wokwi chip simulator",
	Version:       version.GetVersion(),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true, // Don't print usage on error
	SilenceErrors: true, // main prints the error with its exit code
	Long: `wokwi-server uploads a locally built firmware ELF to the Wokwi cloud chip
simulator, streams the simulated serial console to stdout, and exposes the
simulator's GDB stub on a local TCP port so a standard debugger can attach
as if the hardware were on your desk.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if cmd.Flags().Changed("verbose") {
			logger.SetVerbose(flagVerbose)
		}
	},
	RunE: runBridge,
}

func init() {
	rootCmd.SetVersionTemplate(version.GetVersionInfo() + "\n")

	flags := rootCmd.Flags()
	flags.StringVarP(&flagChip, "chip", "c", "esp32", "target chip (esp32, esp32s2, esp32s3, esp32c3, esp32c6, esp32h2)")
	flags.StringVarP(&flagProject, "project", "p", "", "attach to an existing Wokwi project ID instead of an ad-hoc session")
	flags.StringVar(&flagEndpoint, "endpoint", bridge.DefaultEndpoint, "simulator WebSocket endpoint")
	flags.StringVar(&flagGDBAddr, "gdb-addr", gdbserver.DefaultAddr, "local GDB server listen address")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
	flags.StringVar(&flagConfig, "config", "", "YAML config file (default "+defaultConfigFile+" if present)")
	flags.BoolVarP(&flagWatch, "watch", "w", false, "watch the ELF and restart the session when it is rebuilt")
	flags.BoolVar(&flagOpen, "open", false, "open the simulation URL in the default browser")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func runBridge(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadFileConfig(flagConfig)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	chipName := pick(flags.Changed("chip"), flagChip, fileCfg.Chip)
	chip, err := firmware.ParseChip(chipName)
	if err != nil {
		return err
	}

	cfg := bridge.Config{
		ELFPath:     args[0],
		Chip:        chip,
		Project:     pick(flags.Changed("project"), flagProject, fileCfg.Project),
		Endpoint:    pick(flags.Changed("endpoint"), flagEndpoint, fileCfg.Endpoint),
		GDBAddr:     pick(flags.Changed("gdb-addr"), flagGDBAddr, fileCfg.GDBAddr),
		OpenBrowser: flagOpen,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := pick(flags.Changed("metrics-addr"), flagMetricsAddr, fileCfg.MetricsAddr); addr != "" {
		exporter := metrics.NewExporter(addr)
		go func() {
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics exporter failed", "addr", addr, "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = exporter.Shutdown(sctx)
		}()
		logger.Info("metrics exporter started", "addr", addr)
	}

	if flagWatch {
		return bridge.RunWatch(ctx, cfg)
	}
	return bridge.Run(ctx, cfg)
}

// pick resolves one setting: an explicitly set flag wins, then the config
// file, then the flag's default value.
func pick(flagSet bool, flagVal, fileVal string) string {
	if flagSet || fileVal == "" {
		return flagVal
	}
	return fileVal
}
