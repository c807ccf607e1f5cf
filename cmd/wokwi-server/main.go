package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MabezDev/wokwi-server/firmware"
	"github.com/MabezDev/wokwi-server/wokwi"
)

// Process exit codes, distinct per failure stage so build-tool runners can
// tell causes apart.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitImage     = 2
	exitConnect   = 3
	exitHandshake = 4
	exitUpload    = 5
)

// exitCode maps a run error to its stage's exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var formatErr *firmware.FormatError
	var layoutErr *firmware.LayoutError
	if errors.As(err, &formatErr) || errors.As(err, &layoutErr) {
		return exitImage
	}

	var connectErr *wokwi.ConnectError
	if errors.As(err, &connectErr) {
		return exitConnect
	}

	var protoErr *wokwi.ProtocolError
	if errors.As(err, &protoErr) {
		switch protoErr.Kind {
		case wokwi.KindUploadFailed:
			return exitUpload
		case wokwi.KindRejected, wokwi.KindTimeout:
			return exitHandshake
		}
	}

	return exitGeneric
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
