// ./main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/pagepulse/cmd"
	"github.com/xkilldash9x/pagepulse/internal/observability"
)

// panicLogFile receives the stack of an unrecovered panic.
const panicLogFile = "pagepulse-panic.log"

var (
	osExit      = os.Exit
	osWriteFile = os.WriteFile
)

func main() {
	defer handlePanic()

	// SIGINT/SIGTERM cancel the context so watch and tail shut down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		osExit(1)
	}
}

// handlePanic flushes the logger, writes the stack to panicLogFile and exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write panic log: %v\n%s\n", err, msg)
	} else {
		fmt.Fprintf(os.Stderr, "pagepulse crashed; details written to %s\n", panicLogFile)
	}
	osExit(2)
}
