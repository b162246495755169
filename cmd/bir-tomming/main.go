// Command bir-tomming tracks the next waste pickup per category for one
// address served by BIR.
//
// Logging:
//   - Base logger is created from the persistent flags
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/klabast/wb-services/bir-tomming/internal/commands"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.NewRootCommand(version).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
