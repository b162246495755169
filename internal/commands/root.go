// Package commands implements the bir-tomming command line.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/klabast/wb-services/bir-tomming/internal/config"
	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

// globals holds the persistent flags and the logger built from them.
type globals struct {
	home      string
	logLevel  string
	logFormat string
	logFile   string

	logger    *slog.Logger
	logCloser io.Closer
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "bir-tomming",
		Short:         "Next waste pickup dates from BIR",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, closer, err := logging.New(logging.Options{
				Level:  g.logLevel,
				Format: g.logFormat,
				File:   g.logFile,
			})
			if err != nil {
				return err
			}
			g.logger, g.logCloser = logger, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if g.logCloser != nil {
				return g.logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.home, "home", "", "home directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "write logs to a rotated file instead of stderr")

	root.AddCommand(
		newServeCommand(g),
		newSetupCommand(g),
		newHashPasswordCommand(g),
		newVersionCommand(version),
	)
	return root
}

// dir resolves the home directory from --home or the platform default.
func (g *globals) dir() (config.Dir, error) {
	if g.home != "" {
		return config.NewDir(g.home), nil
	}
	return config.DefaultDir()
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
