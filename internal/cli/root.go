// Package cli implements the servekit command.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Log formats accepted by --log-format.
const (
	logFormatJSON    = "json"
	logFormatConsole = "console"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

// NewRootCommand returns the servekit command tree. Output goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "servekit",
		Short:         "Run and probe servekit services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", logFormatJSON, "log format: json or console")

	cmd.AddCommand(newServeCommand(opts), newProbeCommand(opts))
	return cmd
}

// Execute runs the command tree against os.Args and exits non-zero on error.
func Execute() {
	cmd := NewRootCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *rootOptions) logger(out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("--log-level: %w", err)
	}

	switch o.logFormat {
	case logFormatJSON:
	case logFormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("--log-format %q: want json or console", o.logFormat)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
