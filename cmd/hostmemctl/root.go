package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	logger   = slog.New(slog.NewTextHandler(io.Discard, nil))
)

var rootCmd = &cobra.Command{
	Use:   "hostmemctl",
	Short: "Inspect how host memory regions are fragmented and reclaimed",
	Long: `hostmemctl exercises the host pointer manager outside of a driver. It can show how
a region is split into page-aligned fragments, and replay scenarios of acquires, engine
submissions and releases against simulated engines.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		err := level.UnmarshalText([]byte(logLevel))
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", logLevel)
		}

		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseAddress accepts decimal, 0x-prefixed hex, 0o-prefixed octal and 0b-prefixed binary values
func parseAddress(value string, name string) (uintptr, error) {
	parsed, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, value)
	}
	if uint64(uintptr(parsed)) != parsed {
		return 0, errors.Newf("%s %q does not fit in a pointer", name, value)
	}
	return uintptr(parsed), nil
}
