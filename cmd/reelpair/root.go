package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/reelpair/reelpair/internal/config"
)

// commandContext carries what every subcommand needs once flags are parsed.
type commandContext struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func (cc *commandContext) load(stderr io.Writer) error {
	if cc.configPath != "" {
		os.Setenv("REELPAIR_CONFIG", cc.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cc.cfg = cfg
	cc.logger = newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(cc.logger)
	return nil
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "reelpair",
		Short:         "Render before/after comparison reels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cc.load(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cc)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cc.configPath, "config", "c", "", "Configuration file path (TOML)")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newDoctorCommand(cc))
	rootCmd.AddCommand(newJobsCommand(cc))
	return rootCmd
}

// newLogger logs text to terminals and JSON everywhere else.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
