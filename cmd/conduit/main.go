package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/baxromumarov/conduit/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Demand-driven streams, flat-map and a priority run loop",
	Long: `conduit exercises the conduit library from the command line:
flat-mapping sequences under a concurrency bound, draining a priority
scheduler on a host loop, and hammering the lock-free MPSC queue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			loaded.Log.Level = logLevel
		}
		if flags.Changed("log-format") {
			loaded.Log.Format = logFormat
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		if noColor {
			color.NoColor = true
		}
		cfg = loaded
		logger = cfg.Logger(cmd.ErrOrStderr())
		return nil
	},
}

func main() {
	rootCmd.AddCommand(flatMapCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(queueCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text|json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	valueColor  = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.Faint)
)

// overrideInt copies the value of an explicitly set flag over the config
// default in dst.
func overrideInt(flags *pflag.FlagSet, name string, dst *int, v int) {
	if flags.Changed(name) {
		*dst = v
	}
}
