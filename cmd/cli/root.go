// Package cli implements the Cobra-based command-line interface for the
// packetrake scanner: the scan command, zombie discovery, and the shared
// configuration and logging setup.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packetrake/packetrake/internal/config"
	"github.com/packetrake/packetrake/internal/logging"
)

var (
	cfgFile   string
	verbose   bool
	logFormat string

	// cfg is populated by initConfig before any command runs.
	cfg *config.Config
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "packetrake",
	Short: "Raw-socket port scanner",
	Long: `Packetrake is a packet-level port scanner. It crafts its own TCP, UDP
and ICMP probes over raw sockets, supports SYN, connect, FIN, NULL, Xmas,
ACK, UDP and idle scan techniques, and paces probes with an adaptive rate
controller.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./packetrake.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
}

// initConfig loads the configuration file and sets up logging. Flag
// values override what the file says.
func initConfig() {
	path := cfgFile
	if path == "" {
		path = "packetrake.yaml"
	}

	loaded, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	initLogging()
}

// initLogging builds the default logger from the loaded configuration.
func initLogging() {
	logConfig := cfg.LoggerConfig()
	logConfig.AddSource = cfg.Logging.Level == "debug"

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
