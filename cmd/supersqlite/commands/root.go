// Package commands implements the supersqlite command line.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/plasticityai/supersqlite/internal/config"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "supersqlite",
	Short: "Read remote SQLite databases over HTTP range requests",
	Long: `supersqlite serves read-only SQLite database files that live on an HTTP
server or in S3. Byte ranges are fetched on demand, kept in an adaptive
cache, and prefetched ahead of sequential scans and around hot regions.

Use "supersqlite [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// loadConfig builds the configuration from defaults, the config file and
// the environment, in that order, and initializes logging from it.
func loadConfig() (*config.Configuration, io.Closer, error) {
	cfg := config.NewDefault()

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, nil, fmt.Errorf("configuration file not found: %s", cfgFile)
		}
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := utils.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, closer, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
