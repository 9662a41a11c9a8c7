// Package cli provides the command-line interface for edgestore-int.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/constants"
	"github.com/rescale/edgestore-int/internal/http"
	"github.com/rescale/edgestore-int/internal/logging"
	"github.com/rescale/edgestore-int/internal/version"
)

var (
	// Global flags
	cfgFile       string
	baseURL       string
	apiPath       string
	maxConcurrent int
	devMode       bool
	verbose       bool
	debug         bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: "Upload files to an edge store bucket",
		Long: constants.AppName + ` ` + version.Version + ` - Built: ` + version.BuildTime + `
Command-line client for an edge store service.

Files are uploaded to presigned storage URLs issued by the service. Large
files are split into parts that upload in parallel and are retried
individually.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Origin of the application serving the edge store handler (overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiPath, "api-path", "", "Base path of the edge store handler (overrides config)")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum files uploading at once (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Development mode: resolve protected URLs through the proxy-file endpoint")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for ` + constants.AppName + `.

QUICK TEST (temporary, current session only):
  source <(` + constants.AppName + ` completion bash)`,
	}
	completionCmd.AddCommand(
		&cobra.Command{
			Use:   "bash",
			Short: "Generate bash completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootCmd.Root().GenBashCompletion(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "zsh",
			Short: "Generate zsh completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootCmd.Root().GenZshCompletion(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "fish",
			Short: "Generate fish completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootCmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			},
		},
		&cobra.Command{
			Use:   "powershell",
			Short: "Generate PowerShell completion script",
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootCmd.Root().GenPowerShellCompletion(cmd.OutOrStdout())
			},
		},
	)
	rootCmd.AddCommand(completionCmd)

	// Disable default completion command (we're adding our own above)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	// Create a context that can be cancelled by signals
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop to handle multiple signals (e.g., user pressing Ctrl+C multiple times)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\n\nReceived signal %v, cancelling uploads...\n\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newConfirmCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newBucketsCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// loadConfig loads the config file and merges environment variables and flags.
// Priority: flags > environment > config file > defaults
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)

	if !verbose && !debug && cfg.LogLevel != "" {
		logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if http.NeedsProxyPassword(cfg) {
		password, err := promptProxyPassword(cfg.ProxyUser, cfg.ProxyHost)
		if err != nil {
			return nil, err
		}
		cfg.ProxyPassword = password
	}

	return cfg, nil
}

// applyFlags overrides cfg with any global flags that were set.
func applyFlags(cfg *config.Config) {
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if apiPath != "" {
		cfg.APIPath = apiPath
	}
	if maxConcurrent > 0 {
		cfg.MaxConcurrentUploads = maxConcurrent
	}
	if devMode {
		cfg.Environment = constants.EnvironmentDevelopment
	}
}
