package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/constants"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage " + constants.AppName + " configuration",
		Long: `Configuration management commands for ` + constants.AppName + `.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// configPath returns the --config value or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup.

The configuration is saved to ~/.config/edgestore/config unless --config is given.
The proxy password is never saved; you are prompted for it when needed.

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg := runConfigInit(newPrompter(cmd.InOrStdin(), out), out)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			fmt.Fprintf(out, "\n✓ Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// runConfigInit asks for every setting, offering defaults.
func runConfigInit(p *prompter, out io.Writer) *config.Config {
	cfg := config.NewConfig()

	fmt.Fprintln(out, "Edge Store Configuration Setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	cfg.BaseURL = p.ask("Base URL (e.g. https://app.example.com)", "")
	cfg.APIPath = p.ask("API path", cfg.APIPath)
	cfg.Buckets = config.ParseBuckets(p.ask("Buckets (comma-separated)", ""))
	cfg.Environment = p.ask("Environment (production or development)", cfg.Environment)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Upload Settings (press Enter for defaults)")
	fmt.Fprintln(out, "------------------------------------------")
	cfg.MaxConcurrentUploads = askInt(p, "Concurrent uploads", cfg.MaxConcurrentUploads)
	cfg.Multipart.MaxParallelParts = askInt(p, "Parallel parts per upload", cfg.Multipart.MaxParallelParts)
	cfg.Multipart.MaxPartRetries = askInt(p, "Retries per part", cfg.Multipart.MaxPartRetries)

	fmt.Fprintln(out)
	if p.confirm("Configure proxy?") {
		fmt.Fprintln(out, "Proxy modes: no-proxy, system, basic, ntlm")
		cfg.ProxyMode = p.ask("Proxy mode", "system")
		if cfg.ProxyMode == "basic" || cfg.ProxyMode == "ntlm" {
			cfg.ProxyHost = p.ask("Proxy host", "")
			cfg.ProxyPort = askInt(p, "Proxy port", 8080)
			cfg.ProxyUser = p.ask("Proxy user", "")
			cfg.NoProxy = p.ask("Bypass hosts (no_proxy)", "")
		}
	}

	return cfg
}

func askInt(p *prompter, label string, def int) int {
	answer := p.ask(label, strconv.Itoa(def))
	if v, err := strconv.Atoi(answer); err == nil && v >= 0 {
		return v
	}
	return def
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration.

This command shows the merged configuration from:
  1. Configuration file (~/.config/edgestore/config)
  2. Environment variables (EDGESTORE_BASE_URL, EDGESTORE_ENV)
  3. Command-line flags (--base-url, --api-path, --max-concurrent, --dev)

Priority: flags > environment > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			applyFlags(cfg)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Current Configuration")
			fmt.Fprintln(out, "=====================")
			fmt.Fprint(out, cfg.String())
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Configuration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "  (file does not exist - using defaults)")
			}
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  %s\n", path)
			if fileInfo, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Status: ✓ File exists")
				fmt.Fprintf(out, "Modified: %s\n", fileInfo.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: File does not exist")
				fmt.Fprintf(out, "Create a configuration file with: %s config init\n", constants.AppName)
			}
			return nil
		},
	}
}
