// Package commands implements the CLI commands for the bamcache maintenance tool.
package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gophersatwork/bamcache"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

// CLI represents the command line interface for bamcache.
type CLI struct {
	rootCmd *cobra.Command
	options []bamcache.Option

	configPath string
	root       string
	logLevel   string

	cache *bamcache.Cache
}

// New creates a new CLI instance. The options are passed on to the cache
// after those derived from the configuration.
func New(options ...bamcache.Option) *CLI {
	rootCmd := &cobra.Command{
		Use:           "bamcache",
		Short:         "Inspect and maintain a model cache directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.InitDefaultHelpFlag()
	rootCmd.Flags().Lookup("help").Usage = "Show help for command"

	c := &CLI{
		rootCmd: rootCmd,
		options: options,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Config file (keys may also be set as BAMCACHE_* variables)")
	flags.StringVarP(&c.root, "root", "r", "", "Cache root (default: model-cache-dir, else ~/.cache/bamcache)")
	flags.StringVar(&c.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		return c.openCache()
	}
	rootCmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		if c.cache == nil {
			return nil
		}
		return c.cache.Close()
	}

	rootCmd.AddCommand(c.newLsCmd())
	rootCmd.AddCommand(c.newStatsCmd())
	rootCmd.AddCommand(c.newPruneCmd())
	rootCmd.AddCommand(c.newRmCmd())
	rootCmd.AddCommand(c.newRebuildCmd())
	rootCmd.AddCommand(c.newClearCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// openCache resolves the configuration and opens the cache for the
// subcommand about to run.
func (c *CLI) openCache() error {
	cfg, err := bamcache.LoadConfig(c.configPath)
	if err != nil {
		return err
	}

	if c.root != "" {
		root, err := homedir.Expand(c.root)
		if err != nil {
			return fmt.Errorf("failed to expand root: %w", err)
		}
		if cfg.Dir, err = filepath.Abs(root); err != nil {
			return fmt.Errorf("failed to resolve root: %w", err)
		}
	}
	if cfg.Dir == "" {
		if cfg.Dir, err = defaultRoot(); err != nil {
			return err
		}
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}

	logger, err := bamcache.NewLogger(cfg)
	if err != nil {
		return err
	}

	options := append([]bamcache.Option{bamcache.WithLogger(logger)}, c.options...)
	cache, err := bamcache.OpenConfig(cfg, options...)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	c.cache = cache
	return nil
}

func defaultRoot() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "bamcache"), nil
}
