package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scadsmith/internal/config"
	"scadsmith/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scadsmith",
	Short: "scadsmith - iterative OpenSCAD design with a language model",
	Long: `scadsmith turns a description of a physical part into OpenSCAD code,
renders it from several viewpoints, and revises it from your feedback and
the rendered images.

  scadsmith create "a wall bracket for a 25mm pipe"
  scadsmith iterate "make the screw holes countersunk"

State lives in .scadsmith/ inside the workspace.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.StateDir(resolveWorkspace()), cfg.Logging.Options()); err != nil {
			logger.Warn("File logging disabled", zap.Error(err))
		}
		logging.Boot("scadsmith %s in %s", cmd.Name(), resolveWorkspace())
		return nil
	},
}

// shutdown flushes loggers. It runs after every command, including failed ones.
func shutdown() {
	logging.CloseAll()
	if logger != nil {
		_ = logger.Sync()
	}
}

func init() {
	cobra.OnFinalize(shutdown)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.scadsmith/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Operation timeout")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(iterateCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath(resolveWorkspace())
}

// commandContext bounds a command by --timeout and cancels it on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
