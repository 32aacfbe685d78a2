package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// app is the state shared by the commands once the config is loaded.
type app struct {
	cfgPath string
	cfg     config
	logger  *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "lmchat",
		Short: "Chat with a local language model",
		Long: `lmchat streams replies from an OpenAI-compatible server such as LM Studio or Ollama,
renders them as Markdown and shows the model's <think> reasoning collapsed or hidden.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "",
		"config file (default is $XDG_CONFIG_HOME/lmchat/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newModelsCmd(a),
	)
	return rootCmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat web interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) load(cmd *cobra.Command) error {
	explicit := cmd.Flags().Changed("config")
	if !explicit {
		cfgDir, err := defaultConfigDir()
		if err != nil {
			return err
		}
		a.cfgPath = filepath.Join(cfgDir, "config.yaml")
	}

	cfg, err := loadConfig(a.cfgPath, explicit)
	if err != nil {
		return err
	}
	level, err := cfg.level()
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// dataDir returns the directory next to the config file that holds the store, creating it if needed.
func (a *app) dataDir() (string, error) {
	dir := filepath.Dir(a.cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return dir, nil
}
