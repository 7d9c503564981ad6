package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/app/gateway"
	"github.com/canopy-network/chaingate/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Chain data gateway",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve queries and live event subscriptions",
		RunE:  runServe,
	}
	config.RegisterFlags(serveCmd.Flags())

	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// a missing .env is fine, everything has a default
	_ = godotenv.Load()

	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := gateway.Initialize(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	defer func() { _ = app.Logger.Sync() }()

	if err := gateway.NewServer(app); err != nil {
		app.Logger.Error("Unable to initialize server", zap.Error(err))
		return err
	}

	app.Start(ctx)
	return nil
}
