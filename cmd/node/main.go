package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edgemesh/node/internal/node"
	"github.com/edgemesh/node/pkg/config"
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{Use: "edgemesh-node"}
	root.AddCommand(runCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the edge node process",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			return runNode(env)
		},
	}
	cmd.Flags().String("env", "", "environment config overlay to merge over config/default.yaml")
	return cmd
}

func runNode(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			logrus.SetLevel(lvl)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := node.New(ctx, cfg)
	if err != nil {
		return err
	}

	logrus.Info("edge node starting")
	err = n.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("node exited with error")
		return err
	}
	logrus.Info("edge node shut down cleanly")
	return nil
}
