package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleybot/parley/internal/channels/telegram"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/logging"
	"github.com/parleybot/parley/internal/svc"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Multi-provider conversational assistant for Telegram",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("parley", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.AddCommand(versionCmd)
}

func serve() error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is not configured")
	}

	svcCtx, err := svc.NewServiceContext(c)
	if err != nil {
		return err
	}

	adapter, err := telegram.New(c.Telegram.Token, svcCtx.Engine)
	if err != nil {
		svcCtx.Close()
		return err
	}
	if err := svcCtx.StartMaintenance(); err != nil {
		svcCtx.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("received %v, shutting down", sig)
		svcCtx.Close()
	}()

	// Blocks until the adapter is stopped during shutdown.
	svcCtx.StartTransport(adapter)
	return nil
}
