package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinycache/kv/config"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.NewDefaultConfig(), nil
	}
	return config.LoadFile(configPath)
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.String("signal", sig.String()))
		globalCancel()
	}()

	rootCmd := &cobra.Command{
		Use:   "tinycache-bench",
		Short: "Transactional workload driver for tinycache atomic maps",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "", "config file path")
	rootCmd.AddCommand(
		newRunCommand(),
		newDumpCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		globalCancel()
		os.Exit(1)
	}
	globalCancel()
}
