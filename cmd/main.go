// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/config"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "sngateway",
	Short: "MQTT-SN to MQTT gateway",
	Long: `sngateway bridges MQTT-SN clients on a UDP sensor network to an
upstream MQTT broker. Settings are read from an optional YAML or JSON config
file and may be overridden by SNGW_ prefixed environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sngateway %s (%s %s/%s)\n", gateway.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a dotenv file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Default().Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var data []byte
	if cfgFile != "" {
		b, err := os.ReadFile(cfgFile)
		if err != nil {
			return err
		}
		data = b
	}

	opts, err := config.Load(data, os.Stdout)
	if err != nil {
		return err
	}

	g := gateway.New(opts)
	if err := g.Serve(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case <-ctx.Done():
		g.Log.Warn("caught signal, stopping...")
	case err := <-done:
		if err != nil {
			g.Log.Error("gateway task failed", "error", err)
		}
	}

	if err := g.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	g.Log.Info("main.go finished")
	return nil
}
