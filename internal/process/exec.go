// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// Package process unifies command line flags, configuration loading,
// logging and lifecycle for updraft binaries.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"updraft.dev/updraft/internal/cfgstruct"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("process")

var (
	mu       sync.Mutex
	contexts = map[*cobra.Command]context.Context{}
	cancels  = map[*cobra.Command]context.CancelFunc{}
	configs  = map[*cobra.Command][]interface{}{}
)

// Bind sets flags on a command that match the configuration struct
// 'config'. It ensures that the config has all of the values loaded into it
// when the command runs.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	mu.Lock()
	defer mu.Unlock()

	cfgstruct.Bind(cmd.Flags(), config, opts...)
	configs[cmd] = append(configs[cmd], config)
}

// Ctx returns the appropriate context.Context for ExecuteWithConfig commands.
// The context is canceled on SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	mu.Lock()
	defer mu.Unlock()

	if ctx, ok := contexts[cmd]; ok {
		return ctx, cancels[cmd]
	}

	ctx, cancel := context.WithCancel(context.Background())
	contexts[cmd] = ctx
	cancels[cmd] = cancel

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-signals:
			zap.L().Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Exec runs a Cobra command. Before the command runs it loads the
// configuration file into any flags that were not set on the command line,
// and replaces the global logger.
func Exec(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cmd.SilenceUsage = true
	cleanup(cmd)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Viper creates a viper instance prewired for the command's configuration
// directory and the process environment.
func Viper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}

	vip.SetEnvPrefix("updraft")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if confDir := findConfigDir(cmd); confDir != "" {
		vip.SetConfigFile(filepath.Join(confDir, "config.yaml"))
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
				return nil, Error.Wrap(err)
			}
		}
	}

	return vip, nil
}

func underlying(err error) error {
	if pathErr, ok := err.(*os.PathError); ok {
		return pathErr.Err
	}
	return err
}

func findConfigDir(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if f := c.PersistentFlags().Lookup("config-dir"); f != nil {
			return f.Value.String()
		}
	}
	return ""
}

func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.Run != nil {
		panic("Run is not allowed with process.Exec, use RunE")
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		vip, err := Viper(cmd)
		if err != nil {
			return err
		}

		// hand the configuration file and environment values over to any
		// flag that was not explicitly set on the command line.
		var brokenKeys []string
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !vip.IsSet(f.Name) {
				return
			}
			value := vip.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprint(value)); err != nil {
				brokenKeys = append(brokenKeys, f.Name)
			}
		})

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		zap.ReplaceGlobals(logger)

		for _, key := range brokenKeys {
			logger.Warn("invalid configuration value", zap.String("key", key))
		}

		err = internalRun(cmd, args)
		if err != nil {
			logger.Error("unrecoverable error", zap.Error(err))
		}
		return err
	}
}
