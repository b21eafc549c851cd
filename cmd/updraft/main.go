// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

// updraft runs the self-hosted update delivery service.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"updraft.dev/updraft"
	"updraft.dev/updraft/internal/cfgstruct"
	"updraft.dev/updraft/internal/fpath"
	"updraft.dev/updraft/internal/process"
	"updraft.dev/updraft/internal/version"
	"updraft.dev/updraft/registry"
	"updraft.dev/updraft/registrydb"
)

// AccountFlags defines the configuration for bootstrapping an account.
type AccountFlags struct {
	Email string `help:"email address of the new account" default:""`
	Name  string `help:"display name of the new account" default:""`
	Key   string `help:"friendly name of the first access key" default:"default"`

	updraft.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "updraft",
		Short: "Updraft update delivery server",
		RunE:  cmdRun,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the update delivery server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	versionCmd = &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		RunE:        cmdVersion,
		Annotations: map[string]string{"type": "helper"},
	}
	accountCmd = &cobra.Command{
		Use:   "account",
		Short: "Account management",
	}
	accountCreateCmd = &cobra.Command{
		Use:         "create",
		Short:       "Create an account and its first access key",
		RunE:        cmdAccountCreate,
		Annotations: map[string]string{"type": "helper"},
	}

	runCfg     updraft.Config
	setupCfg   updraft.Config
	accountCfg AccountFlags

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("updraft")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for updraft configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountCreateCmd)
	process.Bind(rootCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(accountCreateCmd, &accountCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := registrydb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening registry database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	blobs, err := updraft.OpenBlobs(ctx, runCfg.Blobs)
	if err != nil {
		return errs.New("error opening payload store: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, blobs.Close())
	}()

	cache, err := updraft.OpenLive(ctx, runCfg.Live.URL)
	if err != nil {
		return errs.New("error opening live gateway: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, cache.Close())
	}()

	peer, err := updraft.New(log, db, blobs, cache, runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("updraft configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"), nil)
}

func cmdVersion(cmd *cobra.Command, args []string) error {
	fmt.Println(version.Build)
	return nil
}

// cmdAccountCreate bootstraps an account with one access key. There is no
// external identity provider; the first operator account is provisioned here
// and further accounts are invited through it.
func cmdAccountCreate(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if accountCfg.Email == "" {
		return errs.New("--email is required")
	}

	db, err := registrydb.Open(ctx, log.Named("db"), accountCfg.Database)
	if err != nil {
		return errs.New("error opening registry database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	account, err := db.Accounts().Create(ctx, registry.Account{
		Email: accountCfg.Email,
		Name:  accountCfg.Name,
	})
	if err != nil {
		return err
	}

	secret, err := registry.GenerateAccessKeySecret()
	if err != nil {
		return err
	}
	_, err = db.AccessKeys().Create(ctx, registry.AccessKey{
		Digest:       registry.DigestAccessKey(secret),
		AccountID:    account.ID,
		FriendlyName: accountCfg.Key,
		CreatedBy:    "account create",
	})
	if err != nil {
		return err
	}

	fmt.Printf("created account %s\n\n", account.Email)
	fmt.Printf("access key (shown only this once):\n\n\t%s\n", secret)
	return nil
}

func main() {
	process.Exec(rootCmd)
}
