package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/memtier"
)

// app carries the state shared by subcommands.
type app struct {
	v   *viper.Viper
	cfg Config
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "memtier",
		Short:         "Tiered semantic memory",
		Long:          "memtier stores text by meaning in three tiers (interact, insights, assets) and recalls it by similarity.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = cmd.OutOrStdout()
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().StringP("dir", "d", "", "memory directory (default ~/.memtier)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringP("format", "f", "", "output format: text or json")

	root.AddCommand(
		a.newRememberCmd(),
		a.newRecallCmd(),
		a.newGetCmd(),
		a.newForgetCmd(),
		a.newStatsCmd(),
		a.newPromoteCmd(),
		a.newServeCmd(),
		a.newBackupCmd(),
		a.newRestoreCmd(),
	)
	return root
}

// init applies defaults, environment, the config file and flags, in
// increasing precedence.
func (a *app) init(cmd *cobra.Command) error {
	v := a.v
	setDefaults(v)
	setupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("memtier")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/memtier")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("reading config: %w", err)
			}
		}
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"dir":       "dir",
		"log_level": "log-level",
		"format":    "format",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding %s flag: %w", flag, err)
			}
		}
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// withMemory opens the memory for the duration of fn.
func (a *app) withMemory(ctx context.Context, background bool, fn func(*memtier.Memory) error) (err error) {
	opts, err := a.cfg.memoryOptions(background)
	if err != nil {
		return err
	}
	mem, err := memtier.Open(ctx, a.cfg.Dir, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mem.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(mem)
}
