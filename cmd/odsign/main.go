package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgelesssys/odsign/odsign/core"
	"github.com/edgelesssys/odsign/odsign/rt"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	logLevel     string
	logFile      string
	forceCompile bool
	noCompOs     bool
)

var rootCmd = &cobra.Command{
	Use:   "odsign",
	Short: "Verifies or signs on-device compiled ART artifacts at boot",
	Long: `odsign runs once per boot. It makes sure that the ART artifacts compiled on
this device are covered by a manifest signed with the device's own key,
compiling and signing new artifacts where needed. The outcome is published
through system properties.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			abort(core.DefaultConfig())
			return err
		}
		if err := rt.InitLog(cfg.LogLevel, cfg.LogFile); err != nil {
			abort(cfg)
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "odsign config file location, defaults are used if empty")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets odsign log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets odsign log path. If console is specified the log will be output to stderr")
	rootCmd.PersistentFlags().BoolVar(&forceCompile, "force-compile", false, "recompile all artifacts, even if they are up to date")
	rootCmd.PersistentFlags().BoolVar(&noCompOs, "no-compos", false, "ignore artifacts compiled by CompOs")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		exit(err)
	}
}

// loadConfig layers the config file, the environment and the flags on top of the defaults.
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfg := core.DefaultConfig()
	var err error
	if configPath != "" {
		if cfg, err = core.ReadConfig(configPath, cfg); err != nil {
			return core.Config{}, err
		}
	}
	if cfg, err = core.FillConfigFromEnvironment(cfg); err != nil {
		return core.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-file") || cfg.LogFile == "" {
		cfg.LogFile = logFile
	}
	if forceCompile {
		cfg.ForceCompile = true
	}
	if noCompOs {
		cfg.UseCompOs = false
	}
	return cfg, nil
}
