package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/internal/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configFile string
	logLevel   string

	v        = viper.New()
	fs       = afero.NewOsFs()
	cfg      *config.Config
	logger   = slog.Default()
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "ironca",
	Short: "IronCA issues and revokes certificates for self-operated CAs",
	Long: `IronCA runs certificate authorities whose private keys never leave an
external key custody service. Complete documentation is available at
https://github.com/jmcleod/ironca`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	PersistentPostRunE: func(*cobra.Command, []string) error {
		return closeLog()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exit(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn or error")
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func loadConfig(*cobra.Command, []string) error {
	c, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	l, closer, err := logging.New(fs, logging.Config{Level: c.LogLevel(), File: c.Logging.File})
	if err != nil {
		return err
	}
	cfg, logger, closeLog = c, l, closer
	slog.SetDefault(logger)
	return nil
}
