// Package cli implements the mediaq command-line interface using Cobra.
// Configuration comes from $MEDIAQ_HOME/config.toml, overridden by MEDIAQ_*
// environment variables and then by flags.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mediaq/mediaq/internal/client"
	"github.com/mediaq/mediaq/internal/daemon"
)

var (
	cfgFile   string
	cfg       daemon.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "mediaq",
	Short: "mediaq coordinates media extraction jobs",
	Long: `mediaq queues media URLs, hands them to polling workers that extract
audio and subtitles, and stores the uploaded artifacts with quota and
retention enforcement.

Run 'mediaq serve' for the coordinator and 'mediaq worker' on each
extraction host.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $MEDIAQ_HOME/config.toml)")
	pf.String("server", "", "Coordinator URL for client commands")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text, json)")

	viper.SetEnvPrefix("MEDIAQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlag("server", pf.Lookup("server"))
	viper.BindPFlag("log.level", pf.Lookup("log-level"))
	viper.BindPFlag("log.format", pf.Lookup("log-format"))
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the config file, applies env and flag overrides and
// configures logging.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = daemon.LoadConfigFile(cfgFile)
	} else {
		cfg, err = daemon.LoadConfig()
	}
	if err != nil {
		return err
	}

	cfg.Logging.Level = override("log.level", cfg.Logging.Level)
	cfg.Logging.Format = override("log.format", cfg.Logging.Format)
	cfg.Worker.Server = override("server", cfg.Worker.Server)

	logCloser, err = daemon.SetupLogging(cfg.Logging)
	return err
}

// override returns the viper value for key when a flag or MEDIAQ_* env var
// set it, else fallback.
func override(key, fallback string) string {
	if viper.IsSet(key) {
		if v := viper.GetString(key); v != "" {
			return v
		}
	}
	return fallback
}

// newClient builds a coordinator client for operator commands.
func newClient() (*client.Client, error) {
	chunk, err := cfg.Storage.ChunkBytes()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Worker.Server, client.Options{ClientID: operatorID(), ChunkSize: chunk})
}

// operatorID names the CLI to the coordinator: the configured worker id, or
// "cli-<hostname>".
func operatorID() string {
	if id := override("worker.id", cfg.Worker.ID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "cli-" + host
}
