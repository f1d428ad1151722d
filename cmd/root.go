// Package cmd wires the strand CLI.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/strand/internal/config"
	"github.com/zjrosen/strand/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "strand",
	Short:   "A local agent message bus",
	Long:    `Strand is a subject-routed message bus with durable per-endpoint mailboxes, budget-enforced envelopes, and adapters bridging external chat platforms to agent sessions.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.strand/strand.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("relay.breaker.enabled", defaults.Relay.Breaker.Enabled)
	viper.SetDefault("relay.breaker.failure_threshold", defaults.Relay.Breaker.FailureThreshold)
	viper.SetDefault("relay.breaker.cooldown_ms", defaults.Relay.Breaker.CooldownMs)
	viper.SetDefault("relay.breaker.success_to_close", defaults.Relay.Breaker.SuccessToClose)
	viper.SetDefault("relay.rate_limit.window_secs", defaults.Relay.RateLimit.WindowSecs)
	viper.SetDefault("relay.rate_limit.max_per_window", defaults.Relay.RateLimit.MaxPerWindow)
	viper.SetDefault("relay.backpressure.enabled", defaults.Relay.Backpressure.Enabled)
	viper.SetDefault("relay.backpressure.max_mailbox_size", defaults.Relay.Backpressure.MaxMailboxSize)
	viper.SetDefault("relay.backpressure.pressure_warning_at", defaults.Relay.Backpressure.PressureWarningAt)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	viper.SetEnvPrefix("STRAND")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".strand"))
		viper.SetConfigName("strand")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// First run: write the default config so operators have a file
		// to edit. Continue on defaults if the write fails.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			home, _ := os.UserHomeDir()
			defaultPath := filepath.Join(home, ".strand", "strand.yaml")
			if writeErr := config.WriteDefault(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	if cfg.Debug || debugFlag || os.Getenv("STRAND_DEBUG") != "" {
		logPath := os.Getenv("STRAND_LOG")
		if logPath == "" {
			logPath = "strand-debug.log"
		}
		if _, err := log.Init(logPath); err != nil {
			fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
		}
		log.SetMinLevel(log.LevelDebug)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
