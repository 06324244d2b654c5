package main

import (
	"fmt"
	"os"

	"github.com/fentz26/agentpool/internal/config"
	"github.com/fentz26/agentpool/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentpool",
	Short: "agentpool - coding agent pool orchestrator",
	Long: `agentpool dispatches coding tasks to a pool of agent processes over a
message bus and gives every conversation its own git worktree.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
	cfgFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://"+config.DefaultListen, "API server address")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.agentpool/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{"log-level": "log.level"})

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentpool", version)
	},
}

// bindFlags maps command flags onto config keys so a flag set on the command
// line beats the file and the environment.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if f := fs.Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

// loadConfig reads and validates the configuration. Invalid values abort
// startup.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	loader := config.NewLoaderWithViper(viper.GetViper()).WithConfigFile(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(cfg.Log)
	if f := loader.File(); f != "" {
		logger.Debug().Str("file", f).Msg("config loaded")
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
