package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/bubble-relay/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "bubble-relay",
	Short:         "Relay chat messages to an LLM and stream replies into edited bubbles",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("bubble-relay exited with error")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error), overrides LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text), overrides LOG_FORMAT")
	rootCmd.PersistentFlags().Bool("with-caller", false, "Log caller")

	rootCmd.AddCommand(serveCmd, usageCmd)
}

// loadConfig reads .env, the environment and the optional TOML file, then
// sets up the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	withCaller, _ := cmd.Flags().GetBool("with-caller")
	initLogger(cfg.Log, withCaller, os.Stderr)

	if envErr != nil && !os.IsNotExist(envErr) {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig, withCaller bool, out io.Writer) {
	var writer io.Writer = out
	if strings.EqualFold(cfg.Format, "text") {
		writer = zerolog.ConsoleWriter{Out: out}
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	if withCaller {
		log.Logger = log.With().Caller().Logger()
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
