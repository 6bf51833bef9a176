package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "klinevision"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Historical kline retrieval with layered failover",
		Version: version,
		Long: `klinevision retrieves historical OHLCV candlesticks for a (symbol,
interval, market, time-range) and returns a normalized, temporally-ordered
table.

Per UTC day, sources are consulted in priority order: the local columnar
cache, the bulk archive, then the live REST endpoint. Days fetched from the
network are written back to the cache so immutable history is downloaded at
most once.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration")
	rootCmd.PersistentFlags().String("cache-dir", "", "Override the cache root directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		levelStr, _ := cmd.Flags().GetString("log-level")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newChecksumsCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
