package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	logLevel    string
	configPath  string
	redisAddr   string
	group       string
	participant string
	memory      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "cricket",
		Short:         "Bind terminal sessions and websockets to realtime channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(rf.logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&rf.logLevel, "log-level", "info", "zerolog level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&rf.configPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&rf.redisAddr, "redis-addr", "", "redis address host:port (default localhost:6379)")
	cmd.PersistentFlags().StringVar(&rf.group, "group", "", "redis consumer group prefix (default cricket)")
	cmd.PersistentFlags().StringVar(&rf.participant, "participant", "", "participant identity (default generated)")
	cmd.PersistentFlags().BoolVar(&rf.memory, "memory", false, "use the in-process hub instead of redis")

	cmd.AddCommand(newJoinCmd(rf))
	cmd.AddCommand(newServeCmd(rf))
	return cmd
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return nil
}
