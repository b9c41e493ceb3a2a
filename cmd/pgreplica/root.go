package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mpark/pgreplica"
)

var (
	cfg    pgreplica.Config
	logger zerolog.Logger

	// logWriter is the base console/JSON sink built in PersistentPreRunE.
	// tail.go combines it with the status collector via io.MultiWriter once
	// --status-addr or --tui is requested, so log lines also reach the
	// dashboard and the status server's /logs endpoint.
	logWriter io.Writer

	host            string
	port            uint16
	user            string
	password        string
	database        string
	tlsMode         string
	applicationName string
	logLevel        string
	logFormat       string
)

var rootCmd = &cobra.Command{
	Use:   "pgreplica",
	Short: "PostgreSQL logical replication consumer",
	Long: `pgreplica attaches to an existing logical replication slot and publication,
decodes the pgoutput wire stream into typed events, and streams them to the
caller while driving the standby-status feedback protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch logFormat {
		case "json":
			logWriter = os.Stdout
		default:
			logWriter = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logWriter).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		cfg.Host = host
		cfg.Port = port
		cfg.User = user
		cfg.Password = password
		cfg.Database = database
		cfg.ApplicationName = applicationName
		cfg.Logger = logger

		switch tlsMode {
		case "disable":
			cfg.TLS = pgreplica.TLSDisabled
		case "prefer":
			cfg.TLS = pgreplica.TLSPrefer
		case "require":
			cfg.TLS = pgreplica.TLSRequire
		default:
			return fmt.Errorf("unknown --tls mode %q (want disable, prefer, or require)", tlsMode)
		}

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	f.StringVar(&host, "host", "localhost", "PostgreSQL primary host")
	f.Uint16Var(&port, "port", pgreplica.DefaultPort, "PostgreSQL primary port")
	f.StringVar(&user, "user", "replicator", "Replication user")
	f.StringVar(&password, "password", "", "Replication user password")
	f.StringVar(&database, "dbname", "", "Database to attach the replication connection to")
	f.StringVar(&tlsMode, "tls", "prefer", "TLS mode: disable, prefer, or require")
	f.StringVar(&applicationName, "application-name", "pgreplica", "application_name sent on connect")

	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
