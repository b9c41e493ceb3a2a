package main

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/mpark/pgreplica"
	"github.com/mpark/pgreplica/internal/pgoutput"
	"github.com/mpark/pgreplica/internal/status"
	"github.com/mpark/pgreplica/internal/tui"
	"github.com/mpark/pgreplica/pkg/lsn"
)

var (
	tailSlot        string
	tailPublication string
	tailStartLSN    string
	tailStopAtLSN   string
	tailAutoAck     bool
	tailStatusAddr  string
	tailTUI         bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream decoded logical replication events",
	Long: `Tail attaches to an existing replication slot and publication and streams
decoded pgoutput events. The slot and publication must already exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Slot = tailSlot
		cfg.Publication = tailPublication
		cfg.AutoAck = tailAutoAck

		if tailStartLSN != "" {
			start, err := lsn.Parse(tailStartLSN)
			if err != nil {
				return err
			}
			cfg.StartLSN = start
		}
		if tailStopAtLSN != "" {
			stop, err := lsn.Parse(tailStopAtLSN)
			if err != nil {
				return err
			}
			cfg.StopAtLSN = &stop
		}

		ctx := cmd.Context()

		client, err := pgreplica.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close(ctx)

		var collector *status.Collector
		if tailStatusAddr != "" || tailTUI {
			collector = status.NewCollector(logger, client.Ledger().Snapshot)
			collector.SetState(status.StateStreaming)
			defer collector.Close()
			logger = logger.Output(io.MultiWriter(logWriter, collector))
		}

		if tailStatusAddr != "" {
			srv := status.New(collector, logger)
			go func() {
				if err := srv.Start(ctx, tailStatusAddr); err != nil {
					logger.Err(err).Msg("status server exited")
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() { errCh <- runTail(ctx, client, collector) }()

		if tailTUI {
			if err := tui.Run(collector); err != nil {
				return err
			}
			return <-errCh
		}

		return <-errCh
	},
}

func runTail(ctx context.Context, client *pgreplica.Client, collector *status.Collector) error {
	for {
		ev, err := client.Recv(ctx)
		if err != nil {
			if collector != nil {
				collector.RecordError(err)
				collector.SetState(status.StateTerminated)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ev == nil {
			if collector != nil {
				collector.SetState(status.StateTerminated)
			}
			return nil
		}

		logEvent(ev)
		if collector != nil {
			recordEvent(collector, ev)
		}

		if ev.Kind == pgreplica.EventStoppedAt {
			return nil
		}
	}
}

func logEvent(ev *pgreplica.Event) {
	switch ev.Kind {
	case pgreplica.EventKeepAlive:
		logger.Debug().
			Str("wal_end", ev.WALEnd.String()).
			Bool("reply_requested", ev.ReplyRequested).
			Msg("keepalive")
	case pgreplica.EventStoppedAt:
		logger.Info().Str("reached", ev.Reached.String()).Msg("reached configured stop LSN")
	case pgreplica.EventXLogData:
		logger.Info().
			Str("wal_start", ev.WALStart.String()).
			Str("wal_end", ev.WALEnd.String()).
			Str("kind", logicalEventKind(ev)).
			Msg("logical event")
	}
}

// logicalEventKind names the decoded pgoutput message for logging and
// status counters; "insert"/"update"/"delete" feed the collector's
// per-kind counters, everything else is reported but not separately
// counted.
func logicalEventKind(ev *pgreplica.Event) string {
	switch ev.Logical.(type) {
	case *pgoutput.BeginEvent:
		return "begin"
	case *pgoutput.CommitEvent:
		return "commit"
	case *pgoutput.Relation:
		return "relation"
	case *pgoutput.InsertEvent:
		return "insert"
	case *pgoutput.UpdateEvent:
		return "update"
	case *pgoutput.DeleteEvent:
		return "delete"
	case *pgoutput.TruncateEvent:
		return "truncate"
	case *pgoutput.TypeEvent:
		return "type"
	case *pgoutput.OriginEvent:
		return "origin"
	case *pgoutput.LogicalMessageEvent:
		return "message"
	default:
		return "unknown"
	}
}

func recordEvent(collector *status.Collector, ev *pgreplica.Event) {
	switch ev.Kind {
	case pgreplica.EventKeepAlive:
		collector.RecordKeepAlive()
		collector.RecordLatestLSN(ev.WALEnd)
	case pgreplica.EventXLogData:
		collector.RecordXLogData(logicalEventKind(ev))
		collector.RecordLatestLSN(ev.WALEnd)
	}
}

func init() {
	tailCmd.Flags().StringVar(&tailSlot, "slot", "", "Replication slot name (required)")
	tailCmd.Flags().StringVar(&tailPublication, "publication", "", "Publication name (required)")
	tailCmd.Flags().StringVar(&tailStartLSN, "start-lsn", "", "LSN to start streaming from (e.g. 0/1234ABC)")
	tailCmd.Flags().StringVar(&tailStopAtLSN, "stop-at-lsn", "", "Stop once this LSN has been reached")
	tailCmd.Flags().BoolVar(&tailAutoAck, "auto-ack", true, "Automatically advance applied/flushed LSN as data arrives")
	tailCmd.Flags().StringVar(&tailStatusAddr, "status-addr", "", "Serve a JSON/WebSocket status feed on this address (e.g. :8090)")
	tailCmd.Flags().BoolVar(&tailTUI, "tui", false, "Show terminal dashboard while streaming")

	_ = tailCmd.MarkFlagRequired("slot")
	_ = tailCmd.MarkFlagRequired("publication")

	rootCmd.AddCommand(tailCmd)
}
