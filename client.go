// Package pgreplica implements a logical replication consumer for
// PostgreSQL's pgoutput streaming protocol: it opens a replication-mode
// connection to a primary, attaches to an existing slot/publication pair,
// parses the incoming Relation/Insert/Update/Delete/... stream into typed
// events, and feeds them through a backpressured channel while driving the
// standby-status feedback protocol that keeps the slot's retained WAL
// bounded.
package pgreplica

import (
	"context"
	"fmt"
	"sync"

	"github.com/mpark/pgreplica/internal/pgoutput"
	"github.com/mpark/pgreplica/internal/replication"
	"github.com/mpark/pgreplica/pkg/lsn"
)

// Config is the connection and session configuration accepted by Connect.
type Config = replication.Config

// TLS policy aliases, re-exported so callers never need to import the
// internal replication package directly.
const (
	TLSDisabled             = replication.TLSDisabled
	TLSPrefer               = replication.TLSPrefer
	TLSRequire              = replication.TLSRequire
	TLSRequireWithRootCerts = replication.TLSRequireWithRootCerts
)

// Defaults applied by Config.WithDefaults, re-exported for callers building
// flags/help text around them.
const (
	DefaultPort               = replication.DefaultPort
	DefaultStatusInterval     = replication.DefaultStatusInterval
	DefaultIdleWakeupInterval = replication.DefaultIdleWakeupInterval
	DefaultBufferEvents       = replication.DefaultBufferEvents
)

// EventKind tags an Event.
type EventKind int

const (
	EventXLogData EventKind = iota
	EventKeepAlive
	EventStoppedAt
)

// Event is the value returned by Client.Recv: a ReplicationEvent (spec §3)
// with, for EventXLogData, the decoded LogicalEvent already resolved
// against the relation cache.
type Event struct {
	Kind           EventKind
	WALStart       lsn.LSN
	WALEnd         lsn.LSN
	ServerTime     int64
	ReplyRequested bool
	Logical        pgoutput.Event // non-nil only when Kind == EventXLogData
	Reached        lsn.LSN        // populated only when Kind == EventStoppedAt
}

// Client is a ReplicationClient facade: it owns one transport, one
// decoder, one session, and the progress ledger that session maintains.
// Closing it releases all three.
type Client struct {
	session *replication.Session
	decoder *pgoutput.Decoder
	events  <-chan replication.Event

	mu       sync.Mutex
	fatalErr error // sticky: set once lift fails to decode/resolve an event
}

// Connect performs startup, attaches to the configured slot, and
// transitions into the Streaming state.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport, err := replication.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := transport.StartReplication(ctx, cfg.Slot, cfg.Publication, cfg.StartLSN); err != nil {
		_ = transport.Close(ctx)
		return nil, err
	}

	ledger := replication.NewLedger(cfg.StartLSN)
	session := replication.NewSession(transport, cfg, ledger)
	events := session.Start(ctx)

	return &Client{
		session: session,
		decoder: pgoutput.NewDecoder(),
		events:  events,
	}, nil
}

// Recv suspends until the next event is available, decoding XLogData
// payloads via the pgoutput decoder and resolving tuple events against the
// relation cache. Returns (nil, nil) on clean termination (mirroring
// spec §6's `recv() -> Option<ReplicationEvent>`). If ctx is done first,
// Recv returns ctx.Err() and the session keeps running; any other non-nil
// error means the session has terminated abnormally and Client is no
// longer usable. Per
// spec §7, a decode or relation-resolution failure is itself terminal: once
// Recv returns such an error, every subsequent call returns the same error
// without reading another frame.
func (c *Client) Recv(ctx context.Context) (*Event, error) {
	c.mu.Lock()
	fatal := c.fatalErr
	c.mu.Unlock()
	if fatal != nil {
		return nil, fatal
	}

	select {
	case ev, ok := <-c.events:
		if !ok {
			if err := c.session.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return c.lift(ev)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) lift(ev replication.Event) (*Event, error) {
	switch ev.Kind {
	case replication.EventKeepAlive:
		return &Event{
			Kind:           EventKeepAlive,
			WALEnd:         ev.WALEnd,
			ServerTime:     ev.ServerTime,
			ReplyRequested: ev.ReplyRequested,
		}, nil
	case replication.EventStoppedAt:
		return &Event{Kind: EventStoppedAt, Reached: ev.Reached}, nil
	case replication.EventXLogData:
		logical, err := c.decoder.Decode(ev.Data)
		if err != nil {
			return nil, c.terminate(err)
		}
		if err := c.resolveIfTupleEvent(logical); err != nil {
			return nil, c.terminate(err)
		}
		return &Event{
			Kind:       EventXLogData,
			WALStart:   ev.WALStart,
			WALEnd:     ev.WALEnd,
			ServerTime: ev.ServerTime,
			Logical:    logical,
		}, nil
	default:
		return nil, fmt.Errorf("pgreplica: unknown event kind %d", ev.Kind)
	}
}

// terminate records err as the Client's sticky fatal error and tears the
// session down, so a non-Shutdown error from decode/resolve has the same
// effect on the Client as a transport-level error terminating the session
// itself (spec §7: "all non-Shutdown errors terminate the session").
func (c *Client) terminate(err error) error {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()
	c.session.Close(context.Background())
	return err
}

// resolveIfTupleEvent enforces P2 (relation-before-tuple): any Insert,
// Update, or Delete event's RelationID must already be present in the
// decoder's relation cache.
func (c *Client) resolveIfTupleEvent(ev pgoutput.Event) error {
	var relID uint32
	switch e := ev.(type) {
	case *pgoutput.InsertEvent:
		relID = e.RelationID
	case *pgoutput.UpdateEvent:
		relID = e.RelationID
	case *pgoutput.DeleteEvent:
		relID = e.RelationID
	default:
		return nil
	}
	_, err := c.decoder.Resolve(relID)
	return err
}

// UpdateAppliedLSN is the progress acknowledgement entry point. Safe to
// call concurrently with Recv.
func (c *Client) UpdateAppliedLSN(l lsn.LSN) {
	c.session.UpdateAppliedLSN(l)
}

// Ledger exposes the client's progress watermarks for observability
// collaborators (see internal/status).
func (c *Client) Ledger() *replication.Ledger {
	return c.session.Ledger()
}

// Close performs graceful shutdown: CopyDone is sent and the connection is
// released. Blocks until the session's read loop has exited.
func (c *Client) Close(ctx context.Context) {
	c.session.Close(ctx)
}
