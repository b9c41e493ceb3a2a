package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// FrameKind tags the frames read off the CopyBoth stream once the session
// has entered streaming mode.
type FrameKind int

const (
	FrameCopyData FrameKind = iota
	FrameCopyDone
	FrameError
	FrameNotice
)

// Frame is one server-origin message read from the transport while in
// CopyBoth mode.
type Frame struct {
	Kind     FrameKind
	Data     []byte // populated when Kind == FrameCopyData
	SQLState string // populated when Kind == FrameError
	Message  string // populated when Kind == FrameError or FrameNotice
}

// Transport owns the single TCP/TLS connection to the primary and provides
// symmetric framed I/O once replication has started. It performs no
// buffering beyond what pgconn itself does, and holds no lock: the session
// that owns a Transport is its sole caller.
type Transport struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// Connect performs the startup handshake (and authentication) against the
// configured endpoint, in replication mode.
func Connect(ctx context.Context, cfg Config) (*Transport, error) {
	connString := buildConnString(cfg)
	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, classifyConnectError(err)
	}
	return &Transport{conn: conn, logger: cfg.Logger.With().Str("component", "transport").Logger()}, nil
}

func buildConnString(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d user=%s dbname=%s replication=database",
		cfg.Host, cfg.Port, cfg.User, cfg.Database)
	if cfg.Password != "" {
		fmt.Fprintf(&b, " password=%s", cfg.Password)
	}
	if cfg.ApplicationName != "" {
		fmt.Fprintf(&b, " application_name=%s", cfg.ApplicationName)
	}
	switch cfg.TLS {
	case TLSDisabled:
		b.WriteString(" sslmode=disable")
	case TLSPrefer:
		b.WriteString(" sslmode=prefer")
	case TLSRequire, TLSRequireWithRootCerts:
		b.WriteString(" sslmode=verify-full")
	}
	return b.String()
}

func classifyConnectError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &TransportError{Op: "connect", Err: fmt.Errorf("server error %s: %s", pgErr.Code, pgErr.Message)}
	}
	return &TransportError{Op: "connect", Err: err}
}

// StartReplication issues START_REPLICATION for the given slot and
// publication at startLSN, entering CopyBoth mode on success.
func (t *Transport) StartReplication(ctx context.Context, slot, publication string, startLSN lsn.LSN) error {
	slotIdent := strings.ReplaceAll(slot, "-", "_")
	sql := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL %s (proto_version '1', publication_names '%s')",
		slotIdent, startLSN, publication,
	)
	_, err := t.conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return &ProtocolError{SQLState: pgErr.Code, Message: pgErr.Message}
		}
		return &TransportError{Op: "start_replication", Err: err}
	}
	return nil
}

// ReadFrame suspends until the next server-origin frame is available.
func (t *Transport) ReadFrame(ctx context.Context) (Frame, error) {
	msg, err := t.conn.ReceiveMessage(ctx)
	if err != nil {
		return Frame{}, err // caller distinguishes pgconn.Timeout(err) itself
	}
	switch m := msg.(type) {
	case *pgproto3.CopyData:
		return Frame{Kind: FrameCopyData, Data: m.Data}, nil
	case *pgproto3.CopyDone:
		return Frame{Kind: FrameCopyDone}, nil
	case *pgproto3.ErrorResponse:
		return Frame{Kind: FrameError, SQLState: m.Code, Message: m.Message}, nil
	case *pgproto3.NoticeResponse:
		return Frame{Kind: FrameNotice, Message: m.Message}, nil
	default:
		// Anything else (CommandComplete, ReadyForQuery, ...) during CopyBoth
		// is unexpected but not fatal; surface it as a notice naming the
		// message type so the caller's loop simply continues.
		return Frame{Kind: FrameNotice, Message: fmt.Sprintf("unexpected message type %T", m)}, nil
	}
}

// WriteCopyData atomically sends one CopyData frame to the server.
func (t *Transport) WriteCopyData(buf []byte) error {
	t.conn.Frontend().Send(&pgproto3.CopyData{Data: buf})
	if err := t.conn.Frontend().Flush(); err != nil {
		return &TransportError{Op: "write_copy_data", Err: err}
	}
	return nil
}

// Close sends CopyDone/Terminate and releases the connection.
func (t *Transport) Close(ctx context.Context) error {
	t.conn.Frontend().Send(&pgproto3.CopyDone{})
	_ = t.conn.Frontend().Flush()
	return t.conn.Close(ctx)
}

// IsTimeout reports whether err is a deadline-exceeded receive, as opposed
// to a genuine transport failure.
func IsTimeout(err error) bool {
	return pgconn.Timeout(err)
}
