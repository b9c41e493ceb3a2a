package replication

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// pgEpoch is 2000-01-01 00:00:00 UTC, the zero point for every timestamp
// and client_time field on the wire.
var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Wire tags for CopyData payloads, per spec §4.2/§4.3.
const (
	tagXLogData  = 'w'
	tagKeepalive = 'k'
	tagStandby   = 'r'
)

// EventKind tags a ReplicationEvent.
type EventKind int

const (
	EventXLogData EventKind = iota
	EventKeepAlive
	EventStoppedAt
)

// Event is the high-level value the session emits, per spec §3's
// ReplicationEvent. Data is populated only for EventXLogData; Reached only
// for EventStoppedAt.
type Event struct {
	Kind           EventKind
	WALStart       lsn.LSN
	WALEnd         lsn.LSN
	ServerTime     int64 // microseconds since pgEpoch
	ReplyRequested bool
	Data           []byte
	Reached        lsn.LSN
}

// state values for the session's state machine (spec §4.2).
type sessionState int32

const (
	stateStreaming sessionState = iota
	stateClosing
	stateTerminated
)

// frameTransport is the slice of Transport that Session depends on. Session
// is written against this interface (rather than the concrete *Transport)
// so the state machine can be exercised in tests without a live connection.
type frameTransport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteCopyData(buf []byte) error
	Close(ctx context.Context) error
}

// Session drives the replication feedback protocol on top of a Transport:
// it dispatches inbound frames into Events, tracks progress via a Ledger,
// and schedules outbound standby status updates. Exactly one goroutine
// (started by Start) owns the Transport's read half; the Ledger's mutex is
// never held across a frame read or a channel send.
type Session struct {
	transport frameTransport
	cfg       Config
	ledger    *Ledger
	logger    zerolog.Logger

	events chan Event

	state atomic.Int32 // sessionState

	// dirty is set by UpdateAppliedLSN and cleared after a status send, so
	// the loop knows to send a status update at its next scheduling point
	// even if the interval hasn't elapsed (spec §4.4).
	dirty atomic.Bool

	errMu sync.Mutex
	err   error

	lastStatusSendAt atomic.Int64 // unix nanos

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession constructs a Session bound to an already-connected Transport.
// The Ledger is used as given (callers create it with NewLedger seeded from
// the configured start LSN); call Start to begin streaming.
func NewSession(transport frameTransport, cfg Config, ledger *Ledger) *Session {
	s := &Session{
		transport: transport,
		cfg:       cfg,
		ledger:    ledger,
		logger:    cfg.Logger.With().Str("component", "session").Logger(),
		events:    make(chan Event, cfg.BufferEvents),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(stateStreaming))
	return s
}

// Start launches the read loop and returns the event channel. The channel
// is closed when the session transitions to Terminated; callers should
// check Err afterwards to distinguish clean shutdown from failure.
func (s *Session) Start(ctx context.Context) <-chan Event {
	var loopCtx context.Context
	loopCtx, s.cancel = context.WithCancel(ctx)
	go s.loop(loopCtx)
	return s.events
}

// UpdateAppliedLSN is the progress-ack entry point (spec §4.4). Safe to call
// concurrently with the read loop.
func (s *Session) UpdateAppliedLSN(l lsn.LSN) {
	if s.ledger.UpdateAppliedLSN(l) {
		s.dirty.Store(true)
	}
}

// Ledger exposes the session's progress ledger for read-only inspection
// (status/observability collaborators).
func (s *Session) Ledger() *Ledger { return s.ledger }

// Err returns the error that terminated the session, if any. Safe to call
// after the event channel has been closed.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close requests graceful shutdown: the loop transitions to Closing, sends
// CopyDone, and the Transport is closed once the loop exits.
func (s *Session) Close(ctx context.Context) {
	s.state.Store(int32(stateClosing))
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.events)
	defer close(s.done)
	defer s.state.Store(int32(stateTerminated))
	defer func() { _ = s.transport.Close(context.Background()) }()

	s.lastStatusSend()

	for {
		if sessionState(s.state.Load()) != stateStreaming {
			return
		}

		select {
		case <-ctx.Done():
			s.sendStandbyStatus(context.Background())
			return
		default:
		}

		if s.statusDue() {
			if err := s.sendStandbyStatus(ctx); err != nil {
				s.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithTimeout(ctx, s.idleWakeup())
		frame, err := s.transport.ReadFrame(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsTimeout(err) {
				continue
			}
			s.setErr(&TransportError{Op: "read_frame", Err: err})
			return
		}

		switch frame.Kind {
		case FrameCopyDone:
			return
		case FrameError:
			s.setErr(&ProtocolError{SQLState: frame.SQLState, Message: frame.Message})
			return
		case FrameNotice:
			s.logger.Info().Str("message", frame.Message).Msg("notice from server")
			continue
		case FrameCopyData:
			if stoppedAt, fatal := s.handleCopyData(ctx, frame.Data); stoppedAt || fatal {
				return
			}
		}
	}
}

func (s *Session) handleCopyData(ctx context.Context, data []byte) (stoppedAt bool, fatal bool) {
	if len(data) == 0 {
		s.setErr(&ProtocolError{Message: "empty CopyData payload"})
		return false, true
	}
	switch data[0] {
	case tagXLogData:
		return s.handleXLogData(ctx, data[1:])
	case tagKeepalive:
		s.handleKeepalive(ctx, data[1:])
		return false, false
	default:
		s.setErr(&ProtocolError{Tag: data[0], Message: "unknown CopyData tag"})
		return false, true
	}
}

func (s *Session) handleXLogData(ctx context.Context, body []byte) (stoppedAt bool, fatal bool) {
	if len(body) < 24 {
		s.setErr(&ProtocolError{Tag: tagXLogData, Message: "truncated XLogData header"})
		return false, true
	}
	walStart := lsn.LSN(binary.BigEndian.Uint64(body[0:8]))
	walEnd := lsn.LSN(binary.BigEndian.Uint64(body[8:16]))
	serverTime := int64(binary.BigEndian.Uint64(body[16:24]))
	payload := body[24:]

	s.ledger.AdvanceWritten(walEnd)

	ev := Event{Kind: EventXLogData, WALStart: walStart, WALEnd: walEnd, ServerTime: serverTime, Data: payload}
	if !s.emit(ctx, ev) {
		return false, true
	}
	if s.cfg.AutoAck {
		s.ledger.AutoAck(walEnd)
	}

	if s.cfg.StopAtLSN != nil && walEnd >= *s.cfg.StopAtLSN {
		s.sendStandbyStatus(ctx)
		s.emit(ctx, Event{Kind: EventStoppedAt, Reached: walEnd})
		return true, false
	}
	return false, false
}

func (s *Session) handleKeepalive(ctx context.Context, body []byte) {
	if len(body) < 17 {
		s.logger.Warn().Msg("truncated keepalive message, ignoring")
		return
	}
	walEnd := lsn.LSN(binary.BigEndian.Uint64(body[0:8]))
	serverTime := int64(binary.BigEndian.Uint64(body[8:16]))
	replyRequested := body[16] != 0

	s.ledger.AdvanceWritten(walEnd)
	s.emit(ctx, Event{Kind: EventKeepAlive, WALEnd: walEnd, ServerTime: serverTime, ReplyRequested: replyRequested})

	if replyRequested {
		if err := s.sendStandbyStatus(ctx); err != nil {
			s.logger.Err(err).Msg("keepalive reply failed")
		}
	}
}

// emit delivers ev into the bounded channel, sending periodic standby
// status updates while blocked so the server doesn't time the slot out
// under backpressure. Returns false if ctx was cancelled before delivery.
func (s *Session) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := s.sendStandbyStatus(ctx); err != nil {
				s.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}
	}
}

func (s *Session) statusDue() bool {
	if s.dirty.Load() {
		return true
	}
	last := time.Unix(0, s.lastStatusSendNanos())
	return time.Since(last) >= s.cfg.StatusInterval
}

func (s *Session) idleWakeup() time.Duration {
	if s.cfg.IdleWakeupInterval <= 0 {
		return DefaultIdleWakeupInterval
	}
	return s.cfg.IdleWakeupInterval
}

func (s *Session) lastStatusSendNanos() int64 {
	return s.lastStatusSendAt.Load()
}

func (s *Session) lastStatusSend() {
	s.lastStatusSendAt.Store(time.Now().UnixNano())
}

func (s *Session) sendStandbyStatus(ctx context.Context) error {
	applied, flushed, written := s.ledger.Snapshot()

	buf := make([]byte, 0, 34)
	buf = append(buf, tagStandby)
	buf = binary.BigEndian.AppendUint64(buf, written.Uint64())
	buf = binary.BigEndian.AppendUint64(buf, flushed.Uint64())
	buf = binary.BigEndian.AppendUint64(buf, applied.Uint64())
	buf = binary.BigEndian.AppendUint64(buf, uint64(time.Since(pgEpoch).Microseconds()))
	buf = append(buf, 0) // reply_requested

	err := s.transport.WriteCopyData(buf)
	s.lastStatusSend()
	s.dirty.Store(false)
	return err
}
