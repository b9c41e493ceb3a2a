// Package status provides observability scaffolding around the replication
// facade: a Collector accumulates a point-in-time Snapshot (current LSNs,
// lag, per-event-kind counters, connection state, recent log lines) fed by
// the caller's event loop, and makes it available for push-based
// subscribers (internal/tui) and the WebSocket feed (server.go). It holds
// no replication semantics of its own and never mutates the progress
// ledger — it only ever reads from it.
package status

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// ConnectionState mirrors the session's coarse lifecycle for display.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateStreaming    ConnectionState = "streaming"
	StateClosing      ConnectionState = "closing"
	StateTerminated   ConnectionState = "terminated"
	StateDisconnected ConnectionState = "disconnected"
)

// LogEntry is a single log line captured for the UI/WebSocket feed.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Snapshot is the complete observable state at a point in time.
type Snapshot struct {
	Timestamp  time.Time       `json:"timestamp"`
	State      ConnectionState `json:"state"`
	ElapsedSec float64         `json:"elapsed_sec"`

	AppliedLSN string `json:"applied_lsn"`
	FlushedLSN string `json:"flushed_lsn"`
	WrittenLSN string `json:"written_lsn"`
	LatestLSN  string `json:"latest_lsn"`

	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	XLogDataCount  int64 `json:"xlogdata_count"`
	KeepAliveCount int64 `json:"keepalive_count"`
	InsertCount    int64 `json:"insert_count"`
	UpdateCount    int64 `json:"update_count"`
	DeleteCount    int64 `json:"delete_count"`

	EventsPerSec float64 `json:"events_per_sec"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Collector aggregates replication-consumer metrics and serves Snapshots to
// the HTTP API and the TUI.
type Collector struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	state     ConnectionState
	startedAt time.Time
	latestLSN lsn.LSN

	ledger func() (applied, flushed, written lsn.LSN) // injected accessor, never mutated here

	xlogDataCount  atomic.Int64
	keepAliveCount atomic.Int64
	insertCount    atomic.Int64
	updateCount    atomic.Int64
	deleteCount    atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	eventRate *rateCounter

	// version is bumped by every Record*/SetState call. broadcastLoop only
	// snapshots and pushes when it has moved since the previous tick, since
	// a quiet replication stream can idle for long stretches between WAL
	// activity (unlike a copy pipeline's monotonically advancing counters).
	version atomic.Uint64

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logRing *logRing

	done chan struct{}
}

// NewCollector creates a Collector. ledgerFn is polled for Snapshot's LSN
// fields; it is typically Client.Ledger().Snapshot, so the collector never
// needs its own copy of progress state.
func NewCollector(logger zerolog.Logger, ledgerFn func() (applied, flushed, written lsn.LSN)) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "status").Logger(),
		state:       StateConnecting,
		ledger:      ledgerFn,
		eventRate:   newRateCounter(60 * time.Second),
		subscribers: make(map[chan Snapshot]struct{}),
		logRing:     newLogRing(500),
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetState updates the coarse connection state shown in the dashboard.
func (c *Collector) SetState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	if c.startedAt.IsZero() && state == StateStreaming {
		c.startedAt = time.Now()
	}
	c.mu.Unlock()
	c.version.Add(1)
}

// RecordLatestLSN updates the server-reported write position used for lag
// calculation (spec's WALEnd field on every XLogData/keepalive event).
func (c *Collector) RecordLatestLSN(l lsn.LSN) {
	c.mu.Lock()
	c.latestLSN = lsn.Max(c.latestLSN, l)
	c.mu.Unlock()
	c.version.Add(1)
}

// RecordXLogData counts one decoded XLogData event, plus its logical kind
// if it carries a row mutation.
func (c *Collector) RecordXLogData(kind string) {
	c.xlogDataCount.Add(1)
	c.eventRate.Add(time.Now())
	switch kind {
	case "insert":
		c.insertCount.Add(1)
	case "update":
		c.updateCount.Add(1)
	case "delete":
		c.deleteCount.Add(1)
	}
	c.version.Add(1)
}

// RecordKeepAlive counts one primary keepalive message.
func (c *Collector) RecordKeepAlive() {
	c.keepAliveCount.Add(1)
	c.version.Add(1)
}

// RecordError increments the error count and records the last error text.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
	c.version.Add(1)
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logRing.Add(entry)
}

// Logs returns a copy of the recent log ring buffer, oldest first.
func (c *Collector) Logs() []LogEntry {
	return c.logRing.Entries()
}

// Write implements io.Writer so a Collector can be handed to zerolog as an
// additional output (typically combined with the CLI's normal console/JSON
// writer via io.MultiWriter) — each log line is parsed and appended to the
// ring buffer for the TUI's log panel and the status server's /logs endpoint. Parses
// by walking JSON tokens rather than unmarshalling into a map, so a single
// line never has to be buffered twice.
func (c *Collector) Write(p []byte) (int, error) {
	entry := LogEntry{Time: time.Now(), Level: "info", Fields: make(map[string]string)}

	dec := json.NewDecoder(bytes.NewReader(p))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		entry.Message = string(bytes.TrimRight(p, "\n"))
		c.AddLog(entry)
		return len(p), nil
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, _ := keyTok.(string)

		var val any
		if err := dec.Decode(&val); err != nil {
			break
		}

		switch key {
		case "level":
			if s, ok := val.(string); ok {
				entry.Level = s
			}
		case "message", "msg":
			if s, ok := val.(string); ok {
				entry.Message = s
			}
		case "time":
			if s, ok := val.(string); ok {
				if parsed, err := time.Parse(time.RFC3339, s); err == nil {
					entry.Time = parsed
				}
			}
		default:
			if s, ok := val.(string); ok {
				entry.Fields[key] = s
			}
		}
	}

	c.AddLog(entry)
	return len(p), nil
}

// Snapshot returns the current observable state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	state := c.state
	startedAt := c.startedAt
	latest := c.latestLSN
	c.mu.RUnlock()

	var applied, flushed, written lsn.LSN
	if c.ledger != nil {
		applied, flushed, written = c.ledger()
	}

	now := time.Now()
	var elapsed float64
	if !startedAt.IsZero() {
		elapsed = now.Sub(startedAt).Seconds()
	}

	lagBytes := lsn.Lag(applied, latest)

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:      now,
		State:          state,
		ElapsedSec:     elapsed,
		AppliedLSN:     applied.String(),
		FlushedLSN:     flushed.String(),
		WrittenLSN:     written.String(),
		LatestLSN:      latest.String(),
		LagBytes:       lagBytes,
		LagFormatted:   lsn.FormatLag(lagBytes, 0),
		XLogDataCount:  c.xlogDataCount.Load(),
		KeepAliveCount: c.keepAliveCount.Load(),
		InsertCount:    c.insertCount.Load(),
		UpdateCount:    c.updateCount.Load(),
		DeleteCount:    c.deleteCount.Load(),
		EventsPerSec:   c.eventRate.Rate(now),
		ErrorCount:     int(c.errorCount.Load()),
		LastError:      lastErr,
	}
}

// Subscribe returns a channel that receives Snapshot updates whenever the
// collector's state changes.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop. Safe to call more than once.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// broadcastLoop polls the version counter every 500ms and only snapshots
// and pushes to subscribers when something actually moved since the last
// tick, so a subscriber doesn't get a stream of identical snapshots while
// the replication stream is idle between keepalives.
func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastVersion uint64
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			v := c.version.Load()
			if v == lastVersion {
				continue
			}
			lastVersion = v
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			c.subMu.Unlock()
		}
	}
}

// rateCounter tracks an events-per-second rate over a trailing window using
// fixed one-second buckets addressed by wall-clock second modulo the bucket
// count, rather than a growing slice of timestamped entries that needs
// periodic linear eviction. A bucket whose stamp doesn't match the current
// second is treated as stale and reset on touch, which keeps both Add and
// Rate O(window-in-seconds) with no shifting or copying.
type rateCounter struct {
	mu      sync.Mutex
	counts  []int64
	stamps  []int64 // unix second each bucket was last written
	windowS int64
}

func newRateCounter(window time.Duration) *rateCounter {
	n := int64(window.Seconds())
	if n < 1 {
		n = 1
	}
	return &rateCounter{
		counts:  make([]int64, n),
		stamps:  make([]int64, n),
		windowS: n,
	}
}

func (r *rateCounter) Add(t time.Time) {
	sec := t.Unix()
	idx := sec % r.windowS

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stamps[idx] != sec {
		r.stamps[idx] = sec
		r.counts[idx] = 0
	}
	r.counts[idx]++
}

func (r *rateCounter) Rate(now time.Time) float64 {
	nowSec := now.Unix()
	cutoff := nowSec - r.windowS

	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for i, stamp := range r.stamps {
		if stamp > cutoff && stamp <= nowSec {
			total += r.counts[i]
		}
	}
	return float64(total) / float64(r.windowS)
}

// logRing is a fixed-capacity circular buffer of LogEntry: writes overwrite
// the oldest slot once full instead of periodically shifting the backing
// slice, so AddLog is O(1) regardless of how long the session has run.
type logRing struct {
	mu    sync.Mutex
	buf   []LogEntry
	head  int // index of the oldest entry
	count int
}

func newLogRing(capacity int) *logRing {
	return &logRing{buf: make([]LogEntry, capacity)}
}

func (r *logRing) Add(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap := len(r.buf)
	if r.count < cap {
		r.buf[(r.head+r.count)%cap] = entry
		r.count++
		return
	}
	r.buf[r.head] = entry
	r.head = (r.head + 1) % cap
}

func (r *logRing) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, r.count)
	cap := len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%cap]
	}
	return out
}
