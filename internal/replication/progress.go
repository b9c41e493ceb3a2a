package replication

import (
	"sync"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// Ledger tracks the three progress watermarks from spec §3: last_applied,
// last_flushed, last_written. All three start at the stream's start LSN and
// are monotonically non-decreasing; last_applied <= last_flushed always
// holds. UpdateAppliedLSN does not cap at last_written, so last_flushed <=
// last_written holds only while acknowledgements stay at or below the
// highest wal_end received.
type Ledger struct {
	mu           sync.Mutex
	lastApplied  lsn.LSN
	lastFlushed  lsn.LSN
	lastWritten  lsn.LSN
}

// NewLedger creates a Ledger with all three watermarks set to start.
func NewLedger(start lsn.LSN) *Ledger {
	return &Ledger{lastApplied: start, lastFlushed: start, lastWritten: start}
}

// AdvanceWritten records the wal_end of a received XLogData or keepalive
// frame. Called only from the session's single read path.
func (l *Ledger) AdvanceWritten(walEnd lsn.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastWritten = lsn.Max(l.lastWritten, walEnd)
}

// AutoAck implements the auto-acknowledge mode from spec §4.4: after a
// successful delivery, last_applied advances to wal_end.
func (l *Ledger) AutoAck(walEnd lsn.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastApplied = lsn.Max(l.lastApplied, walEnd)
	l.lastFlushed = lsn.Max(l.lastFlushed, walEnd)
}

// UpdateAppliedLSN implements manual acknowledgement: last_flushed and
// last_applied are set to max(prior, newLSN). A newLSN that does not advance
// last_applied (including zero) is a no-op, never an error, per the
// resolved Open Question on idempotent manual acknowledgement. Reports
// whether the watermark actually moved, so the session knows whether a
// status update is owed on the next scheduling point.
func (l *Ledger) UpdateAppliedLSN(newLSN lsn.LSN) (changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if newLSN <= l.lastApplied {
		return false
	}
	l.lastApplied = newLSN
	l.lastFlushed = lsn.Max(l.lastFlushed, newLSN)
	return true
}

// PendingLSN returns the highest wal_end observed but not yet acknowledged.
// Under the invariant last_applied <= last_written, this is simply the
// current last_written watermark.
func (l *Ledger) PendingLSN() lsn.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWritten
}

// Snapshot returns the current (applied, flushed, written) triple.
func (l *Ledger) Snapshot() (applied, flushed, written lsn.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastApplied, l.lastFlushed, l.lastWritten
}
