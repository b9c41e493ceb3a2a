package pgoutput

import (
	"time"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// ReplicaIdentity describes how a table's replica identity is configured,
// which determines what old-row data (if any) accompanies Update/Delete.
type ReplicaIdentity byte

const (
	ReplicaIdentityDefault ReplicaIdentity = 'd'
	ReplicaIdentityNothing ReplicaIdentity = 'n'
	ReplicaIdentityFull    ReplicaIdentity = 'f'
	ReplicaIdentityIndex   ReplicaIdentity = 'i'
)

func (r ReplicaIdentity) String() string {
	switch r {
	case ReplicaIdentityDefault:
		return "DEFAULT"
	case ReplicaIdentityNothing:
		return "NOTHING"
	case ReplicaIdentityFull:
		return "FULL"
	case ReplicaIdentityIndex:
		return "INDEX"
	default:
		return "UNKNOWN"
	}
}

// ColumnInfo describes a single column as carried by a Relation message.
type ColumnInfo struct {
	Flags        uint8
	Name         string
	TypeOID      uint32
	TypeModifier int32
}

// IsKey reports whether this column is part of the relation's key (bit 0 of Flags).
func (c ColumnInfo) IsKey() bool {
	return c.Flags&0x1 != 0
}

// Relation describes a table's schema as of the last Relation message seen
// for its RelationID. It is both a decoded event and the cache entry stored
// for later tuple-event resolution.
type Relation struct {
	RelationID      uint32
	Namespace       string
	Name            string
	ReplicaIdentity ReplicaIdentity
	Columns         []ColumnInfo
}

// ColumnKind tags how a single tuple column value was carried on the wire.
type ColumnKind byte

const (
	// ColumnNull is an explicit SQL NULL.
	ColumnNull ColumnKind = 'n'
	// ColumnUnchangedToast marks a large out-of-line value that did not
	// change and was omitted from the payload. Distinct from ColumnNull.
	ColumnUnchangedToast ColumnKind = 'u'
	// ColumnPresent carries an actual value in Data.
	ColumnPresent ColumnKind = 't'
)

// TupleColumn is one column's value within a TupleData, tagged three ways:
// Null, UnchangedToast, or Present(bytes).
type TupleColumn struct {
	Kind ColumnKind
	Data []byte // only meaningful when Kind == ColumnPresent
}

// IsNull reports whether this column is an explicit NULL.
func (c TupleColumn) IsNull() bool { return c.Kind == ColumnNull }

// IsUnchangedToast reports whether this column was omitted as an unchanged
// TOASTed value.
func (c TupleColumn) IsUnchangedToast() bool { return c.Kind == ColumnUnchangedToast }

// TupleData is the ordered list of column values for one row version.
type TupleData struct {
	Columns []TupleColumn
}

// Event is the tagged union of decoded pgoutput messages.
type Event interface {
	isEvent()
}

// BeginEvent marks the start of a transaction.
type BeginEvent struct {
	FinalLSN  lsn.LSN
	CommitTS  int64 // microseconds since 2000-01-01 00:00:00 UTC
	Xid       uint32
}

func (BeginEvent) isEvent() {}

// CommitEvent marks the end of a transaction.
type CommitEvent struct {
	Flags     uint8
	CommitLSN lsn.LSN
	EndLSN    lsn.LSN
	CommitTS  int64
}

func (CommitEvent) isEvent() {}

func (r *Relation) isEvent() {}

// InsertEvent represents a newly inserted row.
type InsertEvent struct {
	RelationID uint32
	New        TupleData
}

func (InsertEvent) isEvent() {}

// UpdateEvent represents a modified row. Old is present only when the
// relation's replica identity sends old-row data (FULL or key-only).
type UpdateEvent struct {
	RelationID uint32
	Old        *TupleData
	New        TupleData
}

func (UpdateEvent) isEvent() {}

// DeleteEvent represents a removed row.
type DeleteEvent struct {
	RelationID uint32
	Old        TupleData
}

func (DeleteEvent) isEvent() {}

// TruncateEvent represents one or more tables being truncated together.
type TruncateEvent struct {
	Options     uint8
	RelationIDs []uint32
}

func (TruncateEvent) isEvent() {}

// Cascade reports whether the truncate was issued with CASCADE.
func (t TruncateEvent) Cascade() bool { return t.Options&0x1 != 0 }

// RestartIdentity reports whether the truncate was issued with RESTART IDENTITY.
func (t TruncateEvent) RestartIdentity() bool { return t.Options&0x2 != 0 }

// TypeEvent announces a composite/enum/range/domain type used by a relation.
type TypeEvent struct {
	TypeOID   uint32
	Namespace string
	Name      string
}

func (TypeEvent) isEvent() {}

// OriginEvent announces the replication origin of the transaction that follows.
type OriginEvent struct {
	LSN  lsn.LSN
	Name string
}

func (OriginEvent) isEvent() {}

// LogicalMessageEvent carries an application-defined message emitted via
// pg_logical_emit_message.
type LogicalMessageEvent struct {
	Transactional bool
	LSN           lsn.LSN
	Prefix        string
	Content       []byte
}

func (LogicalMessageEvent) isEvent() {}

// PGEpochToTime converts a microseconds-since-2000-01-01T00:00:00Z count
// (as carried raw on CommitTS/server timestamps) into a time.Time. Decode
// and session logic never perform this conversion themselves -- it is a
// formatter-layer concern, kept here only as a convenience for callers.
func PGEpochToTime(micros int64) time.Time {
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
