package pgoutput

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// DecodeError is returned for any malformed pgoutput payload. Tag and Offset
// are populated wherever the failure can be localized, so a caller can
// diagnose the condition from logs alone without re-parsing the frame.
type DecodeError struct {
	Reason string
	Tag    byte
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pgoutput: %s (tag=%q offset=%d): %v", e.Reason, e.Tag, e.Offset, e.Err)
	}
	return fmt.Sprintf("pgoutput: %s (tag=%q offset=%d)", e.Reason, e.Tag, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Sentinel reasons, for callers that want to classify via errors.Is-style
// inspection of DecodeError.Reason.
const (
	ReasonUnknownTag        = "unknown message tag"
	ReasonExpectedNewTuple  = "expected new-tuple sentinel 'N'"
	ReasonBadTupleSentinel  = "unexpected tuple sentinel"
	ReasonBadColumnTag      = "unknown tuple column tag"
	ReasonUnterminatedCstr  = "unterminated C string"
	ReasonInvalidUTF8       = "invalid UTF-8 in C string"
	ReasonTruncatedFrame    = "truncated frame"
	ReasonUnknownRelation   = "unknown relation"
)

// UnknownRelationError is returned by Decoder.Resolve when a tuple event's
// RelationID has no prior Relation message in the cache (P2 violation).
type UnknownRelationError struct {
	RelationID uint32
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("pgoutput: unknown relation for tuple event (rel_id=%d)", e.RelationID)
}

// Decoder parses pgoutput message payloads (the bytes following the outer
// XLogData frame's 'w' tag and its 24-byte wal_start/wal_end/server_time
// header) into typed Events, and maintains the relation cache those events
// are resolved against. It performs no I/O. The relation cache is guarded
// by a mutex, so Decode and Resolve may be called from different
// goroutines; the Client that owns the Decoder is its only caller.
type Decoder struct {
	mu        sync.RWMutex
	relations map[uint32]*Relation
}

// NewDecoder creates an empty Decoder with no cached relations.
func NewDecoder() *Decoder {
	return &Decoder{relations: make(map[uint32]*Relation)}
}

// Resolve looks up a relation by id, as required before a tuple event may
// be lifted to the caller (P2: relation-before-tuple).
func (d *Decoder) Resolve(relationID uint32) (*Relation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, &UnknownRelationError{RelationID: relationID}
	}
	return rel, nil
}

// Decode parses one pgoutput message. Relation messages are inserted into
// the cache as a side effect (overwriting any prior entry for the same
// RelationID); no other message type mutates decoder state.
func (d *Decoder) Decode(payload []byte) (Event, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Reason: ReasonTruncatedFrame, Offset: 0}
	}
	r := &cursor{buf: payload}
	tag := r.u8()

	switch tag {
	case 'B':
		return d.decodeBegin(r)
	case 'C':
		return d.decodeCommit(r)
	case 'R':
		return d.decodeRelation(r)
	case 'I':
		return d.decodeInsert(r, tag)
	case 'U':
		return d.decodeUpdate(r, tag)
	case 'D':
		return d.decodeDelete(r, tag)
	case 'T':
		return d.decodeTruncate(r)
	case 'Y':
		return d.decodeType(r)
	case 'O':
		return d.decodeOrigin(r)
	case 'M':
		return d.decodeLogicalMessage(r)
	default:
		return nil, &DecodeError{Reason: ReasonUnknownTag, Tag: tag, Offset: 0}
	}
}

func (d *Decoder) decodeBegin(r *cursor) (Event, error) {
	finalLSN := r.u64()
	commitTS := r.i64()
	xid := r.u32()
	if err := r.err('B'); err != nil {
		return nil, err
	}
	return &BeginEvent{FinalLSN: lsn.LSN(finalLSN), CommitTS: commitTS, Xid: xid}, nil
}

func (d *Decoder) decodeCommit(r *cursor) (Event, error) {
	flags := r.u8()
	commitLSN := r.u64()
	endLSN := r.u64()
	commitTS := r.i64()
	if err := r.err('C'); err != nil {
		return nil, err
	}
	return &CommitEvent{
		Flags:     flags,
		CommitLSN: lsn.LSN(commitLSN),
		EndLSN:    lsn.LSN(endLSN),
		CommitTS:  commitTS,
	}, nil
}

func (d *Decoder) decodeRelation(r *cursor) (Event, error) {
	relID := r.u32()
	namespace := r.cstring()
	name := r.cstring()
	replicaIdentity := r.u8()
	nCols := r.u16()
	if err := r.err('R'); err != nil {
		return nil, err
	}

	cols := make([]ColumnInfo, 0, nCols)
	for i := uint16(0); i < nCols; i++ {
		flags := r.u8()
		colName := r.cstring()
		typeOID := r.u32()
		typeMod := r.i32()
		if err := r.err('R'); err != nil {
			return nil, err
		}
		cols = append(cols, ColumnInfo{
			Flags:        flags,
			Name:         colName,
			TypeOID:      typeOID,
			TypeModifier: typeMod,
		})
	}

	rel := &Relation{
		RelationID:      relID,
		Namespace:       namespace,
		Name:            name,
		ReplicaIdentity: ReplicaIdentity(replicaIdentity),
		Columns:         cols,
	}

	d.mu.Lock()
	d.relations[relID] = rel
	d.mu.Unlock()

	return rel, nil
}

func (d *Decoder) decodeInsert(r *cursor, tag byte) (Event, error) {
	relID := r.u32()
	sentinel := r.u8()
	if err := r.err(tag); err != nil {
		return nil, err
	}
	if sentinel != 'N' {
		return nil, &DecodeError{Reason: ReasonExpectedNewTuple, Tag: sentinel, Offset: r.pos}
	}
	tuple, err := r.tupleData()
	if err != nil {
		return nil, err
	}
	return &InsertEvent{RelationID: relID, New: tuple}, nil
}

func (d *Decoder) decodeUpdate(r *cursor, tag byte) (Event, error) {
	relID := r.u32()
	sentinel := r.u8()
	if err := r.err(tag); err != nil {
		return nil, err
	}

	var old *TupleData
	switch sentinel {
	case 'O', 'K':
		oldTuple, err := r.tupleData()
		if err != nil {
			return nil, err
		}
		old = &oldTuple
		newSentinel := r.u8()
		if err := r.err(tag); err != nil {
			return nil, err
		}
		if newSentinel != 'N' {
			return nil, &DecodeError{Reason: ReasonExpectedNewTuple, Tag: newSentinel, Offset: r.pos}
		}
	case 'N':
		// no old tuple
	default:
		return nil, &DecodeError{Reason: ReasonBadTupleSentinel, Tag: sentinel, Offset: r.pos}
	}

	newTuple, err := r.tupleData()
	if err != nil {
		return nil, err
	}
	return &UpdateEvent{RelationID: relID, Old: old, New: newTuple}, nil
}

func (d *Decoder) decodeDelete(r *cursor, tag byte) (Event, error) {
	relID := r.u32()
	sentinel := r.u8()
	if err := r.err(tag); err != nil {
		return nil, err
	}
	if sentinel != 'O' && sentinel != 'K' {
		return nil, &DecodeError{Reason: ReasonBadTupleSentinel, Tag: sentinel, Offset: r.pos}
	}
	tuple, err := r.tupleData()
	if err != nil {
		return nil, err
	}
	return &DeleteEvent{RelationID: relID, Old: tuple}, nil
}

func (d *Decoder) decodeTruncate(r *cursor) (Event, error) {
	nRels := r.u32()
	options := r.u8()
	if err := r.err('T'); err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, nRels)
	for i := uint32(0); i < nRels; i++ {
		ids = append(ids, r.u32())
		if err := r.err('T'); err != nil {
			return nil, err
		}
	}
	return &TruncateEvent{Options: options, RelationIDs: ids}, nil
}

func (d *Decoder) decodeType(r *cursor) (Event, error) {
	typeOID := r.u32()
	namespace := r.cstring()
	name := r.cstring()
	if err := r.err('Y'); err != nil {
		return nil, err
	}
	return &TypeEvent{TypeOID: typeOID, Namespace: namespace, Name: name}, nil
}

func (d *Decoder) decodeOrigin(r *cursor) (Event, error) {
	originLSN := r.u64()
	name := r.cstring()
	if err := r.err('O'); err != nil {
		return nil, err
	}
	return &OriginEvent{LSN: lsn.LSN(originLSN), Name: name}, nil
}

func (d *Decoder) decodeLogicalMessage(r *cursor) (Event, error) {
	flags := r.u8()
	messageLSN := r.u64()
	prefix := r.cstring()
	length := r.u32()
	if err := r.err('M'); err != nil {
		return nil, err
	}
	content := r.bytes(int(length))
	if err := r.err('M'); err != nil {
		return nil, err
	}
	return &LogicalMessageEvent{
		Transactional: flags&0x1 != 0,
		LSN:           lsn.LSN(messageLSN),
		Prefix:        prefix,
		Content:       content,
	}, nil
}

// cursor is a forward-only big-endian byte reader over one message payload.
// Every read records the first failure in lastErr and becomes a no-op
// afterwards, so call sites can read a whole struct and check err() once.
type cursor struct {
	buf     []byte
	pos     int
	lastErr *DecodeError
}

func (c *cursor) fail(reason string, tag byte) {
	if c.lastErr == nil {
		c.lastErr = &DecodeError{Reason: reason, Tag: tag, Offset: c.pos}
	}
}

func (c *cursor) err(tag byte) *DecodeError {
	if c.lastErr == nil {
		return nil
	}
	if c.lastErr.Tag == 0 {
		c.lastErr.Tag = tag
	}
	return c.lastErr
}

func (c *cursor) need(n int) bool {
	if c.lastErr != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.fail(ReasonTruncatedFrame, 0)
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.pos]
	c.pos++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) i32() int32 {
	return int32(c.u32())
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v
}

func (c *cursor) i64() int64 {
	return int64(c.u64())
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, c.buf[c.pos:c.pos+n])
	c.pos += n
	return v
}

func (c *cursor) cstring() string {
	if c.lastErr != nil {
		return ""
	}
	start := c.pos
	for c.pos < len(c.buf) {
		if c.buf[c.pos] == 0 {
			s := c.buf[start:c.pos]
			c.pos++
			if !utf8.Valid(s) {
				c.fail(ReasonInvalidUTF8, 0)
				return ""
			}
			return string(s)
		}
		c.pos++
	}
	c.fail(ReasonUnterminatedCstr, 0)
	return ""
}

func (c *cursor) tupleData() (TupleData, error) {
	nCols := c.u16()
	if c.lastErr != nil {
		return TupleData{}, c.lastErr
	}
	cols := make([]TupleColumn, 0, nCols)
	for i := uint16(0); i < nCols; i++ {
		kind := c.u8()
		if c.lastErr != nil {
			return TupleData{}, c.lastErr
		}
		switch kind {
		case byte(ColumnNull):
			cols = append(cols, TupleColumn{Kind: ColumnNull})
		case byte(ColumnUnchangedToast):
			cols = append(cols, TupleColumn{Kind: ColumnUnchangedToast})
		case byte(ColumnPresent):
			length := c.u32()
			if c.lastErr != nil {
				return TupleData{}, c.lastErr
			}
			data := c.bytes(int(length))
			if c.lastErr != nil {
				return TupleData{}, c.lastErr
			}
			cols = append(cols, TupleColumn{Kind: ColumnPresent, Data: data})
		default:
			c.fail(ReasonBadColumnTag, kind)
			return TupleData{}, c.lastErr
		}
	}
	return TupleData{Columns: cols}, nil
}
