package pgoutput

import (
	"bytes"
	"testing"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// Scenario A -- Begin (spec.md §8).
func TestDecodeBegin(t *testing.T) {
	payload := []byte{
		'B',
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x64, // final_lsn = 100
		0x00, 0x02, 0xB3, 0xDB, 0x9E, 0x23, 0x18, 0x40, // commit_ts
		0x00, 0x00, 0x04, 0xD2, // xid = 1234
	}

	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	begin, ok := ev.(*BeginEvent)
	if !ok {
		t.Fatalf("got %T, want *BeginEvent", ev)
	}
	if begin.FinalLSN != lsn.LSN(100) {
		t.Errorf("FinalLSN = %d, want 100", begin.FinalLSN)
	}
	if begin.CommitTS != 0x0002B3DB9E231840 {
		t.Errorf("CommitTS = %#x, want 0x0002B3DB9E231840", begin.CommitTS)
	}
	if begin.Xid != 1234 {
		t.Errorf("Xid = %d, want 1234", begin.Xid)
	}
}

// Scenario B -- Relation + Insert.
func TestDecodeRelationAndInsert(t *testing.T) {
	relationPayload := []byte{
		'R',
		0x00, 0x00, 0x00, 0x29, // rel_id = 41
		'p', 'u', 'b', 'l', 'i', 'c', 0x00, // namespace
		't', 'e', 's', 't', 0x00, // name
		'f',                // replica identity FULL
		0x00, 0x02, // n_cols = 2
		0x01, 'i', 'd', 0x00, 0x00, 0x00, 0x00, 0x17, 0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 'v', 'a', 'l', 0x00, 0x00, 0x00, 0x00, 0x19, 0xFF, 0xFF, 0xFF, 0xFF,
	}
	insertPayload := []byte{
		'I',
		0x00, 0x00, 0x00, 0x29, // rel_id = 41
		'N',
		0x00, 0x02, // n_cols = 2
		't', 0x00, 0x00, 0x00, 0x01, '1',
		't', 0x00, 0x00, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o',
	}

	d := NewDecoder()
	relEv, err := d.Decode(relationPayload)
	if err != nil {
		t.Fatalf("Decode(relation): %v", err)
	}
	rel, ok := relEv.(*Relation)
	if !ok {
		t.Fatalf("got %T, want *Relation", relEv)
	}
	if rel.RelationID != 41 || rel.Namespace != "public" || rel.Name != "test" {
		t.Fatalf("unexpected relation: %+v", rel)
	}
	if rel.ReplicaIdentity != ReplicaIdentityFull {
		t.Errorf("ReplicaIdentity = %v, want FULL", rel.ReplicaIdentity)
	}
	if len(rel.Columns) != 2 {
		t.Fatalf("len(Columns) = %d, want 2", len(rel.Columns))
	}
	if rel.Columns[0].Name != "id" || !rel.Columns[0].IsKey() || rel.Columns[0].TypeOID != 23 {
		t.Errorf("column 0 = %+v", rel.Columns[0])
	}
	if rel.Columns[1].Name != "val" || rel.Columns[1].IsKey() || rel.Columns[1].TypeOID != 25 {
		t.Errorf("column 1 = %+v", rel.Columns[1])
	}

	cached, err := d.Resolve(41)
	if err != nil {
		t.Fatalf("Resolve(41): %v", err)
	}
	if cached != rel {
		t.Error("Resolve did not return the cached relation")
	}

	insEv, err := d.Decode(insertPayload)
	if err != nil {
		t.Fatalf("Decode(insert): %v", err)
	}
	ins, ok := insEv.(*InsertEvent)
	if !ok {
		t.Fatalf("got %T, want *InsertEvent", insEv)
	}
	if ins.RelationID != 41 {
		t.Errorf("RelationID = %d, want 41", ins.RelationID)
	}
	wantNew := []TupleColumn{
		{Kind: ColumnPresent, Data: []byte("1")},
		{Kind: ColumnPresent, Data: []byte("hello")},
	}
	assertTuple(t, ins.New.Columns, wantNew)
}

// Scenario C -- Update with REPLICA IDENTITY FULL.
func TestDecodeUpdateFull(t *testing.T) {
	payload := []byte{
		'U',
		0x00, 0x00, 0x00, 0x29, // rel_id = 41
		'O', // old tuple follows (FULL)
		0x00, 0x02,
		't', 0x00, 0x00, 0x00, 0x01, '1',
		't', 0x00, 0x00, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o',
		'N', // new tuple follows
		0x00, 0x02,
		't', 0x00, 0x00, 0x00, 0x01, '1',
		't', 0x00, 0x00, 0x00, 0x05, 'w', 'o', 'r', 'l', 'd',
	}

	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	upd, ok := ev.(*UpdateEvent)
	if !ok {
		t.Fatalf("got %T, want *UpdateEvent", ev)
	}
	if upd.RelationID != 41 {
		t.Errorf("RelationID = %d, want 41", upd.RelationID)
	}
	if upd.Old == nil {
		t.Fatal("Old = nil, want Some")
	}
	assertTuple(t, upd.Old.Columns, []TupleColumn{
		{Kind: ColumnPresent, Data: []byte("1")},
		{Kind: ColumnPresent, Data: []byte("hello")},
	})
	assertTuple(t, upd.New.Columns, []TupleColumn{
		{Kind: ColumnPresent, Data: []byte("1")},
		{Kind: ColumnPresent, Data: []byte("world")},
	})
}

func TestDecodeUpdateNoOldTuple(t *testing.T) {
	payload := []byte{
		'U',
		0x00, 0x00, 0x00, 0x29,
		'N',
		0x00, 0x01,
		't', 0x00, 0x00, 0x00, 0x01, '1',
	}
	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	upd := ev.(*UpdateEvent)
	if upd.Old != nil {
		t.Errorf("Old = %+v, want nil", upd.Old)
	}
}

// Scenario D -- Delete, key-only.
func TestDecodeDeleteKeyOnly(t *testing.T) {
	payload := []byte{
		'D',
		0x00, 0x00, 0x00, 0x29,
		'K',
		0x00, 0x02,
		't', 0x00, 0x00, 0x00, 0x01, '1',
		'n',
	}
	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	del, ok := ev.(*DeleteEvent)
	if !ok {
		t.Fatalf("got %T, want *DeleteEvent", ev)
	}
	if del.RelationID != 41 {
		t.Errorf("RelationID = %d, want 41", del.RelationID)
	}
	assertTuple(t, del.Old.Columns, []TupleColumn{
		{Kind: ColumnPresent, Data: []byte("1")},
		{Kind: ColumnNull},
	})
}

func TestDecodeCommit(t *testing.T) {
	payload := []byte{
		'C',
		0x00,                                           // flags
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x64, // commit_lsn = 100
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC8, // end_lsn = 200
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, // commit_ts = 1
	}
	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c := ev.(*CommitEvent)
	if c.CommitLSN != 100 || c.EndLSN != 200 || c.CommitTS != 1 {
		t.Errorf("unexpected commit: %+v", c)
	}
}

func TestDecodeTruncate(t *testing.T) {
	payload := []byte{
		'T',
		0x00, 0x00, 0x00, 0x02, // n_rels = 2
		0x03,                   // CASCADE | RESTART IDENTITY
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x02,
	}
	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tr := ev.(*TruncateEvent)
	if !tr.Cascade() || !tr.RestartIdentity() {
		t.Errorf("Options = %#x, want both bits set", tr.Options)
	}
	if len(tr.RelationIDs) != 2 || tr.RelationIDs[0] != 1 || tr.RelationIDs[1] != 2 {
		t.Errorf("RelationIDs = %v", tr.RelationIDs)
	}
}

func TestDecodeOriginAndType(t *testing.T) {
	d := NewDecoder()

	originPayload := append([]byte{'O', 0, 0, 0, 0, 0, 0, 0, 0x2A}, append([]byte("my_origin"), 0)...)
	ev, err := d.Decode(originPayload)
	if err != nil {
		t.Fatalf("Decode(origin): %v", err)
	}
	o := ev.(*OriginEvent)
	if o.LSN != 42 || o.Name != "my_origin" {
		t.Errorf("unexpected origin: %+v", o)
	}

	typePayload := append([]byte{'Y', 0, 0, 0, 100}, append(append([]byte("public"), 0), append([]byte("my_enum"), 0)...)...)
	ev, err = d.Decode(typePayload)
	if err != nil {
		t.Fatalf("Decode(type): %v", err)
	}
	ty := ev.(*TypeEvent)
	if ty.TypeOID != 100 || ty.Namespace != "public" || ty.Name != "my_enum" {
		t.Errorf("unexpected type event: %+v", ty)
	}
}

func TestDecodeLogicalMessage(t *testing.T) {
	content := []byte("payload-bytes")
	payload := append([]byte{'M', 0x01, 0, 0, 0, 0, 0, 0, 0, 0x10}, append([]byte("prefix"), 0)...)
	var lenBuf [4]byte
	lenBuf[0] = 0
	lenBuf[1] = 0
	lenBuf[2] = 0
	lenBuf[3] = byte(len(content))
	payload = append(payload, lenBuf[:]...)
	payload = append(payload, content...)

	d := NewDecoder()
	ev, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m := ev.(*LogicalMessageEvent)
	if !m.Transactional {
		t.Error("Transactional = false, want true")
	}
	if m.LSN != 0x10 || m.Prefix != "prefix" || !bytes.Equal(m.Content, content) {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode([]byte{'Z'})
	var de *DecodeError
	if !asDecodeError(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Reason != ReasonUnknownTag {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonUnknownTag)
	}
}

func TestDecodeInsertBadSentinel(t *testing.T) {
	d := NewDecoder()
	payload := []byte{'I', 0, 0, 0, 0x29, 'X', 0, 0}
	_, err := d.Decode(payload)
	var de *DecodeError
	if !asDecodeError(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Reason != ReasonExpectedNewTuple {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonExpectedNewTuple)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode([]byte{'B', 0, 0, 0})
	var de *DecodeError
	if !asDecodeError(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Reason != ReasonTruncatedFrame {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonTruncatedFrame)
	}
}

func TestDecodeBadColumnTag(t *testing.T) {
	d := NewDecoder()
	payload := []byte{'I', 0, 0, 0, 0x29, 'N', 0, 1, 'x'}
	_, err := d.Decode(payload)
	var de *DecodeError
	if !asDecodeError(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Reason != ReasonBadColumnTag {
		t.Errorf("Reason = %q, want %q", de.Reason, ReasonBadColumnTag)
	}
}

func TestResolveUnknownRelation(t *testing.T) {
	d := NewDecoder()
	_, err := d.Resolve(999)
	if err == nil {
		t.Fatal("expected error for unknown relation")
	}
	var ure *UnknownRelationError
	if !asUnknownRelationError(err, &ure) {
		t.Fatalf("err = %v, want *UnknownRelationError", err)
	}
	if ure.RelationID != 999 {
		t.Errorf("RelationID = %d, want 999", ure.RelationID)
	}
}

func assertTuple(t *testing.T, got []TupleColumn, want []TupleColumn) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len(tuple) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind {
			t.Errorf("column %d kind = %v, want %v", i, got[i].Kind, want[i].Kind)
			continue
		}
		if got[i].Kind == ColumnPresent && !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("column %d data = %q, want %q", i, got[i].Data, want[i].Data)
		}
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func asUnknownRelationError(err error, target **UnknownRelationError) bool {
	ure, ok := err.(*UnknownRelationError)
	if ok {
		*target = ure
	}
	return ok
}
