package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghalamif/AegisBridge/internal/domain"
	"github.com/ghalamif/AegisBridge/internal/ports"
)

func deadLetter(seq uint64, reason string) *domain.DeadLetter {
	return &domain.DeadLetter{
		Seq:         seq,
		PublisherID: "pub-A",
		PointID:     "ns=2;s=Demo",
		Topic:       "devices/pub-A/messages/events/",
		Delivery:    domain.AtLeastOnce.String(),
		Payload:     []byte(`{"MessageId":"0"}`),
		Reason:      reason,
		FailedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFileSpoolAppendIterateAndReopen(t *testing.T) {
	dir := t.TempDir()

	sp, err := NewFileSpool(dir)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}

	id1, err := sp.Append(deadLetter(0, "publish/timeout"))
	if err != nil || id1 == 0 {
		t.Fatalf("append 1: %v id=%d", err, id1)
	}
	id2, err := sp.Append(deadLetter(0, "rejected: 128"))
	if err != nil || id2 != id1+1 {
		t.Fatalf("append 2: %v id=%d", err, id2)
	}

	var got []*domain.DeadLetter
	if err := sp.Iterate(1, func(_ ports.SpoolEntryID, dl *domain.DeadLetter) error {
		got = append(got, dl)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if string(got[0].Payload) != `{"MessageId":"0"}` || got[1].Reason != "rejected: 128" {
		t.Fatalf("unexpected entries: %+v %+v", got[0], got[1])
	}
	if !got[0].FailedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("failed_at not preserved: %v", got[0].FailedAt)
	}

	if err := sp.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sp2, err := NewFileSpool(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sp2.Close()

	stats := sp2.Stats()
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest appended %d, got %d", id2, stats.LatestAppended)
	}
	if stats.OldestUncommitted != id2 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id2, stats.OldestUncommitted)
	}
	if stats.SizeBytes == 0 {
		t.Fatalf("expected non-zero size")
	}
}

func TestFileSpoolDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewFileSpool(dir)
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	id, err := sp.Append(deadLetter(4, "publish/not connected"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	size := sp.Stats().SizeBytes
	if err := sp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := appendGarbage(filepath.Join(dir, logName)); err != nil {
		t.Fatalf("append garbage: %v", err)
	}

	sp2, err := NewFileSpool(dir)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer sp2.Close()
	if st := sp2.Stats(); st.LatestAppended != id || st.SizeBytes != size {
		t.Fatalf("expected torn tail dropped, got %+v", st)
	}
	next, err := sp2.Append(deadLetter(5, "publish/timeout"))
	if err != nil || next != id+1 {
		t.Fatalf("append after recovery: %v id=%d", err, next)
	}
}

func TestFileSpoolTruncateCommitted(t *testing.T) {
	sp, err := NewFileSpool(t.TempDir())
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer sp.Close()

	for i := 0; i < 3; i++ {
		if _, err := sp.Append(deadLetter(uint64(i), "publish/timeout")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	before := sp.Stats().SizeBytes
	if err := sp.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sp.TruncateCommitted(); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var ids []ports.SpoolEntryID
	if err := sp.Iterate(0, func(id ports.SpoolEntryID, _ *domain.DeadLetter) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("expected only entry 3 to remain, got %v", ids)
	}
	if after := sp.Stats().SizeBytes; after >= before {
		t.Fatalf("expected size to shrink, before=%d after=%d", before, after)
	}

	id, err := sp.Append(deadLetter(9, "rejected: 128"))
	if err != nil || id != 4 {
		t.Fatalf("append after truncate: %v id=%d", err, id)
	}
}

func appendGarbage(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte{0xFF, 0xAA})
	return err
}
