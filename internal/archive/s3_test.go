package archive_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"ArenaLedger/internal/archive"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type fakePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveAuditWritesJSONLines(t *testing.T) {
	fake := &fakePutter{}
	a := archive.NewS3Archiver(fake, "arena", "retention", observability.NopLogger())

	entries := []*ledger.AuditEntry{
		{ID: uuid.New(), Actor: "a", Action: ledger.ActionTradeRecorded, Timestamp: time.Now()},
		{ID: uuid.New(), Actor: "b", Action: ledger.ActionSnapshotApplied, Timestamp: time.Now()},
	}
	if err := a.ArchiveAudit(context.Background(), entries); err != nil {
		t.Fatal(err)
	}

	if len(fake.keys) != 1 {
		t.Fatalf("uploads: got %d, want 1", len(fake.keys))
	}
	if !strings.HasPrefix(fake.keys[0], "retention/audit/") {
		t.Errorf("key: got %s", fake.keys[0])
	}

	sc := bufio.NewScanner(bytes.NewReader(fake.bodies[0]))
	lines := 0
	for sc.Scan() {
		var e ledger.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines: got %d, want 2", lines)
	}
}

func TestArchiveEmptyBatchSkipsUpload(t *testing.T) {
	fake := &fakePutter{}
	a := archive.NewS3Archiver(fake, "arena", "", observability.NopLogger())

	if err := a.ArchiveSnapshots(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(fake.keys) != 0 {
		t.Errorf("uploads: got %d, want 0", len(fake.keys))
	}
}

func TestArchiveUploadErrorPropagates(t *testing.T) {
	fake := &fakePutter{err: errors.New("access denied")}
	a := archive.NewS3Archiver(fake, "arena", "", observability.NopLogger())

	err := a.ArchiveSnapshots(context.Background(), []*ledger.PerformanceSnapshot{{ID: uuid.New()}})
	if err == nil {
		t.Fatal("expected upload error")
	}
}
