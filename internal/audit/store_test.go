package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, Company: "acme", Car: "v1", SessionID: "s1", Kind: KindSessionStarted},
		{Timestamp: now, Company: "acme", Car: "v1", SessionID: "s1", Kind: KindCommandAcked, ModuleID: 2},
		{Timestamp: now, Company: "acme", Car: "v1", SessionID: "s1", Kind: KindCommandAcked, ModuleID: 2},
		{Timestamp: now, Company: "acme", Car: "v1", SessionID: "s1", Kind: KindSessionError, Detail: "timeout"},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary("acme", "v1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 4 {
		t.Fatalf("expected 4 total records, got %d", sum.TotalRecords)
	}
	if sum.ByKind[KindCommandAcked] != 2 {
		t.Fatalf("expected 2 command_acked records, got %d", sum.ByKind[KindCommandAcked])
	}
}

func TestRecord_GeneratesIDAndTimestamp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Record{Company: "acme", Car: "v1", Kind: KindSessionStarted}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent, err := s.Recent("acme", "v1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recent))
	}
	if recent[0].ID == "" {
		t.Fatal("expected a generated id")
	}
	if recent[0].Timestamp.IsZero() {
		t.Fatal("expected a generated timestamp")
	}
}

func TestRecent_OrdersNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.Record(ctx, Record{Timestamp: base, Company: "acme", Car: "v1", Kind: KindSessionStarted})
	s.Record(ctx, Record{Timestamp: base.Add(time.Second), Company: "acme", Car: "v1", Kind: KindSessionStopped})

	recent, err := s.Recent("acme", "v1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Kind != KindSessionStopped {
		t.Fatalf("expected newest-first ordering, got %+v", recent)
	}
}

func TestSummary_ScopesByCar(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Record(ctx, Record{Timestamp: now, Company: "acme", Car: "v1", Kind: KindSessionStarted})
	s.Record(ctx, Record{Timestamp: now, Company: "acme", Car: "v2", Kind: KindSessionStarted})

	sum, err := s.Summary("acme", "v1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Fatalf("expected summary scoped to v1 only, got %d records", sum.TotalRecords)
	}
}
