package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"), capacity, nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConsiderFact_Insert(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	id, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{
		Category:      "personal_info",
		Key:           "name",
		Value:         "Sarah",
		Importance:    "high",
		SourceExcerpt: "My name is Sarah",
	})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	if outcome != WriteInserted {
		t.Errorf("outcome = %q, want inserted", outcome)
	}
	if id == "" {
		t.Error("expected a record id")
	}

	records, err := s.Records(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("Records error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Fields["name"] != "Sarah" {
		t.Errorf("name = %q, want Sarah", records[0].Fields["name"])
	}
	if records[0].Importance != "high" {
		t.Errorf("importance = %q, want high", records[0].Importance)
	}
}

func TestConsiderFact_ExactDuplicateIdempotent(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()
	fact := Fact{Category: "health", Key: "allergy", Value: "peanuts", Importance: "high"}

	id1, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", fact)
	if err != nil || outcome != WriteInserted {
		t.Fatalf("first write: outcome=%q err=%v", outcome, err)
	}
	id2, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", fact)
	if err != nil {
		t.Fatalf("second write error: %v", err)
	}
	if outcome != WriteRejected {
		t.Errorf("outcome = %q, want rejected", outcome)
	}
	if id2 != id1 {
		t.Errorf("duplicate should report the existing record id")
	}

	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestConsiderFact_DuplicateValueCaseInsensitive(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "location", Value: "China", Importance: "medium"})
	_, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "location", Value: "china", Importance: "medium"})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	if outcome != WriteRejected {
		t.Errorf("outcome = %q, want rejected", outcome)
	}
}

func TestConsiderFact_SynonymDuplicate(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	// "origin" normalizes to "location": an equal value under an alias key
	// still consolidates so the record stays fresh.
	base := time.Now().UTC().Truncate(time.Second)
	s.now = func() time.Time { return base }
	id1, _, _ := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "location", Value: "China", Importance: "medium"})

	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	id2, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "origin", Value: "China", Importance: "medium"})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	if outcome != WriteConsolidated {
		t.Errorf("outcome = %q, want consolidated", outcome)
	}
	if id2 != id1 {
		t.Error("consolidation must reuse the existing record")
	}
	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if got := records[0].Fields["location"]; got != "China" {
		t.Errorf("location = %q, want China", got)
	}
	if !records[0].UpdatedAt.After(records[0].CreatedAt) {
		t.Error("consolidation should advance updated_at")
	}
}

func TestConsiderFact_DuplicateUpgradesImportance(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	s.now = func() time.Time { return base }
	id1, _, _ := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "location", Value: "China", Importance: "medium"})

	// Same value restated with higher importance: the record is upgraded,
	// not silently dropped.
	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	id2, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "location", Value: "China", Importance: "high"})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	if outcome != WriteConsolidated {
		t.Errorf("outcome = %q, want consolidated", outcome)
	}
	if id2 != id1 {
		t.Error("consolidation must reuse the existing record")
	}
	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Importance != "high" {
		t.Errorf("importance = %q, want high after max-merge", records[0].Importance)
	}
	if !records[0].UpdatedAt.After(records[0].CreatedAt) {
		t.Error("importance upgrade should advance updated_at")
	}
}

func TestConsiderFact_Consolidate(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	id1, _, _ := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "location", Value: "China", Importance: "low"})
	id2, outcome, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "origin", Value: "Shanghai", Importance: "high"})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	if outcome != WriteConsolidated {
		t.Errorf("outcome = %q, want consolidated", outcome)
	}
	if id2 != id1 {
		t.Error("consolidation must reuse the existing record")
	}

	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if got := records[0].Fields["location"]; got != "Shanghai" {
		t.Errorf("location = %q, want Shanghai", got)
	}
	if records[0].Importance != "high" {
		t.Errorf("importance = %q, want high after max-merge", records[0].Importance)
	}
	if _, ok := records[0].Fields["origin"]; ok {
		t.Error("alias key should collapse onto the canonical key")
	}
}

func TestConsiderFact_MetaKeyRejected(t *testing.T) {
	s := newTestStore(t, 50)

	id, outcome, err := s.ConsiderFact(context.Background(), "telegram", "u1",
		Fact{Category: "personal_info", Key: "note", Value: "something", Importance: "low"})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	if outcome != WriteRejected || id != "" {
		t.Errorf("meta key should be rejected without a record, got outcome=%q id=%q", outcome, id)
	}
}

func TestConsiderFact_Invariants(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	_, _, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "nonsense", Key: "k", Value: "v"})
	if !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("expected ErrInvalidCategory, got %v", err)
	}
	_, _, err = s.ConsiderFact(ctx, "", "u1", Fact{Category: "health", Key: "k", Value: "v"})
	if !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("expected ErrEmptyIdentity, got %v", err)
	}
	_, _, err = s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "health", Key: "", Value: "v"})
	if !errors.Is(err, ErrEmptyFact) {
		t.Errorf("expected ErrEmptyFact, got %v", err)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, _, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{
			Category:   "preferences",
			Key:        fmt.Sprintf("pref_%d", i),
			Value:      fmt.Sprintf("value %d", i),
			Importance: "low",
		})
		if err != nil {
			t.Fatalf("ConsiderFact %d error: %v", i, err)
		}
		records, err := s.Records(ctx, "telegram", "u1")
		if err != nil {
			t.Fatalf("Records error: %v", err)
		}
		if len(records) > 5 {
			t.Fatalf("after insert %d: records = %d, exceeds capacity", i, len(records))
		}
	}
}

func TestEvictionPrefersLowImportanceAndOld(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	base := time.Now().UTC().Add(-48 * time.Hour)
	s.now = func() time.Time { return base }
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "preferences", Key: "pref_a", Value: "a", Importance: "low"})

	s.now = func() time.Time { return base.Add(time.Hour) }
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "health", Key: "allergy", Value: "peanuts", Importance: "high"})

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "professional", Key: "occupation", Value: "nurse", Importance: "medium"})

	records, err := s.Records(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("Records error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, r := range records {
		if r.Importance == "low" {
			t.Error("the low-importance record should have been evicted")
		}
	}
}

func TestEvictionTieBreaksOnOldest(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	base := time.Now().UTC()
	// Same importance: the older record loses.
	s.now = func() time.Time { return base.Add(-time.Minute) }
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "preferences", Key: "pref_old", Value: "x", Importance: "low"})
	s.now = func() time.Time { return base }
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "preferences", Key: "pref_mid", Value: "y", Importance: "low"})
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "preferences", Key: "pref_new", Value: "z", Importance: "low"})

	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, r := range records {
		if _, ok := r.Fields["pref_old"]; ok {
			t.Error("oldest record should have been evicted on the tie")
		}
	}
}

func TestStoreInfo(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "name", Value: "Sarah", Importance: "high"})
	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "health", Key: "allergy", Value: "peanuts", Importance: "high"})

	info, err := s.Info(ctx, "telegram", "u1")
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if info.RecordCount != 2 {
		t.Errorf("recordCount = %d, want 2", info.RecordCount)
	}
	if info.CreatedAt.IsZero() || info.LastUpdated.IsZero() {
		t.Error("store metadata timestamps should be set")
	}
}

func TestSweepEnforcesCapacity(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	s, err := NewStore(dbPath, 10, nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		s.ConsiderFact(ctx, "telegram", "u1", Fact{
			Category: "preferences", Key: fmt.Sprintf("pref_%d", i), Value: "v", Importance: "low",
		})
	}
	s.Close()

	// Reopen with a smaller capacity; the nightly sweep trims the overflow.
	s, err = NewStore(dbPath, 3, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s.Close()
	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 3 {
		t.Errorf("records = %d, want 3 after sweep", len(records))
	}
}

func TestSetCapacityAppliesWithoutReopen(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		s.ConsiderFact(ctx, "telegram", "u1", Fact{
			Category: "preferences", Key: fmt.Sprintf("pref_%d", i), Value: "v", Importance: "low",
		})
	}

	s.SetCapacity(3)
	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 3 {
		t.Errorf("records = %d, want 3 after capacity change", len(records))
	}

	// A bound of zero or less is ignored.
	s.SetCapacity(0)
	_, _, err := s.ConsiderFact(ctx, "telegram", "u1", Fact{
		Category: "preferences", Key: "pref_extra", Value: "v", Importance: "low",
	})
	if err != nil {
		t.Fatalf("ConsiderFact error: %v", err)
	}
	records, _ = s.Records(ctx, "telegram", "u1")
	if len(records) != 3 {
		t.Errorf("records = %d, want 3 with bound unchanged", len(records))
	}
}

func TestSourceExcerptTruncated(t *testing.T) {
	s := newTestStore(t, 50)

	long := strings.Repeat("x", 150)
	s.ConsiderFact(context.Background(), "telegram", "u1",
		Fact{Category: "personal_info", Key: "name", Value: "Sarah", Importance: "high", SourceExcerpt: long})

	records, _ := s.Records(context.Background(), "telegram", "u1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if got := len(records[0].SourceExcerpt); got != 100 {
		t.Errorf("excerpt length = %d, want 100", got)
	}
}

func TestRecordsIsolatedPerUser(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	s.ConsiderFact(ctx, "telegram", "u1", Fact{Category: "personal_info", Key: "name", Value: "Sarah", Importance: "high"})
	s.ConsiderFact(ctx, "telegram", "u2", Fact{Category: "personal_info", Key: "name", Value: "Omar", Importance: "high"})
	s.ConsiderFact(ctx, "discord", "u1", Fact{Category: "personal_info", Key: "name", Value: "Ana", Importance: "high"})

	records, _ := s.Records(ctx, "telegram", "u1")
	if len(records) != 1 || records[0].Fields["name"] != "Sarah" {
		t.Errorf("telegram/u1 records wrong: %+v", records)
	}
}
