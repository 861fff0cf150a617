package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veloraco/chaperone/internal/judge"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("hello", "alice: hi\n")
	b := Fingerprint("hello", "alice: hi\n")
	if a != b {
		t.Errorf("same inputs produced different fingerprints: %q vs %q", a, b)
	}
	if Fingerprint("hello", "bob: hi\n") == a {
		t.Error("different conversation should change the fingerprint")
	}
	if Fingerprint("hello!", "alice: hi\n") == a {
		t.Error("different content should change the fingerprint")
	}
}

func TestCache_GetPut(t *testing.T) {
	c := NewCache()
	fp := Fingerprint("hello", "")

	if _, ok := c.Get(judge.KindSecurity, fp); ok {
		t.Error("empty cache should miss")
	}

	c.Put(judge.KindSecurity, fp, &judge.Judgment{Verdict: judge.VerdictSafe}, time.Hour)

	got, ok := c.Get(judge.KindSecurity, fp)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Verdict != judge.VerdictSafe {
		t.Errorf("verdict = %q, want safe", got.Verdict)
	}

	// Same fingerprint under a different kind is a distinct entry.
	if _, ok := c.Get(judge.KindClassification, fp); ok {
		t.Error("different kind should miss")
	}
}

func TestCache_TTLBoundary(t *testing.T) {
	c := NewCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	fp := Fingerprint("hello", "")
	c.Put(judge.KindSecurity, fp, &judge.Judgment{Verdict: judge.VerdictSafe}, time.Hour)

	c.now = func() time.Time { return base.Add(time.Hour - time.Second) }
	if _, ok := c.Get(judge.KindSecurity, fp); !ok {
		t.Error("entry should be fresh just before the TTL")
	}

	c.now = func() time.Time { return base.Add(time.Hour) }
	if _, ok := c.Get(judge.KindSecurity, fp); ok {
		t.Error("entry should be expired at exactly the TTL")
	}
}

func TestCache_PutZeroTTL(t *testing.T) {
	c := NewCache()
	fp := Fingerprint("hello", "")
	c.Put(judge.KindSecurity, fp, &judge.Judgment{Verdict: judge.VerdictSafe}, 0)
	if _, ok := c.Get(judge.KindSecurity, fp); ok {
		t.Error("zero TTL should not cache")
	}
}

func TestCache_Do_CachesSuccess(t *testing.T) {
	c := NewCache()
	fp := Fingerprint("hello", "")
	calls := 0

	compute := func(ctx context.Context) (*judge.Judgment, error) {
		calls++
		return &judge.Judgment{Verdict: judge.VerdictSafe}, nil
	}

	j, cached, err := c.Do(context.Background(), judge.KindSecurity, fp, time.Hour, compute)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if cached {
		t.Error("first call should not be cached")
	}
	if j.Verdict != judge.VerdictSafe {
		t.Errorf("verdict = %q, want safe", j.Verdict)
	}

	_, cached, err = c.Do(context.Background(), judge.KindSecurity, fp, time.Hour, compute)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if !cached {
		t.Error("second call should hit the cache")
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
}

func TestCache_Do_NeverCachesFailures(t *testing.T) {
	c := NewCache()
	fp := Fingerprint("hello", "")
	calls := 0

	failing := func(ctx context.Context) (*judge.Judgment, error) {
		calls++
		return nil, errors.New("provider down")
	}

	if _, _, err := c.Do(context.Background(), judge.KindSecurity, fp, time.Hour, failing); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := c.Do(context.Background(), judge.KindSecurity, fp, time.Hour, failing); err == nil {
		t.Fatal("expected error on retry")
	}
	if calls != 2 {
		t.Errorf("compute called %d times, want 2 (failures must not be cached)", calls)
	}

	// A later success is cached normally.
	j, _, err := c.Do(context.Background(), judge.KindSecurity, fp, time.Hour,
		func(ctx context.Context) (*judge.Judgment, error) {
			return &judge.Judgment{Verdict: judge.VerdictSafe}, nil
		})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if j.Verdict != judge.VerdictSafe {
		t.Errorf("verdict = %q, want safe", j.Verdict)
	}
	if _, ok := c.Get(judge.KindSecurity, fp); !ok {
		t.Error("success after failures should be cached")
	}
}

func TestCache_Do_SuppressesStampede(t *testing.T) {
	c := NewCache()
	fp := Fingerprint("hello", "")

	var calls int32
	gate := make(chan struct{})
	compute := func(ctx context.Context) (*judge.Judgment, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return &judge.Judgment{Verdict: judge.VerdictSafe}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, _, err := c.Do(context.Background(), judge.KindSecurity, fp, time.Hour, compute)
			if err != nil {
				t.Errorf("Do error: %v", err)
				return
			}
			if j.Verdict != judge.VerdictSafe {
				t.Errorf("verdict = %q, want safe", j.Verdict)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("compute called %d times for identical in-flight requests, want 1", n)
	}
}

func TestCache_Len_PrunesExpired(t *testing.T) {
	c := NewCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		c.Put(judge.KindSecurity, Fingerprint(fmt.Sprintf("msg-%d", i), ""), &judge.Judgment{Verdict: judge.VerdictSafe}, time.Minute)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if c.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", c.Len())
	}
}
