package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewLedger(client).WithClock(func() time.Time { return now }), &now
}

func TestReserveCapsAtBudget(t *testing.T) {
	ctx := context.Background()
	l, _ := testLedger(t)

	// budget 20c, 5c a call: at most 4 calls regardless of demand.
	granted, err := l.Reserve(ctx, "alice", 8, 5, 20)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if granted != 4 {
		t.Fatalf("granted %d, want 4", granted)
	}
	spent, _ := l.Spent(ctx, "alice")
	if spent != 20 {
		t.Fatalf("spent %d, want 20", spent)
	}

	granted, _ = l.Reserve(ctx, "alice", 1, 5, 20)
	if granted != 0 {
		t.Fatalf("exhausted budget granted %d calls", granted)
	}
}

func TestReserveIsAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l, _ := testLedger(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := l.Reserve(ctx, "alice", 3, 5, 50)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			total += granted
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 10 {
		t.Fatalf("granted %d calls total, budget allows exactly 10", total)
	}
}

func TestBudgetResetsAtDayBoundary(t *testing.T) {
	ctx := context.Background()
	l, now := testLedger(t)

	if granted, _ := l.Reserve(ctx, "alice", 2, 5, 10); granted != 2 {
		t.Fatalf("granted %d, want 2", granted)
	}
	if granted, _ := l.Reserve(ctx, "alice", 1, 5, 10); granted != 0 {
		t.Fatal("budget should be spent for today")
	}

	*now = now.Add(24 * time.Hour)
	if granted, _ := l.Reserve(ctx, "alice", 1, 5, 10); granted != 1 {
		t.Fatal("new day should carry a fresh budget")
	}
}

func TestReservePerSubject(t *testing.T) {
	ctx := context.Background()
	l, _ := testLedger(t)

	l.Reserve(ctx, "alice", 2, 5, 10)
	if granted, _ := l.Reserve(ctx, "bob", 2, 5, 10); granted != 2 {
		t.Fatal("subjects must not share a budget")
	}
}
