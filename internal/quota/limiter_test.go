package quota

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEnforceMinuteLimitFailsSecondCall(t *testing.T) {
	store := NewMemoryCounterStore()
	limiter := NewLimiter(store, Limits{UserPerMinute: 1})

	ctx := context.Background()
	first, err := limiter.Enforce(ctx, "generate", "user-1", "")
	if err != nil {
		t.Fatalf("first enforce: %v", err)
	}
	if !first.OK {
		t.Fatal("first call within the window must pass")
	}

	second, err := limiter.Enforce(ctx, "generate", "user-1", "")
	if err != nil {
		t.Fatalf("second enforce: %v", err)
	}
	if second.OK {
		t.Fatal("second call within the same minute must be rejected")
	}
	if second.RetryAfterSeconds < 1 {
		t.Errorf("RetryAfterSeconds = %d, want >= 1", second.RetryAfterSeconds)
	}
}

func TestEnforceMessageNamesActionSubjectWindow(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounterStore(), Limits{UserPerMinute: 1})

	ctx := context.Background()
	limiter.Enforce(ctx, "generate", "user-1", "")
	decision, _ := limiter.Enforce(ctx, "generate", "user-1", "")

	for _, want := range []string{"generate", "user", "minute"} {
		if !strings.Contains(decision.Message, want) {
			t.Errorf("message %q missing %q", decision.Message, want)
		}
	}
}

func TestEnforceChecksIPAfterUser(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounterStore(), Limits{
		UserPerMinute: 10,
		IPPerMinute:   1,
	})

	ctx := context.Background()
	if d, _ := limiter.Enforce(ctx, "generate", "user-1", "203.0.113.5"); !d.OK {
		t.Fatal("first call must pass")
	}
	d, _ := limiter.Enforce(ctx, "generate", "user-2", "203.0.113.5")
	if d.OK {
		t.Fatal("shared IP must be rejected by the ip window")
	}
	if !strings.Contains(d.Message, "ip") {
		t.Errorf("message %q should name the ip subject", d.Message)
	}
}

func TestEnforceFailFastStopsAtFirstBreach(t *testing.T) {
	store := NewMemoryCounterStore()
	limiter := NewLimiter(store, Limits{
		UserPerMinute: 1,
		UserPerHour:   100,
		IPPerMinute:   100,
	})

	ctx := context.Background()
	limiter.Enforce(ctx, "generate", "user-1", "203.0.113.5")
	limiter.Enforce(ctx, "generate", "user-1", "203.0.113.5")

	// After the user:minute breach on the second call, the ip counter must
	// have been touched only by the first (passing) call.
	count, _, err := store.Incr(ctx, "quota:generate:minute:ip:203.0.113.5", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 2 {
		t.Errorf("ip counter = %d after probe, want 2 (one enforced call plus probe)", count)
	}
}

func TestEnforceSkipsEmptySubjects(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounterStore(), Limits{IPPerMinute: 1})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := limiter.Enforce(ctx, "generate", "user-1", "")
		if err != nil {
			t.Fatalf("enforce: %v", err)
		}
		if !d.OK {
			t.Fatal("with no ip and no user limits every call must pass")
		}
	}
}

func TestMemoryStoreWindowExpiry(t *testing.T) {
	store := NewMemoryCounterStore()
	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return clock })

	limiter := NewLimiter(store, Limits{UserPerMinute: 1})
	ctx := context.Background()

	limiter.Enforce(ctx, "generate", "user-1", "")
	if d, _ := limiter.Enforce(ctx, "generate", "user-1", ""); d.OK {
		t.Fatal("second call within window must fail")
	}

	clock = clock.Add(61 * time.Second)
	if d, _ := limiter.Enforce(ctx, "generate", "user-1", ""); !d.OK {
		t.Fatal("call after window expiry must pass")
	}
}
