package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "p", FallbackConfig{})
	fg.AddFallback("f", "fallback")

	var used []string
	err := fg.Execute(context.Background(), func(v string) error {
		used = append(used, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(used) != 1 || used[0] != "primary" {
		t.Errorf("used = %v, want [primary]", used)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	fg := NewFallbackGroup("primary", "p", FallbackConfig{})
	fg.AddFallback("f", "fallback")

	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "served by " + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "served by fallback" {
		t.Errorf("got %q", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup(1, "a", FallbackConfig{})
	fg.AddFallback("b", 2)

	_, err := ExecuteWithResult(context.Background(), fg, func(int) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want wrapped errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	clk := newFakeClock()
	fg := NewFallbackGroup("primary", "p", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, Now: clk.Now},
	})
	fg.AddFallback("f", "fallback")

	primaryCalls := 0
	call := func() {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}
	for i := 0; i < 4; i++ {
		call()
	}
	if primaryCalls != 2 {
		t.Errorf("primary called %d times, want 2 before the breaker opened", primaryCalls)
	}

	st := fg.Status()
	if len(st) != 2 || st[0].Name != "p" || st[0].Counts.State != StateOpen || st[1].Counts.State != StateClosed {
		t.Errorf("status = %+v", st)
	}
	if st[1].Counts.TotalSuccesses != 4 {
		t.Errorf("fallback successes = %d, want 4", st[1].Counts.TotalSuccesses)
	}

	clk.Advance(time.Minute)
	call()
	if primaryCalls != 3 {
		t.Errorf("primary called %d times, want a probe after the reset timeout", primaryCalls)
	}
}

func TestFallbackGroup_CancelledContext(t *testing.T) {
	fg := NewFallbackGroup("primary", "p", FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := fg.Execute(ctx, func(string) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn ran on cancelled context")
	}
}
