package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newChecker() *Checker {
	return New(Config{ProbeTimeout: 5 * time.Second, FailThreshold: 3}, zap.NewNop())
}

func TestRunAll_recordsResults(t *testing.T) {
	checker := newChecker()
	checker.Register("vault", func(context.Context) error { return nil })
	checker.Register("postgres", func(context.Context) error { return errors.New("connection refused") })

	if err := checker.RunAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	report := checker.Report()
	if report.Checks["vault"].Status != "ok" {
		t.Errorf("vault: got %q, want ok", report.Checks["vault"].Status)
	}
	pg := report.Checks["postgres"]
	if pg.Status != "failing" || pg.Error == "" {
		t.Errorf("postgres: got %+v, want failing with error", pg)
	}
	// One failure is below the threshold; overall status stays ok.
	if report.Status != "ok" {
		t.Errorf("overall status: got %q, want ok", report.Status)
	}
}

func TestRunAll_degradesAfterThreshold(t *testing.T) {
	checker := newChecker()
	checker.Register("chain", func(context.Context) error { return errors.New("integrity check stalled") })

	for i := 0; i < 3; i++ {
		if err := checker.RunAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	report := checker.Report()
	if report.Status != "degraded" {
		t.Errorf("overall status: got %q, want degraded", report.Status)
	}
	if report.Checks["chain"].FailCount != 3 {
		t.Errorf("fail count: got %d, want 3", report.Checks["chain"].FailCount)
	}
	if checker.Healthy() {
		t.Error("Healthy() true for degraded checker")
	}
}

func TestRunAll_recoversOnSuccess(t *testing.T) {
	checker := newChecker()
	fails := 3
	checker.Register("vault", func(context.Context) error {
		if fails > 0 {
			fails--
			return errors.New("disk full")
		}
		return nil
	})

	for i := 0; i < 4; i++ {
		if err := checker.RunAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if !checker.Healthy() {
		t.Error("checker still degraded after recovery")
	}
	if got := checker.Report().Checks["vault"].Status; got != "ok" {
		t.Errorf("vault status after recovery: got %q, want ok", got)
	}
}

func TestRunAll_probeTimeout(t *testing.T) {
	checker := New(Config{ProbeTimeout: 10 * time.Millisecond, FailThreshold: 1}, zap.NewNop())
	checker.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := checker.RunAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if checker.Healthy() {
		t.Error("timed-out probe not recorded as failure")
	}
}
