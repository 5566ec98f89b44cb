package lifecycle

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExplicitCancel(t *testing.T) {
	ctx, h := New()
	if ctx.IsDone() {
		t.Fatal("new context should not be done")
	}
	h.Cancel()
	if reason := ctx.Reason(); reason != ReasonExplicit {
		t.Fatalf("expected ReasonExplicit, got %v", reason)
	}
	if !ctx.IsDone() {
		t.Fatal("context should be done after cancel")
	}
}

func TestDeadlineCancel(t *testing.T) {
	ctx, h := WithTimeout(10 * time.Millisecond)
	defer h.Cancel()
	if reason := ctx.Reason(); reason != ReasonDeadline {
		t.Fatalf("expected ReasonDeadline, got %v", reason)
	}
}

func TestParentCancelPropagates(t *testing.T) {
	parent, parentHandler := New()
	child, childHandler := WithParent(parent, time.Time{})
	defer childHandler.Cancel()

	parentHandler.Cancel()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child was not cancelled when parent was cancelled")
	}
	if reason := child.Reason(); reason != ReasonParent {
		t.Fatalf("expected ReasonParent, got %v", reason)
	}
}

func TestGuardReturnsAbortedOnCancel(t *testing.T) {
	ctx, h := New()
	started := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- Guard(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	h.Cancel()
	err := <-errCh
	aborted, ok := err.(*AbortedError)
	if !ok {
		t.Fatalf("expected *AbortedError, got %T (%v)", err, err)
	}
	if aborted.Reason != ReasonExplicit {
		t.Fatalf("expected ReasonExplicit, got %v", aborted.Reason)
	}
	close(release)
}

func TestGuardReturnsFnResultWhenFaster(t *testing.T) {
	ctx, h := WithTimeout(time.Second)
	defer h.Cancel()
	err := Guard(ctx, func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
