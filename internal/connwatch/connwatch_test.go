package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testSchedule returns a fast schedule for tests.
func testSchedule() Schedule {
	return Schedule{
		Interval:     5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testManager() *Manager {
	return NewManager(testSchedule(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultSchedule(t *testing.T) {
	t.Parallel()
	s := DefaultSchedule()

	if s.Interval != 60*time.Second {
		t.Errorf("Interval = %v, want 60s", s.Interval)
	}
	if s.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", s.ProbeTimeout)
	}
}

func TestNewManager_AppliesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(Schedule{Interval: time.Second}, nil)

	if m.schedule.Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", m.schedule.Interval)
	}
	if m.schedule.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want default 10s", m.schedule.ProbeTimeout)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := testManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-immediate",
		Probe:   func(ctx context.Context) error { return nil },
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, "ready", w.IsReady)
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	eventually(t, "OnReady", func() bool { return readyCalled.Load() == 1 })
}

func TestWatcher_NoRetriesBetweenTicks(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32

	m := NewManager(Schedule{Interval: time.Hour, ProbeTimeout: 100 * time.Millisecond}, nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "test-no-retry",
		Probe: func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("down")
		},
	})

	eventually(t, "first probe", func() bool { return w.LastError() != nil })
	time.Sleep(30 * time.Millisecond)

	if n := attempts.Load(); n != 1 {
		t.Errorf("probe attempts = %d, want 1 (no retry before next tick)", n)
	}
	if w.IsReady() {
		t.Error("expected not ready after failed probe")
	}
}

func TestWatcher_ServiceGoesDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("went down")
	var shouldFail atomic.Bool

	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDown
		}
		return nil
	}

	var downCalled atomic.Int32

	m := testManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:   "test-goes-down",
		Probe:  probe,
		OnDown: func(err error) { downCalled.Add(1) },
	})

	eventually(t, "initial ready", w.IsReady)

	shouldFail.Store(true)

	eventually(t, "not ready", func() bool { return !w.IsReady() })
	eventually(t, "OnDown", func() bool { return downCalled.Load() >= 1 })

	st := w.Status()
	if st.LastError != "went down" {
		t.Errorf("Status().LastError = %q, want %q", st.LastError, "went down")
	}
}

func TestWatcher_ServiceRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shouldFail atomic.Bool
	shouldFail.Store(true)

	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errors.New("down")
		}
		return nil
	}

	var readyCalled atomic.Int32

	m := testManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-recovers",
		Probe:   probe,
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, "first failure", func() bool { return w.LastError() != nil })
	if w.IsReady() {
		t.Fatal("expected not ready while probe fails")
	}

	shouldFail.Store(false)

	eventually(t, "recovery", w.IsReady)
	eventually(t, "OnReady", func() bool { return readyCalled.Load() >= 1 })
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := testManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:  "test-cancel",
		Probe: func(ctx context.Context) error { return errors.New("down") },
	})

	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	m := testManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:     "test-probe-timeout",
		Probe:    probe,
		Schedule: Schedule{ProbeTimeout: 5 * time.Millisecond},
	})

	eventually(t, "probe error", func() bool { return w.LastError() != nil })
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError = %v, want DeadlineExceeded", w.LastError())
	}
	if w.IsReady() {
		t.Error("expected not ready when probe always times out")
	}
}

func TestWatcher_OnReadyNotCalledWhenAlreadyReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	var probes atomic.Int32

	m := testManager()
	m.Watch(ctx, WatcherConfig{
		Name: "test-already-ready",
		Probe: func(ctx context.Context) error {
			probes.Add(1)
			return nil
		},
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, "several probes", func() bool { return probes.Load() >= 5 })
	time.Sleep(10 * time.Millisecond)

	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want exactly 1", n)
	}
}

func TestManager_Status(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := testManager()

	healthy := m.Watch(ctx, WatcherConfig{
		Name:  "healthy-svc",
		Probe: func(ctx context.Context) error { return nil },
	})
	down := m.Watch(ctx, WatcherConfig{
		Name:  "down-svc",
		Probe: func(ctx context.Context) error { return errors.New("unreachable") },
	})

	eventually(t, "both probed", func() bool {
		return healthy.IsReady() && down.LastError() != nil
	})

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries in Status, got %d", len(status))
	}
	if s := status["healthy-svc"]; !s.Ready || s.LastError != "" {
		t.Errorf("healthy-svc = %+v, want ready with no error", s)
	}
	if s := status["down-svc"]; s.Ready || s.LastError != "unreachable" {
		t.Errorf("down-svc = %+v, want not ready with error", s)
	}

	if s, ok := m.Get("healthy-svc"); !ok || s.Name != "healthy-svc" {
		t.Errorf("Get(healthy-svc) = %+v, %v", s, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) should report false")
	}
}

func TestManager_WatchReplacesSameName(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := testManager()
	first := m.Watch(ctx, WatcherConfig{
		Name:  "svc",
		Probe: func(ctx context.Context) error { return nil },
	})
	second := m.Watch(ctx, WatcherConfig{
		Name:  "svc",
		Probe: func(ctx context.Context) error { return nil },
	})

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if len(m.Status()) != 1 {
		t.Errorf("Status() has %d entries, want 1", len(m.Status()))
	}
	eventually(t, "replacement ready", second.IsReady)
}

func TestManager_Unwatch(t *testing.T) {
	t.Parallel()

	m := testManager()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:  "svc",
		Probe: func(ctx context.Context) error { return nil },
	})

	m.Unwatch("svc")
	select {
	case <-w.done:
	default:
		t.Fatal("Unwatch returned before the watcher stopped")
	}
	if _, ok := m.Get("svc"); ok {
		t.Error("Get after Unwatch should report false")
	}

	m.Unwatch("never-watched")
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	m := testManager()
	m.Watch(context.Background(), WatcherConfig{
		Name:  "svc-1",
		Probe: func(ctx context.Context) error { return nil },
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:  "svc-2",
		Probe: func(ctx context.Context) error { return nil },
	})

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
	if len(m.Status()) != 0 {
		t.Errorf("Status() after Stop has %d entries, want 0", len(m.Status()))
	}
}

func TestWatch_PanicsOnMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "svc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch did not panic")
				}
			}()
			testManager().Watch(context.Background(), tt.cfg)
		})
	}
}
