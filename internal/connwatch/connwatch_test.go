package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/statebridge/internal/events"
)

func testOptions() Options {
	return Options{
		PollInterval: 5 * time.Millisecond,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{MaxDelay: time.Millisecond, InitialDelay: time.Second}.withDefaults()
	if o.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v, want 5m", o.PollInterval)
	}
	if o.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", o.ProbeTimeout)
	}
	if o.MaxDelay != time.Second {
		t.Errorf("MaxDelay = %v, want raised to InitialDelay", o.MaxDelay)
	}
}

func TestManager_ReadyService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testOptions(), nil, quietLogger())
	if !m.Healthy() {
		t.Fatal("empty manager should be healthy")
	}
	m.Watch(ctx, "model", func(context.Context) error { return nil })

	waitFor(t, "first check", func() bool { return m.Status()[0].Checked })
	st := m.Status()[0]
	if !st.Ready || st.LastError != "" || st.Failures != 0 {
		t.Errorf("status = %+v", st)
	}
	if !m.Healthy() {
		t.Error("Healthy() = false with a ready service")
	}

	cancel()
	m.Wait()
}

func TestManager_RecoversAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	var calls atomic.Int32
	m := NewManager(testOptions(), bus, quietLogger())
	m.Watch(ctx, "mcp:files", func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	var kinds []string
	for len(kinds) < 2 {
		select {
		case e := <-sub:
			if e.Source != events.SourceHealth {
				t.Fatalf("source = %q", e.Source)
			}
			kinds = append(kinds, e.Kind)
			if e.Kind == events.KindServiceReady {
				if got := e.Data["failures"]; got != 3 {
					t.Errorf("failures = %v, want 3", got)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; events so far %v", kinds)
		}
	}
	if kinds[0] != events.KindServiceDown || kinds[1] != events.KindServiceReady {
		t.Errorf("events = %v, want down then ready", kinds)
	}

	st := m.Status()[0]
	if !st.Ready || st.Failures != 0 {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestManager_UnhealthyService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testOptions(), nil, quietLogger())
	m.Watch(ctx, "b-ok", func(context.Context) error { return nil })
	m.Watch(ctx, "a-down", func(context.Context) error { return errors.New("no route to host") })

	waitFor(t, "failures to accumulate", func() bool {
		for _, s := range m.Status() {
			if s.Name == "a-down" && s.Failures >= 2 {
				return true
			}
		}
		return false
	})
	if m.Healthy() {
		t.Error("Healthy() = true with an unreachable service")
	}

	st := m.Status()
	if st[0].Name != "a-down" || st[1].Name != "b-ok" {
		t.Errorf("status not sorted: %+v", st)
	}
	if st[0].LastError != "no route to host" {
		t.Errorf("LastError = %q", st[0].LastError)
	}
}

func TestManager_DuplicateWatchIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var second atomic.Bool
	m := NewManager(testOptions(), nil, quietLogger())
	m.Watch(ctx, "model", func(context.Context) error { return nil })
	m.Watch(ctx, "model", func(context.Context) error { second.Store(true); return nil })

	waitFor(t, "first check", func() bool { return m.Status()[0].Checked })
	time.Sleep(20 * time.Millisecond)
	if second.Load() {
		t.Error("second probe for the same name ran")
	}
	if len(m.Status()) != 1 {
		t.Errorf("watchers = %d, want 1", len(m.Status()))
	}
}

func TestManager_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := testOptions()
	opts.ProbeTimeout = 5 * time.Millisecond
	m := NewManager(opts, nil, quietLogger())
	m.Watch(ctx, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, "timed out probe", func() bool { return m.Status()[0].Checked })
	if st := m.Status()[0]; st.Ready || st.LastError == "" {
		t.Errorf("status = %+v, want unreachable", st)
	}
	cancel()
	m.Wait()
}
