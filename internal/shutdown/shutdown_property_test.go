package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder collects the order in which components shut down.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) component(name string, delay time.Duration, fail bool) Component {
	return NewFuncComponent(name, func(ctx context.Context) error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		if fail {
			return errors.New("mock shutdown failed")
		}
		return nil
	})
}

// For any number of components, shutdown visits each exactly once in reverse
// registration order.
func TestPropertyShutdownOrder(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("components shut down in LIFO order", prop.ForAll(
		func(n int) bool {
			rec := &recorder{}
			c := NewCoordinator(WithLogger(discard), WithTimeout(time.Second))
			names := make([]string, n)
			for i := 0; i < n; i++ {
				names[i] = string(rune('a' + i))
				c.Register(rec.component(names[i], 0, false))
			}

			c.Shutdown()
			c.Wait()

			if len(rec.order) != n || c.ExitCode() != 0 {
				return false
			}
			for i := range rec.order {
				if rec.order[i] != names[n-1-i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 8),
	))

	properties.Property("a failing component still lets the rest shut down", prop.ForAll(
		func(n, failAt int) bool {
			failAt %= n
			rec := &recorder{}
			c := NewCoordinator(WithLogger(discard), WithTimeout(time.Second))
			for i := 0; i < n; i++ {
				c.Register(rec.component(string(rune('a'+i)), 0, i == failAt))
			}

			c.Shutdown()
			return len(rec.order) == n && c.ExitCode() == 1
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestShutdownTimeoutForcesExitCode(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithLogger(discard), WithTimeout(50*time.Millisecond))
	c.Register(rec.component("store", 0, false))
	c.Register(rec.component("worker", 5*time.Second, false))

	start := time.Now()
	c.Shutdown()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}
	if c.ExitCode() != 1 {
		t.Errorf("expected exit code 1, got %d", c.ExitCode())
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	calls := 0
	c := NewCoordinator(WithLogger(discard))
	c.Register(NewFuncComponent("once", func(context.Context) error {
		calls++
		return nil
	}))

	c.Shutdown()
	c.Shutdown()
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	stopped := make(chan struct{})
	c := NewCoordinator(WithLogger(discard), WithSignalChannel(sigCh))
	c.Register(NewWorkerComponent("worker", stopFunc(func() { close(stopped) })))

	go c.WaitForSignal(context.Background())
	sigCh <- syscall.SIGTERM

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not stopped after signal")
	}
	c.Wait()
}

func TestWaitForSignalHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(WithLogger(discard), WithSignalChannel(make(chan os.Signal)))

	done := make(chan struct{})
	go func() {
		c.WaitForSignal(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal ignored context cancellation")
	}
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloserComponent(t *testing.T) {
	closed := false
	comp := NewCloserComponent("store", closerFunc(func() error {
		closed = true
		return nil
	}))
	if comp.Name() != "store" {
		t.Errorf("unexpected name %q", comp.Name())
	}
	if err := comp.Shutdown(context.Background()); err != nil || !closed {
		t.Errorf("expected close, got err=%v closed=%v", err, closed)
	}
}
