package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// MockPinger is a mock implementation of the Pinger interface for testing.
type MockPinger struct {
	ShouldFail bool
	Delay      time.Duration
}

func (m *MockPinger) Ping(ctx context.Context) error {
	select {
	case <-time.After(m.Delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.ShouldFail {
		return errors.New("mock ping failed")
	}
	return nil
}

func newChecker(dbUp, supervisorUp, redisUp bool) *Checker {
	c := NewChecker("v1.0.0")
	c.Register("database", &MockPinger{ShouldFail: !dbUp}, true)
	c.Register("supervisor", &MockPinger{ShouldFail: !supervisorUp}, true)
	c.Register("redis", &MockPinger{ShouldFail: !redisUp}, false)
	return c
}

// For any combination of component states, the overall status is unhealthy exactly
// when a critical component fails, degraded when only an optional one fails.
func TestPropertyOverallStatus(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("overall status follows component criticality", prop.ForAll(
		func(dbUp, supervisorUp, redisUp bool) bool {
			resp := newChecker(dbUp, supervisorUp, redisUp).Check(context.Background())
			if len(resp.Components) != 3 {
				return false
			}

			want := StatusHealthy
			switch {
			case !dbUp || !supervisorUp:
				want = StatusUnhealthy
			case !redisUp:
				want = StatusDegraded
			}
			if resp.Status != want {
				t.Logf("db=%v sup=%v redis=%v: expected %s, got %s", dbUp, supervisorUp, redisUp, want, resp.Status)
				return false
			}
			if !redisUp && resp.Components["redis"].Status != StatusDegraded {
				return false
			}
			return true
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("handler maps unhealthy to 503", prop.ForAll(
		func(dbUp, redisUp bool) bool {
			rr := httptest.NewRecorder()
			newChecker(dbUp, true, redisUp).Handler()(rr, httptest.NewRequest("GET", "/health", nil))

			var body Response
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				return false
			}
			if _, ok := body.Components["database"]; !ok {
				return false
			}
			if dbUp {
				return rr.Code == 200
			}
			return rr.Code == 503
		},
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestCheckTimesOutSlowComponents(t *testing.T) {
	c := NewChecker("v1.0.0")
	c.Register("database", &MockPinger{Delay: 10 * time.Second}, true)
	c.Register("supervisor", &MockPinger{Delay: 10 * time.Second}, true)
	c.SetTimeout(100 * time.Millisecond)

	start := time.Now()
	resp := c.Check(context.Background())
	// Probes run concurrently, so two slow components still cost one timeout.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("check took %v", elapsed)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", resp.Status)
	}
}

func TestNilPingerIsReported(t *testing.T) {
	c := NewChecker("dev")
	c.Register("database", nil, true)
	c.Register("redis", PingerFunc(func(context.Context) error { return nil }), false)

	resp := c.Check(context.Background())
	if resp.Components["database"].Status != StatusUnhealthy {
		t.Errorf("expected unhealthy database, got %+v", resp.Components["database"])
	}
	if resp.Components["redis"].Status != StatusHealthy {
		t.Errorf("expected healthy redis, got %+v", resp.Components["redis"])
	}
	if got := c.Components(); len(got) != 2 || got[0] != "database" {
		t.Errorf("unexpected components %v", got)
	}
}
