package command

import (
	"context"
	"strings"
	"sync"
)

// Fake records commands and answers them from registered handlers. Used in tests.
type Fake struct {
	mu       sync.Mutex
	Calls    []Command
	handlers []fakeHandler
}

type fakeHandler struct {
	prefix string
	fn     func(Command) (*Result, error)
}

// NewFake creates a Fake that succeeds with empty output for unmatched commands.
func NewFake() *Fake {
	return &Fake{}
}

// On registers fn for commands whose rendered line starts with prefix. Later
// registrations take precedence.
func (f *Fake) On(prefix string, fn func(Command) (*Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fakeHandler{prefix: prefix, fn: fn})
}

// Fail makes commands starting with prefix exit with code 1 and stderr.
func (f *Fake) Fail(prefix, stderr string) {
	f.On(prefix, func(c Command) (*Result, error) {
		return nil, NewError(c, 1, stderr, nil)
	})
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	line := cmd.Name + " " + strings.Join(cmd.Args, " ")
	var fn func(Command) (*Result, error)
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.handlers[i].prefix) {
			fn = f.handlers[i].fn
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, NewError(cmd, -1, "", err)
	}
	if fn == nil {
		return &Result{}, nil
	}
	return fn(cmd)
}

// Lines returns every recorded command line.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	}
	return out
}

// Count returns how many recorded lines start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, l := range f.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}
