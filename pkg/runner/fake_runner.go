package runner

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeProcessRunner is a test double that matches argv against a table of
// canned responses, grounded on the argv-string-matching stub pattern
// used to fake adb/fastboot invocations in tests.
type FakeProcessRunner struct {
	mu sync.Mutex

	// handlers are tried in order; the first whose Match returns true wins.
	handlers []Handler

	// calls records every Run invocation for assertions.
	calls []Call

	// SleepFunc, if set, overrides the default no-op sleep (useful to fail
	// fast in tests that would otherwise block on real backoff delays).
	SleepFunc func(ctx context.Context, d time.Duration)
}

// Handler matches an argv invocation and produces a canned Result.
type Handler struct {
	Match func(argv []string) bool
	Result
	// Func, if set, computes the Result dynamically and takes priority
	// over the static Result field.
	Func func(argv []string) Result
}

// Call records one Run invocation.
type Call struct {
	Argv    []string
	Timeout time.Duration
}

// NewFakeProcessRunner creates an empty FakeProcessRunner. Use On/OnPrefix
// to register expected commands before passing it to a ManagedDevice or
// DeviceManager under test.
func NewFakeProcessRunner() *FakeProcessRunner {
	return &FakeProcessRunner{}
}

// On registers a handler that matches when argv, joined by spaces, equals want exactly.
func (f *FakeProcessRunner) On(want string, result Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, Handler{
		Match:  func(argv []string) bool { return strings.Join(argv, " ") == want },
		Result: result,
	})
}

// OnPrefix registers a handler that matches when argv, joined by spaces,
// starts with prefix. Useful for commands carrying variable arguments
// (e.g. "adb -s S1 shell ...").
func (f *FakeProcessRunner) OnPrefix(prefix string, result Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, Handler{
		Match:  func(argv []string) bool { return strings.HasPrefix(strings.Join(argv, " "), prefix) },
		Result: result,
	})
}

// OnPrefixFunc registers a handler whose Result is computed per-call.
func (f *FakeProcessRunner) OnPrefixFunc(prefix string, fn func(argv []string) Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, Handler{
		Match: func(argv []string) bool { return strings.HasPrefix(strings.Join(argv, " "), prefix) },
		Func:  fn,
	})
}

// Run implements ProcessRunner.
func (f *FakeProcessRunner) Run(ctx context.Context, argv []string, timeout time.Duration, stdin []byte, env map[string]string) Result {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Argv: append([]string(nil), argv...), Timeout: timeout})
	handlers := f.handlers
	f.mu.Unlock()

	for _, h := range handlers {
		if h.Match(argv) {
			if h.Func != nil {
				return h.Func(argv)
			}
			return h.Result
		}
	}
	return Result{Status: StatusException, Stderr: "no handler registered for: " + strings.Join(argv, " ")}
}

// Sleep implements ProcessRunner. By default it returns immediately so
// tests don't pay for real backoff delays; set SleepFunc to opt into
// real timing behavior.
func (f *FakeProcessRunner) Sleep(ctx context.Context, d time.Duration) {
	if f.SleepFunc != nil {
		f.SleepFunc(ctx, d)
	}
}

// Calls returns a copy of every Run invocation recorded so far.
func (f *FakeProcessRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of Run invocations recorded so far.
func (f *FakeProcessRunner) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Compile-time interface satisfaction check.
var _ ProcessRunner = (*FakeProcessRunner)(nil)
