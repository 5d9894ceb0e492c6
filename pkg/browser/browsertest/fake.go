// Package browsertest provides scripted in-memory browser sessions for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/browser"
)

// Script configures how fake sessions respond. Keys are "<op>:<arg>", for
// example "click:#submit" or "navigate:http://app/login".
type Script struct {
	// Errors fails matching operations.
	Errors map[string]error
	// Delays blocks matching operations until the delay elapses or the
	// call's context ends.
	Delays map[string]time.Duration
	// Texts maps locators to element text.
	Texts map[string]string
	// Evals maps scripts to evaluation results.
	Evals map[string]any
	// Hooks run synchronously when a matching operation starts.
	Hooks map[string]func()
}

// Session is a fake browser.Session driven by a Script.
type Session struct {
	script *Script

	mu     sync.Mutex
	url    string
	calls  []string
	closed bool
}

// Compile-time interface check.
var _ browser.Session = (*Session)(nil)

// NewSession creates a fake session. A nil script behaves as an empty one.
func NewSession(script *Script) *Session {
	if script == nil {
		script = &Script{}
	}

	return &Session{script: script}
}

// Calls returns the operations performed so far.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Session) do(ctx context.Context, op, arg string) error {
	key := op + ":" + arg

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return browser.ErrSessionClosed
	}

	s.calls = append(s.calls, key)
	s.mu.Unlock()

	if hook, ok := s.script.Hooks[key]; ok {
		hook()
	}

	if d, ok := s.script.Delays[key]; ok {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err, ok := s.script.Errors[key]; ok {
		return err
	}

	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.do(ctx, "navigate", url); err != nil {
		return err
	}

	s.mu.Lock()
	s.url = url
	s.mu.Unlock()

	return nil
}

func (s *Session) Click(ctx context.Context, locator string) error {
	return s.do(ctx, "click", locator)
}

func (s *Session) Fill(ctx context.Context, locator, value string) error {
	return s.do(ctx, "fill", locator)
}

func (s *Session) WaitVisible(ctx context.Context, locator string) error {
	return s.do(ctx, "wait", locator)
}

func (s *Session) Evaluate(ctx context.Context, script string) (any, error) {
	if err := s.do(ctx, "evaluate", script); err != nil {
		return nil, err
	}

	return s.script.Evals[script], nil
}

func (s *Session) Text(ctx context.Context, locator string) (string, error) {
	if err := s.do(ctx, "text", locator); err != nil {
		return "", err
	}

	text, ok := s.script.Texts[locator]
	if !ok {
		return "", fmt.Errorf("no element matches %q", locator)
	}

	return text, nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.do(ctx, "screenshot", ""); err != nil {
		return nil, err
	}

	return []byte("\x89PNG fake"), nil
}

func (s *Session) Location(ctx context.Context) (string, error) {
	if err := s.do(ctx, "location", ""); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.url, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// ErrLaunch is returned by a Launcher while it is scripted to fail.
var ErrLaunch = errors.New("fake launch failure")

// Launcher hands out fake sessions and tracks how many are open at once.
type Launcher struct {
	script *Script

	// FailFirst makes the first n launches fail with ErrLaunch.
	FailFirst int32

	launches atomic.Int32
	open     atomic.Int32
	maxOpen  atomic.Int32

	mu       sync.Mutex
	sessions []*Session
	options  []browser.LaunchOptions
}

// Compile-time interface check.
var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher creates a fake launcher whose sessions share one script.
func NewLauncher(script *Script) *Launcher {
	return &Launcher{script: script}
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := l.launches.Add(1)
	if n <= l.FailFirst {
		return nil, ErrLaunch
	}

	sess := NewSession(l.script)

	l.mu.Lock()
	l.sessions = append(l.sessions, sess)
	l.options = append(l.options, opts)
	l.mu.Unlock()

	open := l.open.Add(1)
	for {
		cur := l.maxOpen.Load()
		if open <= cur || l.maxOpen.CompareAndSwap(cur, open) {
			break
		}
	}

	return &trackedSession{Session: sess, launcher: l}, nil
}

// Launches returns the number of launch attempts.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// Open returns the number of sessions not yet closed.
func (l *Launcher) Open() int {
	return int(l.open.Load())
}

// MaxOpen returns the highest number of simultaneously open sessions.
func (l *Launcher) MaxOpen() int {
	return int(l.maxOpen.Load())
}

// Sessions returns every session launched so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*Session(nil), l.sessions...)
}

// Options returns the options of every successful launch.
func (l *Launcher) Options() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]browser.LaunchOptions(nil), l.options...)
}

// AllCalls returns the calls of every session, in launch order.
func (l *Launcher) AllCalls() []string {
	var calls []string

	for _, s := range l.Sessions() {
		calls = append(calls, s.Calls()...)
	}

	return calls
}

// CallsWithPrefix filters calls by operation prefix, e.g. "click:".
func CallsWithPrefix(calls []string, prefix string) []string {
	var out []string

	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}

	return out
}

type trackedSession struct {
	*Session
	launcher *Launcher
	once     sync.Once
}

func (t *trackedSession) Close() error {
	t.once.Do(func() {
		t.launcher.open.Add(-1)
	})

	return t.Session.Close()
}
