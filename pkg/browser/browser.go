// Package browser provides the browser automation sessions test steps run
// against. Sessions are backed by chromedp, either on a locally executed
// browser, a remote DevTools endpoint, or a browser container started per
// session.
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("browser session closed")

// Session is one isolated browser tab. A session is used by a single run at
// a time and must be closed by its owner.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, locator string) error
	Fill(ctx context.Context, locator, value string) error
	WaitVisible(ctx context.Context, locator string) error
	Evaluate(ctx context.Context, script string) (any, error)
	Text(ctx context.Context, locator string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Location(ctx context.Context) (string, error)
	Close() error
}

// LaunchOptions configures a new session.
type LaunchOptions struct {
	RunID       string
	Browser     string
	Width       int
	Height      int
	Credentials *testrun.Credentials
}

// Launcher acquires browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, opts LaunchOptions) (Session, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	return f(ctx, opts)
}

// BasicAuthHeader returns the Authorization header value for credentials.
func BasicAuthHeader(c *testrun.Credentials) string {
	if c == nil || (c.Username == "" && c.Password == "") {
		return ""
	}

	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))

	return "Basic " + token
}

func (o LaunchOptions) validate() error {
	switch o.Browser {
	case "", testrun.DefaultBrowser, "chrome":
	default:
		return fmt.Errorf("unsupported browser %q", o.Browser)
	}

	return nil
}
