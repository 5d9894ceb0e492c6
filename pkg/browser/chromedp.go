package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// ExecOptions configures locally executed browsers.
type ExecOptions struct {
	ExecPath string
	Headless bool
}

type execLauncher struct {
	log  logrus.FieldLogger
	opts ExecOptions
}

// Compile-time interface check.
var _ Launcher = (*execLauncher)(nil)

// NewExecLauncher creates a Launcher that starts a browser process per
// session.
func NewExecLauncher(log logrus.FieldLogger, opts ExecOptions) Launcher {
	return &execLauncher{
		log:  log.WithField("component", "browser-exec"),
		opts: opts,
	}
}

func (l *execLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.WindowSize(opts.Width, opts.Height),
	)

	if l.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	return newChromeSession(ctx, l.log, allocCtx, allocCancel, opts, nil)
}

type remoteLauncher struct {
	log logrus.FieldLogger
	url string
}

// Compile-time interface check.
var _ Launcher = (*remoteLauncher)(nil)

// NewRemoteLauncher creates a Launcher that opens a new tab on a running
// browser reachable at a DevTools websocket URL.
func NewRemoteLauncher(log logrus.FieldLogger, url string) Launcher {
	return &remoteLauncher{
		log: log.WithField("component", "browser-remote"),
		url: url,
	}
}

func (l *remoteLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), l.url)

	return newChromeSession(ctx, l.log, allocCtx, allocCancel, opts, nil)
}

// chromeSession is a chromedp tab. Actions run on the tab context; the
// caller's context only bounds each individual call.
type chromeSession struct {
	log         logrus.FieldLogger
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	onClose     func()

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ Session = (*chromeSession)(nil)

func newChromeSession(
	ctx context.Context,
	log logrus.FieldLogger,
	allocCtx context.Context,
	allocCancel context.CancelFunc,
	opts LaunchOptions,
	onClose func(),
) (*chromeSession, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		log:         log.WithField("run_id", opts.RunID),
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		onClose:     onClose,
	}

	setup := []chromedp.Action{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
	}

	if header := BasicAuthHeader(opts.Credentials); header != "" {
		setup = append(setup,
			network.Enable(),
			network.SetExtraHTTPHeaders(network.Headers{"Authorization": header}),
		)
	}

	// The first Run starts the browser and attaches to the tab.
	if err := s.run(ctx, setup...); err != nil {
		_ = s.Close()

		return nil, fmt.Errorf("starting browser session: %w", err)
	}

	s.log.Debug("Browser session started")

	return s, nil
}

// run executes actions on the tab, bounded by the caller's context.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}

	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return err
	}

	return nil
}

// query maps a locator to a chromedp query option. Locators are CSS
// selectors unless prefixed with "xpath=".
func query(locator string) (string, chromedp.QueryOption) {
	if after, ok := strings.CutPrefix(locator, "xpath="); ok {
		return after, chromedp.BySearch
	}

	return locator, chromedp.ByQuery
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromeSession) Click(ctx context.Context, locator string) error {
	sel, by := query(locator)

	return s.run(ctx,
		chromedp.WaitVisible(sel, by),
		chromedp.Click(sel, by),
	)
}

func (s *chromeSession) Fill(ctx context.Context, locator, value string) error {
	sel, by := query(locator)

	return s.run(ctx,
		chromedp.WaitVisible(sel, by),
		chromedp.Clear(sel, by),
		chromedp.SendKeys(sel, value, by),
	)
}

func (s *chromeSession) WaitVisible(ctx context.Context, locator string) error {
	sel, by := query(locator)

	return s.run(ctx, chromedp.WaitVisible(sel, by))
}

func (s *chromeSession) Evaluate(ctx context.Context, script string) (any, error) {
	var res any
	if err := s.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return nil, err
	}

	return res, nil
}

func (s *chromeSession) Text(ctx context.Context, locator string) (string, error) {
	sel, by := query(locator)

	var text string
	if err := s.run(ctx, chromedp.Text(sel, &text, by)); err != nil {
		return "", err
	}

	return text, nil
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}

	return buf, nil
}

func (s *chromeSession) Location(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}

	return url, nil
}

func (s *chromeSession) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.tabCancel()
	s.allocCancel()

	if s.onClose != nil {
		s.onClose()
	}

	s.log.Debug("Browser session closed")

	return nil
}
