package interpreter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/ethpandaops/webtestoor/pkg/browser"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

// bodyLocator is checked when an expectation names no element.
const bodyLocator = "body"

// stepExecutor maps step actions onto a browser session.
type stepExecutor struct {
	session browser.Session
	baseURL string
	vars    map[string]any
	visited string
}

// execute runs a step. Screenshot steps return the captured bytes.
func (e *stepExecutor) execute(ctx context.Context, step testrun.Step) ([]byte, error) {
	value, err := render(step.Value, e.vars)
	if err != nil {
		return nil, err
	}

	expected, err := render(step.ExpectedResult, e.vars)
	if err != nil {
		return nil, err
	}

	switch step.Action {
	case testrun.ActionNavigate:
		target, err := resolveURL(e.baseURL, value)
		if err != nil {
			return nil, err
		}

		if err := e.session.Navigate(ctx, target); err != nil {
			return nil, fmt.Errorf("navigating to %s: %w", target, err)
		}

		e.visited = target

	case testrun.ActionClick:
		if err := e.session.Click(ctx, step.Locator); err != nil {
			return nil, fmt.Errorf("clicking %s: %w", step.Locator, err)
		}

	case testrun.ActionFill:
		if err := e.session.Fill(ctx, step.Locator, value); err != nil {
			return nil, fmt.Errorf("filling %s: %w", step.Locator, err)
		}

	case testrun.ActionWait:
		if err := e.wait(ctx, step.Locator, value); err != nil {
			return nil, err
		}

	case testrun.ActionEvaluate:
		res, err := e.session.Evaluate(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("evaluating script: %w", err)
		}

		if step.SaveAs != "" {
			e.vars[step.SaveAs] = res
		}

		if expected != "" {
			actual := fmt.Sprint(res)
			if actual != expected {
				return nil, &AssertionError{Expected: expected, Actual: truncate(actual, 200)}
			}
		}

		return nil, nil

	case testrun.ActionScreenshot:
		data, err := e.session.Screenshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("capturing screenshot: %w", err)
		}

		return data, nil

	case testrun.ActionExpect:
		return nil, e.expect(ctx, step.Locator, expected)

	case testrun.ActionExtract:
		text, err := e.session.Text(ctx, step.Locator)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", step.Locator, err)
		}

		e.vars[step.SaveAs] = strings.TrimSpace(text)

		return nil, nil

	default:
		return nil, fmt.Errorf("unknown action %q", step.Action)
	}

	if expected != "" {
		return nil, e.expect(ctx, "", expected)
	}

	return nil, nil
}

// wait blocks until an element is visible, or for a fixed duration when no
// locator is given. Bare integers are milliseconds.
func (e *stepExecutor) wait(ctx context.Context, locator, value string) error {
	if locator != "" {
		if err := e.session.WaitVisible(ctx, locator); err != nil {
			return fmt.Errorf("waiting for %s: %w", locator, err)
		}

		return nil
	}

	d, err := parseWait(value)
	if err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *stepExecutor) expect(ctx context.Context, locator, expected string) error {
	if locator == "" {
		locator = bodyLocator
	}

	text, err := e.session.Text(ctx, locator)
	if err != nil {
		return fmt.Errorf("reading %s: %w", locator, err)
	}

	if !strings.Contains(text, expected) {
		return &AssertionError{Locator: locator, Expected: expected, Actual: truncate(text, 200)}
	}

	return nil
}

// lastURL returns the last navigated URL, or fallback when none.
func (e *stepExecutor) lastURL(fallback string) string {
	if e.visited != "" {
		return e.visited
	}

	return fallback
}

func parseWait(value string) (time.Duration, error) {
	if ms, err := strconv.Atoi(value); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative wait %q", value)
		}

		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid wait duration %q: %w", value, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("negative wait %q", value)
	}

	return d, nil
}

// render substitutes {{.key}} references from the step context.
func render(s string, vars map[string]any) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	tmpl, err := template.New("step").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing template %q: %w", s, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("rendering template %q: %w", s, err)
	}

	return sb.String(), nil
}

// resolveURL resolves relative navigate targets against the base URL.
func resolveURL(base, target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", target, err)
	}

	if ref.IsAbs() || base == "" {
		return target, nil
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", base, err)
	}

	return baseURL.ResolveReference(ref).String(), nil
}

// truncate shortens s to at most n bytes without splitting a rune. Invalid
// UTF-8 from the page is replaced so results stay storable.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "..."
}
