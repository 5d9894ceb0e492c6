package interpreter

import (
	"fmt"
	"time"
)

// AssertionError reports a step whose expected outcome did not hold.
type AssertionError struct {
	Locator  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("expected %s to contain %q, got %q", e.Locator, e.Expected, e.Actual)
	}

	return fmt.Sprintf("expected %q, got %q", e.Expected, e.Actual)
}

// TimeoutError reports a step that exceeded its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step timed out after %s", e.Timeout)
}
