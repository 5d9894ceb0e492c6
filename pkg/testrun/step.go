package testrun

import (
	"fmt"
)

// Action is a browser action a step performs.
type Action string

const (
	ActionNavigate   Action = "navigate"
	ActionClick      Action = "click"
	ActionFill       Action = "fill"
	ActionWait       Action = "wait"
	ActionEvaluate   Action = "evaluate"
	ActionScreenshot Action = "screenshot"
	ActionExpect     Action = "expect"
	ActionExtract    Action = "extract"
)

// Step is one browser action with an optional expected outcome.
type Step struct {
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	Action         Action `json:"action" yaml:"action"`
	Locator        string `json:"locator,omitempty" yaml:"locator,omitempty"`
	Value          string `json:"value,omitempty" yaml:"value,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty" yaml:"expected_result,omitempty"`
	SaveAs         string `json:"save_as,omitempty" yaml:"save_as,omitempty"`
}

// DisplayName returns the step name, falling back to a generated label.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}

	if s.Locator != "" {
		return fmt.Sprintf("%s %s", s.Action, s.Locator)
	}

	if s.Value != "" {
		return fmt.Sprintf("%s %s", s.Action, s.Value)
	}

	return string(s.Action)
}

// Validate checks that the step carries the fields its action needs.
func (s Step) Validate() error {
	switch s.Action {
	case ActionNavigate:
		if s.Value == "" {
			return fmt.Errorf("navigate requires a value (url)")
		}
	case ActionClick:
		if s.Locator == "" {
			return fmt.Errorf("click requires a locator")
		}
	case ActionFill:
		if s.Locator == "" {
			return fmt.Errorf("fill requires a locator")
		}
	case ActionWait:
		if s.Locator == "" && s.Value == "" {
			return fmt.Errorf("wait requires a locator or a duration value")
		}
	case ActionEvaluate:
		if s.Value == "" {
			return fmt.Errorf("evaluate requires a value (script)")
		}
	case ActionExpect:
		if s.ExpectedResult == "" {
			return fmt.Errorf("expect requires an expected_result")
		}
	case ActionExtract:
		if s.Locator == "" || s.SaveAs == "" {
			return fmt.Errorf("extract requires a locator and save_as")
		}
	case ActionScreenshot:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}

	return nil
}

// ValidateSteps validates every step of a test case.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	for i, s := range steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	return nil
}
