package testrun

import (
	"fmt"
	"time"
)

// ControlAction is an out-of-band instruction for a run.
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlStop   ControlAction = "stop"
	ControlStatus ControlAction = "status"
)

// ControlMessage carries a control instruction for a single run.
type ControlMessage struct {
	Action    ControlAction `json:"action"`
	RunID     string        `json:"run_id"`
	Timestamp time.Time     `json:"timestamp"`
	IssuedBy  string        `json:"issued_by,omitempty"`
}

// NewControlMessage builds a control message stamped with the current time.
func NewControlMessage(action ControlAction, runID, issuedBy string) ControlMessage {
	return ControlMessage{
		Action:    action,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		IssuedBy:  issuedBy,
	}
}

// Validate checks the control message.
func (m ControlMessage) Validate() error {
	switch m.Action {
	case ControlPause, ControlResume, ControlStop, ControlStatus:
	default:
		return fmt.Errorf("unknown control action %q", m.Action)
	}

	if m.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	return nil
}

// StatusEvent announces a run status change or progress update.
type StatusEvent struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	Reason    Reason    `json:"reason,omitempty"`
	Progress  Progress  `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}
