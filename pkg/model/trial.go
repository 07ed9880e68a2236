package model

import (
	"time"
)

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

const (
	// TrialWaiting means the trial has been submitted but is not running on an environment.
	TrialWaiting TrialStatus = "WAITING"
	// TrialRunning means the trial has been sent to an environment.
	TrialRunning TrialStatus = "RUNNING"
	// TrialSucceeded means every worker of the trial exited with code 0.
	TrialSucceeded TrialStatus = "SUCCEEDED"
	// TrialFailed means at least one worker of the trial exited with a non-zero code.
	TrialFailed TrialStatus = "FAILED"
	// TrialUserCanceled means the trial was canceled by the platform.
	TrialUserCanceled TrialStatus = "USER_CANCELED"
	// TrialEarlyStopped means the trial was canceled by an early-stopping decision.
	TrialEarlyStopped TrialStatus = "EARLY_STOPPED"
	// TrialUnknown means the trial lost track of its environment and will be placed again.
	TrialUnknown TrialStatus = "UNKNOWN"
)

// IsTerminal returns true if a trial in this state will never run again.
func (s TrialStatus) IsTerminal() bool {
	switch s {
	case TrialSucceeded, TrialFailed, TrialUserCanceled, TrialEarlyStopped:
		return true
	default:
		return false
	}
}

// IsLive returns true for the states the trial-management loop reconciles.
func (s TrialStatus) IsLive() bool {
	switch s {
	case TrialWaiting, TrialRunning, TrialUnknown:
		return true
	default:
		return false
	}
}

// TrialStatusFromEnvironment maps the status of an environment that stopped underneath a
// running trial onto the trial.
func TrialStatusFromEnvironment(s EnvironmentStatus) TrialStatus {
	switch s {
	case EnvironmentWaiting:
		return TrialWaiting
	case EnvironmentRunning:
		return TrialRunning
	case EnvironmentSucceeded:
		return TrialSucceeded
	case EnvironmentFailed:
		return TrialFailed
	case EnvironmentUserCanceled:
		return TrialUserCanceled
	default:
		return TrialUnknown
	}
}

// HyperParameters is the serialized hyperparameter assignment generated by a tuner.
type HyperParameters struct {
	Value string `json:"value"`
	Index int    `json:"index"`
}

// TrialForm is what the platform submits to create or update a trial.
type TrialForm struct {
	SequenceID      int             `json:"sequenceId"`
	HyperParameters HyperParameters `json:"hyperParameters"`
}

// NodeResult is the completion report of one worker of a trial.
type NodeResult struct {
	Status  TrialStatus `json:"status"`
	EndTime time.Time   `json:"endTime"`
}

// Trial is one evaluation of a hyperparameter configuration.
type Trial struct {
	ID               string                 `json:"id"`
	Status           TrialStatus            `json:"status"`
	Form             TrialForm              `json:"form"`
	SubmitTime       time.Time              `json:"submitTime"`
	StartTime        *time.Time             `json:"startTime,omitempty"`
	EndTime          *time.Time             `json:"endTime,omitempty"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
	Environment      *Environment           `json:"-"`
	Nodes            map[string]*NodeResult `json:"nodes,omitempty"`
	AssignedGPUs     []int                  `json:"assignedGpus,omitempty"`
	IsEarlyStopped   bool                   `json:"isEarlyStopped"`

	// KillSent is set once a kill has been sent for a partially failed multi-worker trial.
	KillSent bool `json:"-"`
}

// NewTrial returns a waiting trial with no environment.
func NewTrial(id string, form TrialForm, workingDirectory string, now time.Time) *Trial {
	return &Trial{
		ID:               id,
		Status:           TrialWaiting,
		Form:             form,
		SubmitTime:       now,
		WorkingDirectory: workingDirectory,
		Nodes:            map[string]*NodeResult{},
	}
}

// EnvironmentID returns the id of the bound environment, or "" when unbound.
func (t *Trial) EnvironmentID() string {
	if t.Environment == nil {
		return ""
	}
	return t.Environment.ID
}

// Snapshot returns a copy that is safe to hand out of the dispatcher. The environment pointer
// is dropped; use EnvironmentID on the trial itself for the binding.
func (t *Trial) Snapshot() Trial {
	c := *t
	c.Environment = nil
	c.Nodes = make(map[string]*NodeResult, len(t.Nodes))
	for k, v := range t.Nodes {
		n := *v
		c.Nodes[k] = &n
	}
	c.AssignedGPUs = append([]int(nil), t.AssignedGPUs...)
	return c
}

// AggregateNodeResults folds per-worker completion reports into one trial outcome. The result
// is complete only once at least expected workers have reported; the status is FAILED if any
// worker failed and the end time is the latest worker end time.
func AggregateNodeResults(
	nodes map[string]*NodeResult, expected int,
) (status TrialStatus, endTime time.Time, complete bool) {
	status = TrialSucceeded
	for _, node := range nodes {
		if node.Status == TrialFailed {
			status = TrialFailed
		}
		if node.EndTime.After(endTime) {
			endTime = node.EndTime
		}
	}
	if expected < 1 {
		expected = 1
	}
	return status, endTime, len(nodes) >= expected
}

// AnyNodeFailed returns true if any reported worker failed.
func AnyNodeFailed(nodes map[string]*NodeResult) bool {
	for _, node := range nodes {
		if node.Status == TrialFailed {
			return true
		}
	}
	return false
}
