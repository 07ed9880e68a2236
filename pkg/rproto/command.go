// Package rproto defines the messages exchanged between the trial dispatcher and the runner
// process inside every environment.
package rproto

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// CommandType names a runner command.
type CommandType string

// Commands sent to runners.
const (
	NewTrialJob           CommandType = "NEW_TRIAL_JOB"
	KillTrialJob          CommandType = "KILL_TRIAL_JOB"
	SendTrialJobParameter CommandType = "SEND_TRIAL_JOB_PARAMETER"
)

// Commands received from runners.
const (
	Initialized      CommandType = "INITIALIZED"
	VersionCheck     CommandType = "VERSION_CHECK"
	GPUInfo          CommandType = "GPU_INFO"
	Stdout           CommandType = "STDOUT"
	TrialEnd         CommandType = "TRIAL_END"
	ReportMetricData CommandType = "REPORT_METRIC_DATA"
)

// IsOutbound returns true for the commands only the dispatcher sends.
func (t CommandType) IsOutbound() bool {
	switch t {
	case NewTrialJob, KillTrialJob, SendTrialJobParameter:
		return true
	default:
		return false
	}
}

// Command is the envelope every message on a command channel is wrapped in.
type Command struct {
	Environment string          `json:"environment"`
	Type        CommandType     `json:"command"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewCommand wraps payload for the given environment.
func NewCommand(environmentID string, t CommandType, payload interface{}) (Command, error) {
	cmd := Command{Environment: environmentID, Type: t}
	if payload == nil {
		return cmd, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, errors.Wrapf(err, "encoding %s payload", t)
	}
	cmd.Data = data
	return cmd, nil
}

// Decode unmarshals the payload into v.
func (c Command) Decode(v interface{}) error {
	if len(c.Data) == 0 {
		return errors.Errorf("%s command from %s has no payload", c.Type, c.Environment)
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return errors.Wrapf(err, "decoding %s payload from %s", c.Type, c.Environment)
	}
	return nil
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.Environment)
}
