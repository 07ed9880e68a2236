package rproto

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// TrialJob is the NEW_TRIAL_JOB payload: everything a runner needs to start a trial.
type TrialJob struct {
	TrialID    string `json:"trialId"`
	GPUIndices string `json:"gpuIndices,omitempty"`
	SequenceID int    `json:"sequenceId"`
	Parameter  string `json:"parameter"`
}

// TrialParameter is the SEND_TRIAL_JOB_PARAMETER payload.
type TrialParameter struct {
	TrialID    string `json:"trialId"`
	Parameters string `json:"parameters"`
}

// InitializedReport is the INITIALIZED payload.
type InitializedReport struct {
	Node string `json:"node,omitempty"`
}

// GPUReport is the GPU_INFO payload.
type GPUReport struct {
	model.GPUSummary
	Node string `json:"node,omitempty"`
}

// TrialEndReport is the TRIAL_END payload sent once per worker of a trial.
type TrialEndReport struct {
	Trial string    `json:"trial"`
	Node  string    `json:"node,omitempty"`
	Code  FlexInt64 `json:"code"`
	// Time is the end time in epoch milliseconds.
	Time FlexInt64 `json:"time"`
}

// EndTime returns the reported end time.
func (r TrialEndReport) EndTime() time.Time {
	return time.UnixMilli(int64(r.Time))
}

// VersionCheckTagSuccess is the VERSION_CHECK tag of a compatible runner.
const VersionCheckTagSuccess = "VCSuccess"

// VersionCheckReport is the VERSION_CHECK payload.
type VersionCheckReport struct {
	Tag     string `json:"tag"`
	Msg     string `json:"msg,omitempty"`
	Version string `json:"version,omitempty"`
}

// StdoutTagTrial marks STDOUT lines printed by trial code, the only lines that carry metrics.
const StdoutTagTrial = "trial"

// StdoutReport is the STDOUT payload.
type StdoutReport struct {
	Tag       string `json:"tag"`
	Trial     string `json:"trial,omitempty"`
	Msg       string `json:"msg"`
	Timestamp string `json:"timestamp,omitempty"`
	Level     string `json:"level,omitempty"`
}

// MetricReport is the REPORT_METRIC_DATA payload.
type MetricReport struct {
	Trial string            `json:"trial"`
	Data  []json.RawMessage `json:"data"`
}

// FlexInt64 is an integer that runners send either as a JSON number or a numeric string.
type FlexInt64 int64

// UnmarshalJSON implements the json.Unmarshaler interface.
func (f *FlexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return errors.Wrapf(err, "invalid integer %s", b)
	}
	*f = FlexInt64(v)
	return nil
}
