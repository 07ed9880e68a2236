package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	semvar "github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gotest.tools/assert"

	"github.com/determined-ai/trialdispatcher/internal/triallog"
	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

func mustCommand(t *testing.T, envID string, ct rproto.CommandType, payload interface{}) rproto.Command {
	cmd, err := rproto.NewCommand(envID, ct, payload)
	assert.NilError(t, err)
	return cmd
}

func testOptions() (handlerOptions, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return handlerOptions{
		log:          logrus.NewEntry(logger),
		versionCheck: true,
		version:      semvar.MustParse("0.3.0"),
	}, hook
}

func boundRegistry() (*registry, *model.Environment, *model.Trial) {
	reg := newRegistry()
	env := model.NewEnvironment("env01", "trial_exp_exp1_env_env01")
	reg.addEnvironment(env)
	tr := model.NewTrial("tr001", model.TrialForm{}, "", time.Time{})
	tr.Status = model.TrialRunning
	tr.Environment = env
	env.RunningTrialCount = 1
	env.AssignedTrialCount = 1
	reg.addTrial(tr)
	return reg, env, tr
}

func TestHandleStdout(t *testing.T) {
	cases := []struct {
		name    string
		report  rproto.StdoutReport
		lines   []triallog.Entry
		metrics []MetricEvent
	}{
		{
			name:   "plain trial line is logged",
			report: rproto.StdoutReport{Tag: "trial", Trial: "tr001", Msg: "epoch 1 done"},
			lines:  []triallog.Entry{{TrialID: "tr001", Line: "epoch 1 done"}},
		},
		{
			name: "metric marker becomes a metric",
			report: rproto.StdoutReport{
				Tag: "trial", Trial: "tr001",
				Msg: `[2021-01-01] NNISDK_MEb'{"type": "PERIODICAL", "value": 0.9}'`,
			},
			metrics: []MetricEvent{{TrialID: "tr001", Data: `{"type": "PERIODICAL", "value": 0.9}`}},
		},
		{
			name: "every marker line is a metric",
			report: rproto.StdoutReport{
				Tag: "trial", Trial: "tr001",
				Msg: "NNISDK_MEb'1'\nNNISDK_MEb'2'",
			},
			metrics: []MetricEvent{{TrialID: "tr001", Data: "1"}, {TrialID: "tr001", Data: "2"}},
		},
		{
			name:   "markers from non-trial tags are logged verbatim",
			report: rproto.StdoutReport{Tag: "runner", Trial: "tr001", Msg: "NNISDK_MEb'1'"},
			lines:  []triallog.Entry{{TrialID: "tr001", Line: "NNISDK_MEb'1'"}},
		},
		{
			name:   "runner lines without a trial are not persisted",
			report: rproto.StdoutReport{Tag: "runner", Msg: "starting"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, env, _ := boundRegistry()
			opts, _ := testOptions()
			eff, err := handleCommand(reg, env, mustCommand(t, env.ID, rproto.Stdout, tc.report), opts)
			assert.NilError(t, err)
			assert.DeepEqual(t, eff.lines, tc.lines)
			assert.DeepEqual(t, eff.metrics, tc.metrics)
		})
	}
}

func TestHandleReportMetricData(t *testing.T) {
	reg, env, _ := boundRegistry()
	opts, _ := testOptions()
	report := rproto.MetricReport{
		Trial: "tr001",
		Data:  []json.RawMessage{json.RawMessage(`"{\"value\": 1}"`), json.RawMessage(`{"value": 2}`)},
	}
	eff, err := handleCommand(reg, env, mustCommand(t, env.ID, rproto.ReportMetricData, report), opts)
	assert.NilError(t, err)
	assert.DeepEqual(t, eff.metrics, []MetricEvent{
		{TrialID: "tr001", Data: `{"value": 1}`},
		{TrialID: "tr001", Data: `{"value":2}`},
	})
}

func TestHandleTrialEnd(t *testing.T) {
	reg, env, tr := boundRegistry()
	opts, _ := testOptions()

	cmd := mustCommand(t, env.ID, rproto.TrialEnd, map[string]interface{}{
		"trial": "tr001", "code": "1", "time": 1700000000000,
	})
	_, err := handleCommand(reg, env, cmd, opts)
	assert.NilError(t, err)
	assert.Equal(t, len(tr.Nodes), 1)
	assert.Equal(t, tr.Nodes[""].Status, model.TrialFailed)
	assert.Equal(t, tr.Nodes[""].EndTime.UnixMilli(), int64(1700000000000))
	assert.Equal(t, tr.Status, model.TrialRunning, "aggregation happens in the trial loop")

	other := model.NewEnvironment("env02", "other")
	reg.addEnvironment(other)
	stale := mustCommand(t, other.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: "tr001", Node: "x"})
	_, err = handleCommand(reg, other, stale, opts)
	assert.NilError(t, err)
	assert.Equal(t, len(tr.Nodes), 1, "reports from other environments are ignored")

	_, err = handleCommand(reg, env, mustCommand(t, env.ID, rproto.TrialEnd,
		rproto.TrialEndReport{Trial: "gone"}), opts)
	assert.ErrorContains(t, err, "trial not found")
}

func TestHandleInitializedAndGPUInfo(t *testing.T) {
	reg, env, _ := boundRegistry()
	opts, _ := testOptions()

	_, err := handleCommand(reg, env, rproto.Command{Environment: env.ID, Type: rproto.Initialized}, opts)
	assert.NilError(t, err)
	assert.Assert(t, env.IsRunnerReady)

	report := rproto.GPUReport{
		GPUSummary: model.GPUSummary{GPUCount: 2, GPUInfos: []model.GPUInfo{{Index: 0}, {Index: 1}}},
		Node:       "n1",
	}
	_, err = handleCommand(reg, env, mustCommand(t, env.ID, rproto.GPUInfo, report), opts)
	assert.NilError(t, err)
	assert.Assert(t, env.HasGPUInventory())
	assert.DeepEqual(t, env.GPUInventory(), []int{0, 1})
}

func TestHandleVersionCheck(t *testing.T) {
	cases := []struct {
		name     string
		report   rproto.VersionCheckReport
		disabled bool
		level    logrus.Level
		logged   bool
	}{
		{name: "success", report: rproto.VersionCheckReport{Tag: "VCSuccess", Version: "0.3.1"}},
		{
			name:   "failure tag",
			report: rproto.VersionCheckReport{Tag: "VCFail", Msg: "version mismatch"},
			level:  logrus.ErrorLevel, logged: true,
		},
		{
			name:   "minor version mismatch",
			report: rproto.VersionCheckReport{Tag: "VCSuccess", Version: "0.4.0"},
			level:  logrus.WarnLevel, logged: true,
		},
		{
			name:     "disabled",
			report:   rproto.VersionCheckReport{Tag: "VCFail"},
			disabled: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, env, _ := boundRegistry()
			opts, hook := testOptions()
			opts.versionCheck = !tc.disabled
			_, err := handleCommand(reg, env, mustCommand(t, env.ID, rproto.VersionCheck, tc.report), opts)
			assert.NilError(t, err)
			if !tc.logged {
				assert.Equal(t, len(hook.AllEntries()), 0)
				return
			}
			assert.Assert(t, hook.LastEntry() != nil)
			assert.Equal(t, hook.LastEntry().Level, tc.level)
		})
	}
}

func TestHandleUnexpectedCommand(t *testing.T) {
	reg, env, _ := boundRegistry()
	opts, _ := testOptions()

	_, err := handleCommand(reg, env, rproto.Command{Environment: env.ID, Type: rproto.NewTrialJob}, opts)
	assert.ErrorContains(t, err, "unexpected command")

	_, err = handleCommand(reg, env, rproto.Command{
		Environment: env.ID, Type: rproto.GPUInfo, Data: json.RawMessage(`[`),
	}, opts)
	assert.ErrorContains(t, err, "decoding")
}
