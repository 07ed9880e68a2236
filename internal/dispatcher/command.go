package dispatcher

import (
	"encoding/json"
	"regexp"

	semvar "github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/internal/triallog"
	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

// metricPattern finds the metric marker the trial SDK prints, one per line.
var metricPattern = regexp.MustCompile(`(?m)NNISDK_MEb'(.*)'$`)

type handlerOptions struct {
	log          *logrus.Entry
	versionCheck bool
	version      *semvar.Version
}

// effects are the side effects of a command that happen outside the dispatcher lock.
type effects struct {
	lines   []triallog.Entry
	metrics []MetricEvent
}

// handleCommand applies one inbound command to the registry.
func handleCommand(
	reg *registry, env *model.Environment, cmd rproto.Command, opts handlerOptions,
) (effects, error) {
	var eff effects
	log := opts.log.WithField("environment-id", env.ID)

	switch cmd.Type {
	case rproto.Initialized:
		var r rproto.InitializedReport
		if len(cmd.Data) > 0 {
			if err := cmd.Decode(&r); err != nil {
				return eff, err
			}
		}
		wasReady := env.IsRunnerReady
		env.ReportNodeRunning(r.Node)
		if !wasReady && env.IsRunnerReady {
			log.Info("runner is ready")
		}

	case rproto.GPUInfo:
		var r rproto.GPUReport
		if err := cmd.Decode(&r); err != nil {
			return eff, err
		}
		summary := r.GPUSummary
		env.SetGPUSummary(r.Node, &summary)

	case rproto.TrialEnd:
		var r rproto.TrialEndReport
		if err := cmd.Decode(&r); err != nil {
			return eff, err
		}
		t, ok := reg.trial(r.Trial)
		if !ok {
			return eff, errors.Wrapf(ErrTrialNotFound, "trial end for %s", r.Trial)
		}
		if t.Environment != env {
			log.WithField("trial-id", t.ID).Debug("ignoring trial end from a previous binding")
			return eff, nil
		}
		status := model.TrialSucceeded
		if r.Code != 0 {
			status = model.TrialFailed
		}
		t.Nodes[r.Node] = &model.NodeResult{Status: status, EndTime: r.EndTime()}

	case rproto.VersionCheck:
		if !opts.versionCheck {
			return eff, nil
		}
		var r rproto.VersionCheckReport
		if err := cmd.Decode(&r); err != nil {
			return eff, err
		}
		checkRunnerVersion(log, r, opts.version)

	case rproto.Stdout:
		var r rproto.StdoutReport
		if err := cmd.Decode(&r); err != nil {
			return eff, err
		}
		if r.Trial == "" {
			log.WithField("tag", r.Tag).Debug(r.Msg)
			return eff, nil
		}
		if r.Tag == rproto.StdoutTagTrial {
			if matches := metricPattern.FindAllStringSubmatch(r.Msg, -1); len(matches) > 0 {
				for _, m := range matches {
					eff.metrics = append(eff.metrics, MetricEvent{TrialID: r.Trial, Data: m[1]})
				}
				return eff, nil
			}
		}
		eff.lines = append(eff.lines, triallog.Entry{TrialID: r.Trial, Line: r.Msg})

	case rproto.ReportMetricData:
		var r rproto.MetricReport
		if err := cmd.Decode(&r); err != nil {
			return eff, err
		}
		for _, raw := range r.Data {
			eff.metrics = append(eff.metrics, MetricEvent{TrialID: r.Trial, Data: metricString(raw)})
		}

	default:
		return eff, errors.Errorf("unexpected command %s", cmd.Type)
	}
	return eff, nil
}

// checkRunnerVersion logs incompatible runners. It never fails the environment.
func checkRunnerVersion(log *logrus.Entry, r rproto.VersionCheckReport, dispatcher *semvar.Version) {
	if r.Tag != rproto.VersionCheckTagSuccess {
		log.Errorf("runner version check failed: %s", r.Msg)
		return
	}
	if r.Version == "" || dispatcher == nil {
		return
	}
	v, err := semvar.NewVersion(r.Version)
	if err != nil {
		log.WithError(err).Warnf("cannot parse runner version %q", r.Version)
		return
	}
	if v.Major() != dispatcher.Major() || v.Minor() != dispatcher.Minor() {
		log.Warnf("runner version %s does not match dispatcher version %s", v, dispatcher)
	}
}

// metricString unquotes metrics sent as JSON strings and passes anything else through.
func metricString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// handleInbound is the channel handler.
func (d *Dispatcher) handleInbound(cmd rproto.Command) {
	commandsReceived.WithLabelValues(string(cmd.Type)).Inc()
	log := d.log.WithField("command", cmd.Type)

	d.mu.Lock()
	env, ok := d.reg.environment(cmd.Environment)
	if !ok {
		d.mu.Unlock()
		d.wake.Notify()
		log.Warnf("command from unknown environment %s", cmd.Environment)
		return
	}
	eff, err := handleCommand(d.reg, env, cmd, handlerOptions{
		log:          d.log,
		versionCheck: d.config.VersionCheck,
		version:      d.version,
	})
	d.mu.Unlock()
	d.wake.Notify()

	if err != nil {
		log.WithError(err).WithField("environment-id", env.ID).Error("error handling command")
	}
	for _, line := range eff.lines {
		d.logs.Insert(line)
	}
	d.emitMetrics(eff.metrics)
}
