package dispatcher

import (
	"context"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/internal/gpu"
	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

// trialManagementLoop runs manageTrials every tick, or sooner when woken. It returns only on
// shutdown or a fatal error.
func (d *Dispatcher) trialManagementLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopped:
			return nil
		case <-d.wake.C():
		case <-d.clock.After(d.config.TrialTick):
		}
		if err := d.manageTrials(ctx); err != nil {
			d.log.WithError(err).Error("trial management stopped")
			return err
		}
	}
}

// manageTrials is one pass of trial reconciliation: it settles finished trials, places waiting
// ones and requests the environments still missing.
func (d *Dispatcher) manageTrials(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping || d.trialConfig == nil {
		return nil
	}
	defer d.updateGauges()

	var waiting []*model.Trial
	liveTrials := 0
	for _, t := range d.reg.orderedTrials() {
		switch t.Status {
		case model.TrialRunning:
			live, err := d.reconcileRunning(ctx, t)
			if err != nil {
				return err
			}
			if live {
				liveTrials++
			}
		case model.TrialWaiting, model.TrialUnknown:
			liveTrials++
			if t.Environment == nil {
				waiting = append(waiting, t)
			}
		}
	}

	reusable, liveEnvironments := d.classifyEnvironments(ctx)

	var needed int
	if d.trialConfig.gpuEnabled() {
		n, err := d.placeWithGPUs(ctx, waiting, reusable, liveEnvironments)
		if err != nil {
			return err
		}
		needed = n
	} else {
		for len(waiting) > 0 && len(reusable) > 0 {
			if err := d.allocate(ctx, waiting[0], reusable[0], nil); err != nil {
				return err
			}
			waiting, reusable = waiting[1:], reusable[1:]
		}
		needed = liveTrials - liveEnvironments
	}

	for i := 0; i < needed; i++ {
		if !d.envs.HasMoreEnvironments() {
			if !d.loggedNoMoreEnvironment {
				d.log.Info("no more environments available, waiting for running ones")
				d.loggedNoMoreEnvironment = true
			}
			break
		}
		d.loggedNoMoreEnvironment = false
		if err := d.requestEnvironment(ctx); err != nil {
			d.log.WithError(err).Warn("failed to request environment")
			break
		}
	}
	return nil
}

// reconcileRunning settles a running trial and reports whether it is still live.
func (d *Dispatcher) reconcileRunning(ctx context.Context, t *model.Trial) (bool, error) {
	log := d.log.WithField("trial-id", t.ID)
	env := t.Environment
	if env == nil {
		log.Warn("running trial has no environment")
		t.Status = model.TrialUnknown
		return true, nil
	}

	if len(t.Nodes) > 0 {
		status, endTime, complete := model.AggregateNodeResults(t.Nodes, env.NodeCount)
		if complete {
			t.Status = status
			t.EndTime = &endTime
			log.Infof("trial %s on environment %s", status, env.ID)
			return false, d.release(t)
		}
		if model.AnyNodeFailed(t.Nodes) && !t.KillSent && env.Status == model.EnvironmentRunning {
			if err := d.channel.SendCommand(ctx, env, rproto.KillTrialJob, t.ID); err != nil {
				log.WithError(err).Warn("failed to kill remaining workers of failed trial")
			} else {
				t.KillSent = true
			}
		}
	}

	if env.Status != model.EnvironmentRunning {
		t.Status = model.TrialStatusFromEnvironment(env.Status)
		if model.AnyNodeFailed(t.Nodes) {
			t.Status = model.TrialFailed
		}
		if t.Status.IsTerminal() {
			now := d.clock.Now()
			t.EndTime = &now
		}
		log.Infof("environment %s is %s, trial is now %s", env.ID, env.Status, t.Status)
		if err := d.release(t); err != nil {
			return false, err
		}
		return t.Status.IsLive(), nil
	}
	return true, nil
}

// classifyEnvironments returns the environments that can take a trial now, in creation order,
// and the number of environments that count toward capacity. When reuse is off, idle
// environments that already served a trial are stopped here.
func (d *Dispatcher) classifyEnvironments(ctx context.Context) ([]*model.Environment, int) {
	gpuEnabled := d.trialConfig.gpuEnabled()
	reuse := d.trialConfig.reuse()

	var reusable []*model.Environment
	live := 0
	for _, env := range d.reg.orderedEnvironments() {
		if !env.IsAlive {
			continue
		}
		if env.Status != model.EnvironmentRunning || !env.IsRunnerReady {
			live++
			continue
		}
		if !reuse && env.AssignedTrialCount > 0 {
			if env.RunningTrialCount > 0 {
				live++
				continue
			}
			d.log.WithField("environment-id", env.ID).Info("stopping used environment")
			if err := d.stopEnvironment(ctx, env); err != nil {
				live++
			}
			continue
		}
		live++
		if !gpuEnabled && env.RunningTrialCount > 0 {
			continue
		}
		reusable = append(reusable, env)
	}
	return reusable, live
}

// placeWithGPUs places waiting trials in order until one does not fit and returns how many
// environments to request.
func (d *Dispatcher) placeWithGPUs(
	ctx context.Context, waiting []*model.Trial, reusable []*model.Environment, liveEnvironments int,
) (int, error) {
	required := d.trialConfig.GPUNum
	for _, t := range waiting {
		p, err := d.gpus.Place(reusable, required, t.ID)
		if err != nil {
			return 0, errors.Wrap(ErrPrecondition, err.Error())
		}
		placements.WithLabelValues(string(p.Result)).Inc()

		switch p.Result {
		case gpu.Succeed:
			d.loggedNoAvailableGPU = false
			d.loggedExceedTotal = false
			if err := d.allocate(ctx, t, p.Environment, p.GPUIndices); err != nil {
				return 0, err
			}

		case gpu.TmpNoAvailableGPU:
			if !d.loggedNoAvailableGPU {
				d.log.WithField("trial-id", t.ID).Infof("no environment has %d free gpus", *required)
				d.loggedNoAvailableGPU = true
			}
			if liveEnvironments <= len(reusable) {
				return 1, nil
			}
			return 0, nil

		case gpu.RequireExceedTotal:
			if liveEnvironments == 0 {
				return 1, nil
			}
			if liveEnvironments == len(reusable) && allReportedGPUs(reusable) {
				return 0, errors.Wrapf(ErrResourceNotAvailable,
					"trial %s requires %d gpus but no environment has that many", t.ID, *required)
			}
			if !d.loggedExceedTotal {
				d.log.WithField("trial-id", t.ID).
					Warnf("no ready environment has %d gpus, waiting for the others", *required)
				d.loggedExceedTotal = true
			}
			return 0, nil
		}
	}
	return 0, nil
}

func allReportedGPUs(envs []*model.Environment) bool {
	if len(envs) == 0 {
		return false
	}
	for _, env := range envs {
		if !env.HasGPUInventory() {
			return false
		}
	}
	return true
}
