package dispatcher

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/pkg/model"
)

func (d *Dispatcher) environmentMaintenanceLoop(ctx context.Context) error {
	interval := d.envs.MaintenanceLoopInterval()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopped:
			return nil
		case <-d.clock.After(interval):
		}
		d.maintainEnvironments(ctx)
	}
}

// maintainEnvironments refreshes the status of every alive environment and closes the channels of
// the ones that died.
func (d *Dispatcher) maintainEnvironments(ctx context.Context) {
	start := d.clock.Now()
	defer func() {
		maintenanceHistogram.Observe(d.clock.Since(start).Seconds())
	}()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return
	}

	var alive []*model.Environment
	previous := map[string]model.EnvironmentStatus{}
	for _, env := range d.reg.orderedEnvironments() {
		if env.IsAlive {
			alive = append(alive, env)
			previous[env.ID] = env.Status
			continue
		}
		d.closeChannel(ctx, env)
	}
	if len(alive) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	err := d.envs.RefreshEnvironmentsStatus(rctx, alive)
	cancel()
	if err != nil {
		d.log.WithError(err).Warn("failed to refresh environment status")
		return
	}

	changed := false
	for _, env := range alive {
		if env.Status != previous[env.ID] {
			d.log.WithField("environment-id", env.ID).
				Debugf("environment status %s -> %s", previous[env.ID], env.Status)
		}
		if !env.SetStatus(env.Status) {
			continue
		}
		changed = true
		d.log.WithField("environment-id", env.ID).Infof("environment is %s", env.Status)
		d.closeChannel(ctx, env)
	}
	if changed {
		d.updateGauges()
		d.wake.Notify()
	}
}

// requestEnvironment starts one new environment and opens its channel.
func (d *Dispatcher) requestEnvironment(ctx context.Context) error {
	id := d.newEnvironmentID()
	env := d.envs.CreateEnvironment(id, fmt.Sprintf("trial_exp_%s_env_%s", d.config.ExperimentID, id))
	if n := d.trialConfig.NodeCount; n > 1 && env.NodeCount <= 1 {
		env.NodeCount = n
	}
	env.Command = fmt.Sprintf("mkdir -p envs/%s && cd envs/%s && sh ../%s && %s",
		id, id, InstallScriptName, d.config.RunnerCommand)
	d.reg.addEnvironment(env)
	environmentsRequested.Inc()

	// The channel is open before the runner can connect back.
	if err := d.channel.Open(ctx, env); err != nil {
		env.SetStatus(model.EnvironmentFailed)
		env.ChannelClosed = true
		return errors.Wrapf(err, "opening channel of environment %s", id)
	}

	sctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	err := d.envs.StartEnvironment(sctx, env)
	cancel()
	if err == nil && env.Status == model.EnvironmentFailed {
		err = errors.Errorf("environment %s failed to start", id)
	}
	if err != nil {
		env.SetStatus(model.EnvironmentFailed)
		d.closeChannel(ctx, env)
		return errors.Wrapf(err, "starting environment %s", id)
	}
	env.SetStatus(env.Status)

	d.log.WithField("environment-id", id).Infof("requested environment %s", env.Name)
	d.updateGauges()
	d.wake.Notify()
	return nil
}

// stopEnvironment stops env and marks it canceled. Failures are logged and retried by the caller
// on a later tick.
func (d *Dispatcher) stopEnvironment(ctx context.Context, env *model.Environment) error {
	sctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	err := d.envs.StopEnvironment(sctx, env)
	cancel()
	if err != nil {
		d.log.WithError(err).WithField("environment-id", env.ID).Warn("failed to stop environment")
		return err
	}
	env.SetStatus(model.EnvironmentUserCanceled)
	d.closeChannel(ctx, env)
	d.wake.Notify()
	return nil
}

func (d *Dispatcher) closeChannel(ctx context.Context, env *model.Environment) {
	if env.ChannelClosed {
		return
	}
	env.ChannelClosed = true
	if err := d.channel.Close(ctx, env); err != nil {
		d.log.WithError(err).WithField("environment-id", env.ID).Debug("closing channel")
	}
}
