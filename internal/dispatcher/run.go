package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
	"github.com/determined-ai/trialdispatcher/version"
)

// Run stages the runner assets, starts the prefetched environments and then reconciles trials
// until ctx is done, CleanUp is called or a fatal error occurs.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.channel.Start(d.handleInbound); err != nil {
		return errors.Wrap(err, "starting command channel")
	}
	d.log.Infof("started %s command channel", d.channel.Name())

	if err := d.prepare(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.channel.Run(gctx)
	})
	g.Go(func() error {
		return d.environmentMaintenanceLoop(gctx)
	})
	g.Go(func() error {
		return d.trialManagementLoop(gctx)
	})
	d.log.Info("run loop started")
	return g.Wait()
}

func (d *Dispatcher) prepare(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.trialConfig == nil {
		return errors.Wrap(ErrNotInitialized, "running dispatcher")
	}
	d.log.Info("staging trial code and runner settings")
	if err := d.stageAssets(ctx); err != nil {
		return errors.Wrap(err, "staging runner assets")
	}

	for i := 0; i < d.envs.PrefetchedEnvironmentCount(); i++ {
		if !d.envs.HasMoreEnvironments() {
			break
		}
		if err := d.requestEnvironment(ctx); err != nil {
			d.log.WithError(err).Warn("failed to prefetch environment")
		}
	}
	return nil
}

// stageAssets writes the code archive, install script and runner settings under envs/.
func (d *Dispatcher) stageAssets(ctx context.Context) error {
	envDir := d.store.JoinPath("envs")

	if codeDir := d.trialConfig.CodeDir; codeDir != "" {
		abs, err := filepath.Abs(codeDir)
		if err != nil {
			return errors.Wrapf(err, "resolving code directory %s", codeDir)
		}
		archive, err := d.store.CopyDirectory(ctx, abs, envDir, true)
		if err != nil {
			return errors.Wrap(err, "copying trial code")
		}
		if err := d.store.Rename(ctx, archive, CodeArchiveName); err != nil {
			return errors.Wrap(err, "renaming trial code archive")
		}
	}

	install := d.store.JoinPath("envs", InstallScriptName)
	if err := d.store.Save(ctx, []byte(d.config.InstallScript), install); err != nil {
		return errors.Wrap(err, "saving install script")
	}

	settings, err := json.Marshal(d.runnerSettings())
	if err != nil {
		return errors.Wrap(err, "encoding runner settings")
	}
	if err := d.store.Save(ctx, settings, d.store.JoinPath("envs", SettingsName)); err != nil {
		return errors.Wrap(err, "saving runner settings")
	}
	return nil
}

func (d *Dispatcher) runnerSettings() rproto.RunnerSettings {
	s := rproto.RunnerSettings{
		ExperimentID:       d.config.ExperimentID,
		Platform:           d.config.Platform,
		ManagerIP:          d.config.ManagerIP,
		ManagerPort:        d.config.ManagerPort,
		Command:            d.trialConfig.Command,
		LogCollection:      d.config.LogCollection,
		EnableGPUCollector: d.trialConfig.gpuEnabled(),
		CommandChannel:     d.channel.Name(),
	}
	if d.config.VersionCheck {
		s.ManagerVersion = version.Version
	}
	return s
}

// CleanUp stops every alive environment and the command channel. Trials are left as they are.
func (d *Dispatcher) CleanUp(ctx context.Context) error {
	var merr *multierror.Error

	d.mu.Lock()
	d.stopping = true
	d.stopOnce.Do(func() { close(d.stopped) })
	for _, env := range d.reg.orderedEnvironments() {
		if env.IsAlive {
			if err := d.stopEnvironment(ctx, env); err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "stopping environment %s", env.ID))
			}
		}
		d.closeChannel(ctx, env)
	}
	d.updateGauges()
	d.mu.Unlock()

	if err := d.channel.Stop(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "stopping command channel"))
	}
	d.logs.Close()
	d.log.Info("dispatcher cleaned up")
	return merr.ErrorOrNil()
}

// ListEnvironments returns a copy of every environment in creation order.
func (d *Dispatcher) ListEnvironments() []model.Environment {
	d.mu.Lock()
	defer d.mu.Unlock()

	envs := d.reg.orderedEnvironments()
	out := make([]model.Environment, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Snapshot())
	}
	return out
}
