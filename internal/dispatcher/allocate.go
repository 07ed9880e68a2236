package dispatcher

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

// allocate binds t to env and sends it the trial job. A broken binding invariant is returned as
// an error; a failed send is logged and undone so the trial is placed again on a later tick.
func (d *Dispatcher) allocate(
	ctx context.Context, t *model.Trial, env *model.Environment, gpuIndices []int,
) error {
	gpuEnabled := d.trialConfig.gpuEnabled()
	switch {
	case t.Environment != nil:
		return errors.Wrapf(ErrPrecondition,
			"trial %s is already bound to environment %s", t.ID, t.Environment.ID)
	case !gpuEnabled && env.RunningTrialCount > 0:
		return errors.Wrapf(ErrPrecondition,
			"environment %s already runs %d trials", env.ID, env.RunningTrialCount)
	}

	env.RunningTrialCount++
	env.AssignedTrialCount++
	t.Environment = env
	t.AssignedGPUs = gpuIndices
	t.Status = model.TrialRunning
	now := d.clock.Now()
	t.StartTime = &now
	t.Nodes = map[string]*model.NodeResult{}
	t.KillSent = false

	job := rproto.TrialJob{
		TrialID:    t.ID,
		SequenceID: t.Form.SequenceID,
		Parameter:  t.Form.HyperParameters.Value,
	}
	if gpuEnabled {
		job.GPUIndices = joinIndices(gpuIndices)
	}

	log := d.log.WithField("trial-id", t.ID).WithField("environment-id", env.ID)
	if err := d.channel.SendCommand(ctx, env, rproto.NewTrialJob, job); err != nil {
		log.WithError(err).Warn("failed to send trial job, will retry")
		if rerr := d.release(t); rerr != nil {
			return rerr
		}
		env.AssignedTrialCount--
		t.Status = model.TrialWaiting
		t.StartTime = nil
		return nil
	}
	log.Infof("assigned trial to environment, gpus [%s]", job.GPUIndices)
	return nil
}

// release unbinds t from its environment and frees its GPUs.
func (d *Dispatcher) release(t *model.Trial) error {
	env := t.Environment
	if env == nil {
		return errors.Wrapf(ErrPrecondition, "trial %s has no environment to release", t.ID)
	}
	if env.RunningTrialCount <= 0 {
		return errors.Wrapf(ErrPrecondition,
			"environment %s has no running trial to release for trial %s", env.ID, t.ID)
	}
	env.RunningTrialCount--
	t.Environment = nil

	if d.trialConfig != nil && d.trialConfig.gpuEnabled() {
		if _, ok := d.gpus.Reserved(t.ID); ok {
			if err := d.gpus.Release(t.ID); err != nil {
				return errors.Wrap(ErrPrecondition, err.Error())
			}
		}
	}
	return nil
}

func joinIndices(indices []int) string {
	s := make([]string, 0, len(indices))
	for _, i := range indices {
		s = append(s, strconv.Itoa(i))
	}
	return strings.Join(s, ",")
}
