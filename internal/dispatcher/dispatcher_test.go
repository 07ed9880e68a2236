package dispatcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/ptrs"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

func TestSubmitRequiresTrialConfig(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.d.Submit(form(0))
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, h.d.SetClusterMetadata(TrialConfigKey,
		`{"command": "python3 mnist.py", "codeDir": ".", "gpuNum": 0}`))
	require.Equal(t, `{"command": "python3 mnist.py", "codeDir": ".", "gpuNum": 0}`,
		h.envs.config[TrialConfigKey])

	tr, err := h.d.Submit(form(3))
	require.NoError(t, err)
	require.Len(t, tr.ID, idLength)
	require.Equal(t, model.TrialWaiting, tr.Status)
	require.Equal(t, "trials/"+tr.ID, tr.WorkingDirectory)
	require.Equal(t, 3, tr.Form.SequenceID)
	require.Nil(t, tr.StartTime)
}

func TestSubmitWithoutStorageHasNoWorkingDirectory(t *testing.T) {
	h := newHarness(t, defaultTrialConfig(), func(f *fakeEnvironments) { f.storage = false })
	tr, err := h.d.Submit(form(0))
	require.NoError(t, err)
	require.Empty(t, tr.WorkingDirectory)
}

func TestSetClusterMetadata(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())

	require.NoError(t, h.d.SetClusterMetadata(ManagerIPKey, `{"nniManagerIp": "10.0.0.3"}`))
	require.NoError(t, h.d.SetClusterMetadata(VersionCheckKey, "True"))
	require.NoError(t, h.d.SetClusterMetadata(LogCollectionKey, "http"))
	require.NoError(t, h.d.SetClusterMetadata("custom_key", "v"))

	s := h.d.runnerSettings()
	require.Equal(t, "10.0.0.3", s.ManagerIP)
	require.NotEmpty(t, s.ManagerVersion)
	require.Equal(t, "http", s.LogCollection)
	require.Equal(t, "memory", s.CommandChannel)
	require.Equal(t, "v", h.envs.config["custom_key"])

	require.Error(t, h.d.SetClusterMetadata(TrialConfigKey, "{"))
	require.Error(t, h.d.SetClusterMetadata(ManagerIPKey, "10.0.0.3"))
}

// Three waiting trials and no environments request exactly three environments.
func TestRequestsOneEnvironmentPerWaitingTrial(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	h.submit(t, 3)

	h.tick(t)
	require.Equal(t, 3, h.envs.createdCount())
	for i := 0; i < 3; i++ {
		env := h.environment(t, i)
		require.True(t, strings.HasPrefix(env.Name, "trial_exp_exp1_env_"), env.Name)
		require.Equal(t, "mkdir -p envs/"+env.ID+" && cd envs/"+env.ID+
			" && sh ../install_runner.sh && python3 -m nni.tools.trial_tool.trial_runner", env.Command)
		require.True(t, env.IsAlive)
		require.True(t, h.ch.IsOpen(env.ID))
	}

	h.tick(t)
	require.Equal(t, 3, h.envs.createdCount(), "live environments already cover the trials")
}

func TestRequestsAreBoundedByCapacity(t *testing.T) {
	h := newHarness(t, defaultTrialConfig(), func(f *fakeEnvironments) { f.max = 2 })
	h.submit(t, 3)

	h.tick(t)
	require.Equal(t, 2, h.envs.createdCount())
	require.True(t, h.d.loggedNoMoreEnvironment)

	h.tick(t)
	require.Equal(t, 2, h.envs.createdCount())
}

func TestFailedStartIsRetried(t *testing.T) {
	h := newHarness(t, defaultTrialConfig(), func(f *fakeEnvironments) {
		f.startErr = errors.New("quota exceeded")
	})
	h.submit(t, 1)

	h.tick(t)
	envs := h.d.ListEnvironments()
	require.Len(t, envs, 1)
	require.Equal(t, model.EnvironmentFailed, envs[0].Status)
	require.False(t, envs[0].IsAlive)

	h.envs.mu.Lock()
	h.envs.startErr = nil
	h.envs.mu.Unlock()
	h.tick(t)
	require.Equal(t, 1, h.envs.createdCount())
}

func TestPlacesWaitingTrialOnReadyEnvironment(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)

	h.tick(t)
	require.Equal(t, model.TrialWaiting, h.trial(t, ids[0]).Status, "runner is not ready yet")

	h.readyEnvironment(t, env)
	h.tick(t)

	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialRunning, tr.Status)
	require.Equal(t, env.ID, tr.EnvironmentID())
	require.NotNil(t, tr.StartTime)
	require.Equal(t, 1, env.RunningTrialCount)
	require.Equal(t, 1, env.AssignedTrialCount)

	sent := h.ch.Sent(rproto.NewTrialJob)
	require.Len(t, sent, 1)
	require.Equal(t, env.ID, sent[0].Environment)
	job := decodeJob(t, sent[0])
	require.Equal(t, rproto.TrialJob{
		TrialID:    ids[0],
		SequenceID: 0,
		Parameter:  `{"lr": 0.1}`,
	}, job)
	requireInvariants(t, h.d)
}

func TestPlacementIsFIFO(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 3)
	h.tick(t)

	h.readyEnvironment(t, h.environment(t, 0))
	h.tick(t)

	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)
	require.Equal(t, model.TrialWaiting, h.trial(t, ids[1]).Status)
	require.Equal(t, model.TrialWaiting, h.trial(t, ids[2]).Status)
}

func TestReuseEnvironment(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)
	h.tick(t)

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Code: 0, Time: 1000})
	more := h.submit(t, 1)
	h.tick(t)

	require.Equal(t, model.TrialSucceeded, h.trial(t, ids[0]).Status)
	require.Equal(t, model.TrialRunning, h.trial(t, more[0]).Status)
	require.Equal(t, env.ID, h.trial(t, more[0]).EnvironmentID())
	require.Equal(t, 1, h.envs.createdCount())
	require.Equal(t, 2, env.AssignedTrialCount)
	require.Equal(t, 1, env.RunningTrialCount)
	requireInvariants(t, h.d)
}

// With reuse disabled an environment that finished its trial is stopped instead of reused.
func TestUsedEnvironmentIsStoppedWithoutReuse(t *testing.T) {
	c := defaultTrialConfig()
	c.ReuseEnvironment = ptrs.Ptr(false)
	h := newHarness(t, c)
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)
	h.tick(t)
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Code: 0, Time: 1000})
	more := h.submit(t, 1)
	h.tick(t)

	require.Equal(t, model.TrialSucceeded, h.trial(t, ids[0]).Status)
	require.Equal(t, []string{env.ID}, h.envs.stoppedIDs())
	require.Equal(t, model.EnvironmentUserCanceled, env.Status)
	require.False(t, env.IsAlive)
	require.False(t, h.ch.IsOpen(env.ID))

	require.Equal(t, model.TrialWaiting, h.trial(t, more[0]).Status)
	require.Equal(t, 2, h.envs.createdCount(), "a fresh environment is requested for the next trial")
	require.Len(t, h.ch.Sent(rproto.NewTrialJob), 1)
	requireInvariants(t, h.d)
}

func TestMultiNodeTrialFailsOnlyOnceAllNodesReport(t *testing.T) {
	c := defaultTrialConfig()
	c.NodeCount = 2
	h := newHarness(t, c)
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	require.Equal(t, 2, env.NodeCount)

	h.envs.setStatus(env.ID, model.EnvironmentRunning)
	h.maintain()
	h.deliver(t, env.ID, rproto.Initialized, rproto.InitializedReport{Node: "a"})
	require.False(t, env.IsRunnerReady)
	h.deliver(t, env.ID, rproto.Initialized, rproto.InitializedReport{Node: "b"})
	require.True(t, env.IsRunnerReady)
	h.tick(t)
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Node: "a", Code: 0, Time: 1000})
	h.tick(t)
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)
	require.Empty(t, h.ch.Sent(rproto.KillTrialJob))

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Node: "b", Code: 1, Time: 2000})
	h.tick(t)
	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialFailed, tr.Status)
	require.Equal(t, time.UnixMilli(2000), *tr.EndTime)
	require.Nil(t, tr.Environment)
	require.Equal(t, 0, env.RunningTrialCount)
	requireInvariants(t, h.d)
}

func TestPartialFailureKillsRemainingWorkersOnce(t *testing.T) {
	c := defaultTrialConfig()
	c.NodeCount = 2
	h := newHarness(t, c)
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env, "a", "b")
	h.tick(t)

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Node: "a", Code: 137, Time: 1000})
	h.tick(t)
	h.tick(t)
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)
	kills := h.ch.Sent(rproto.KillTrialJob)
	require.Len(t, kills, 1)
	require.Equal(t, `"`+ids[0]+`"`, string(kills[0].Data))

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Node: "b", Code: 0, Time: 1500})
	h.tick(t)
	require.Equal(t, model.TrialFailed, h.trial(t, ids[0]).Status)
}

// A multi-worker trial whose environment dies before every worker reports takes the
// environment's status and leaves it.
func TestPartialResultOnDeadEnvironment(t *testing.T) {
	c := defaultTrialConfig()
	c.NodeCount = 2
	h := newHarness(t, c)
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env, "a", "b")
	h.tick(t)

	h.deliver(t, env.ID, rproto.TrialEnd, rproto.TrialEndReport{Trial: ids[0], Node: "a", Code: 0, Time: 1000})
	h.tick(t)
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)

	h.envs.setStatus(env.ID, model.EnvironmentFailed)
	h.maintain()
	require.False(t, env.IsAlive)
	for i := 0; i < 5; i++ {
		h.tick(t)
	}

	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialFailed, tr.Status)
	require.NotNil(t, tr.EndTime)
	require.Nil(t, tr.Environment)
	require.Equal(t, 0, env.RunningTrialCount)
	require.Equal(t, 1, h.envs.createdCount(), "no environment is requested for a finished trial")
	require.Empty(t, h.ch.Sent(rproto.KillTrialJob))
	requireInvariants(t, h.d)
}

// An early-stopped running trial is killed and frees exactly one slot on its environment.
func TestCancelEarlyStopped(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)
	h.tick(t)
	before := env.RunningTrialCount

	require.NoError(t, h.d.Cancel(context.Background(), ids[0], true))

	kills := h.ch.Sent(rproto.KillTrialJob)
	require.Len(t, kills, 1)
	require.Equal(t, env.ID, kills[0].Environment)
	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialEarlyStopped, tr.Status)
	require.True(t, tr.IsEarlyStopped)
	require.NotNil(t, tr.EndTime)
	require.Nil(t, tr.Environment)
	require.Equal(t, before-1, env.RunningTrialCount)
	requireInvariants(t, h.d)

	require.NoError(t, h.d.Cancel(context.Background(), ids[0], false))
	require.Len(t, h.ch.Sent(rproto.KillTrialJob), 1, "terminal trials are not killed again")
}

func TestCancel(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 2)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)
	h.tick(t)

	require.ErrorIs(t, h.d.Cancel(context.Background(), "nope", false), ErrTrialNotFound)

	require.NoError(t, h.d.Cancel(context.Background(), ids[1], false))
	require.Equal(t, model.TrialWaiting, h.trial(t, ids[1]).Status, "unbound trials are left alone")

	h.ch.SendErr = errors.New("connection reset")
	require.Error(t, h.d.Cancel(context.Background(), ids[0], false))
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)
	require.Equal(t, 1, env.RunningTrialCount)

	h.ch.SendErr = nil
	require.NoError(t, h.d.Cancel(context.Background(), ids[0], false))
	require.Equal(t, model.TrialUserCanceled, h.trial(t, ids[0]).Status)
	require.False(t, h.trial(t, ids[0]).IsEarlyStopped)
}

func TestUpdate(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)

	require.ErrorIs(t, h.d.Update(context.Background(), "nope", form(1)), ErrTrialNotFound)
	require.ErrorIs(t, h.d.Update(context.Background(), ids[0], form(1)), ErrNotBound)

	h.tick(t)
	h.readyEnvironment(t, h.environment(t, 0))
	h.tick(t)

	f := form(0)
	f.HyperParameters.Value = `{"lr": 0.01}`
	require.NoError(t, h.d.Update(context.Background(), ids[0], f))
	sent := h.ch.Sent(rproto.SendTrialJobParameter)
	require.Len(t, sent, 1)
	var p rproto.TrialParameter
	require.NoError(t, sent[0].Decode(&p))
	require.Equal(t, rproto.TrialParameter{TrialID: ids[0], Parameters: `{"lr": 0.01}`}, p)
}

func TestDeadEnvironmentFailsItsTrial(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)
	h.tick(t)

	h.envs.setStatus(env.ID, model.EnvironmentFailed)
	h.maintain()
	require.False(t, env.IsAlive)
	require.False(t, h.ch.IsOpen(env.ID))

	h.tick(t)
	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialFailed, tr.Status)
	require.NotNil(t, tr.EndTime)
	require.Nil(t, tr.Environment)
	require.Equal(t, 0, env.RunningTrialCount)
	requireInvariants(t, h.d)
}

func TestUnknownEnvironmentRequeuesItsTrial(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)
	h.tick(t)
	first := h.environment(t, 0)
	h.readyEnvironment(t, first)
	h.tick(t)

	h.envs.setStatus(first.ID, model.EnvironmentUnknown)
	h.maintain()
	require.True(t, first.IsAlive)

	h.tick(t)
	require.Equal(t, model.TrialUnknown, h.trial(t, ids[0]).Status)
	require.Nil(t, h.trial(t, ids[0]).Environment)

	h.envs.setStatus(first.ID, model.EnvironmentRunning)
	h.maintain()
	h.tick(t)
	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialRunning, tr.Status)
	require.Equal(t, first.ID, tr.EnvironmentID())
	require.Len(t, h.ch.Sent(rproto.NewTrialJob), 2)
	requireInvariants(t, h.d)
}

func TestFailedSendIsRetried(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 1)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)

	h.ch.SendErr = errors.New("broken pipe")
	h.tick(t)
	tr := h.trial(t, ids[0])
	require.Equal(t, model.TrialWaiting, tr.Status)
	require.Nil(t, tr.Environment)
	require.Equal(t, 0, env.RunningTrialCount)
	require.Equal(t, 0, env.AssignedTrialCount)

	h.ch.SendErr = nil
	h.tick(t)
	require.Equal(t, model.TrialRunning, h.trial(t, ids[0]).Status)
	requireInvariants(t, h.d)
}

func TestAllocationPreconditions(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 2)
	h.tick(t)
	env := h.environment(t, 0)
	h.readyEnvironment(t, env)
	h.tick(t)

	bound := h.trial(t, ids[0])
	err := h.d.allocate(context.Background(), bound, env, nil)
	require.ErrorIs(t, err, ErrPrecondition)

	err = h.d.allocate(context.Background(), h.trial(t, ids[1]), env, nil)
	require.ErrorIs(t, err, ErrPrecondition, "environment already runs a trial")

	require.NoError(t, h.d.release(bound))
	require.Equal(t, 0, env.RunningTrialCount)
	require.ErrorIs(t, h.d.release(bound), ErrPrecondition)

	bound.Environment = env
	require.ErrorIs(t, h.d.release(bound), ErrPrecondition, "running count is already zero")
}

func TestListAndGetTrials(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	ids := h.submit(t, 3)

	trials := h.d.ListTrials()
	require.Len(t, trials, 3)
	for i, tr := range trials {
		require.Equal(t, ids[i], tr.ID)
	}

	tr, err := h.d.GetTrial(ids[1])
	require.NoError(t, err)
	require.Equal(t, 1, tr.Form.SequenceID)

	tr.Status = model.TrialFailed
	again, err := h.d.GetTrial(ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.TrialWaiting, again.Status, "snapshots are copies")

	_, err = h.d.GetTrial("nope")
	require.ErrorIs(t, err, ErrTrialNotFound)
}

func TestCommandFromUnknownEnvironmentWakesTrialLoop(t *testing.T) {
	h := newHarness(t, defaultTrialConfig())
	h.submit(t, 1)
	h.d.wake.Pending()

	h.deliver(t, "gone", rproto.Initialized, nil)
	require.True(t, h.d.wake.Pending())
}
