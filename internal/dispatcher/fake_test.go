package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/trialdispatcher/internal/channel"
	"github.com/determined-ai/trialdispatcher/internal/storage"
	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/ptrs"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

// fakeEnvironments is an environment service that records calls and reports the statuses tests
// set on it.
type fakeEnvironments struct {
	mu sync.Mutex

	max          int
	prefetch     int
	storage      bool
	startRunning bool
	startErr     error
	stopErr      error

	created  []*model.Environment
	stopped  []string
	statuses map[string]model.EnvironmentStatus
	config   map[string]string
}

func newFakeEnvironments() *fakeEnvironments {
	return &fakeEnvironments{
		storage:  true,
		statuses: map[string]model.EnvironmentStatus{},
		config:   map[string]string{},
	}
}

func (f *fakeEnvironments) CreateEnvironment(id, name string) *model.Environment {
	return model.NewEnvironment(id, name)
}

func (f *fakeEnvironments) StartEnvironment(_ context.Context, env *model.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		env.Status = model.EnvironmentFailed
		return f.startErr
	}
	env.Status = model.EnvironmentWaiting
	if f.startRunning {
		env.Status = model.EnvironmentRunning
	}
	f.created = append(f.created, env)
	return nil
}

func (f *fakeEnvironments) StopEnvironment(_ context.Context, env *model.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	env.Status = model.EnvironmentUserCanceled
	f.stopped = append(f.stopped, env.ID)
	return nil
}

func (f *fakeEnvironments) RefreshEnvironmentsStatus(_ context.Context, envs []*model.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range envs {
		if s, ok := f.statuses[env.ID]; ok {
			env.Status = s
		}
	}
	return nil
}

func (f *fakeEnvironments) HasStorageService() bool { return f.storage }

func (f *fakeEnvironments) HasMoreEnvironments() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max == 0 || len(f.created)-len(f.stopped) < f.max
}

func (f *fakeEnvironments) PrefetchedEnvironmentCount() int { return f.prefetch }

func (f *fakeEnvironments) MaintenanceLoopInterval() time.Duration { return time.Second }

func (f *fakeEnvironments) Config(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config[key] = value
	return nil
}

func (f *fakeEnvironments) setStatus(id string, s model.EnvironmentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

func (f *fakeEnvironments) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeEnvironments) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type harness struct {
	d     *Dispatcher
	envs  *fakeEnvironments
	ch    *channel.Memory
	clock clockwork.FakeClock
	root  string
}

func newHarness(t *testing.T, trial *TrialConfig, opts ...func(*fakeEnvironments)) *harness {
	root := t.TempDir()
	envs := newFakeEnvironments()
	for _, o := range opts {
		o(envs)
	}
	store, err := storage.NewMounted(root)
	require.NoError(t, err)
	ch := channel.NewMemory()
	clock := clockwork.NewFakeClock()

	d, err := New(Config{
		ExperimentID:   "exp1",
		ExperimentRoot: root,
		Platform:       "local",
		RunnerCommand:  "python3 -m nni.tools.trial_tool.trial_runner",
		TrialTick:      time.Second,
		Trial:          trial,
	}, envs, store, ch, clock)
	require.NoError(t, err)
	t.Cleanup(d.logs.Close)
	return &harness{d: d, envs: envs, ch: ch, clock: clock, root: root}
}

func defaultTrialConfig() *TrialConfig {
	return &TrialConfig{Command: "python3 mnist.py"}
}

func gpuTrialConfig(n int) *TrialConfig {
	c := defaultTrialConfig()
	c.GPUNum = ptrs.Ptr(n)
	return c
}

func form(seq int) model.TrialForm {
	return model.TrialForm{
		SequenceID:      seq,
		HyperParameters: model.HyperParameters{Value: `{"lr": 0.1}`, Index: seq},
	}
}

func (h *harness) submit(t *testing.T, n int) []string {
	var ids []string
	for i := 0; i < n; i++ {
		tr, err := h.d.Submit(form(i))
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}
	return ids
}

func (h *harness) tick(t *testing.T) {
	require.NoError(t, h.d.manageTrials(context.Background()))
}

func (h *harness) maintain() {
	h.d.maintainEnvironments(context.Background())
}

func (h *harness) deliver(t *testing.T, envID string, ct rproto.CommandType, payload interface{}) {
	cmd, err := rproto.NewCommand(envID, ct, payload)
	require.NoError(t, err)
	h.d.handleInbound(cmd)
}

// readyEnvironment marks env running and its runner initialized.
func (h *harness) readyEnvironment(t *testing.T, env *model.Environment, nodes ...string) {
	h.envs.setStatus(env.ID, model.EnvironmentRunning)
	h.maintain()
	if len(nodes) == 0 {
		nodes = []string{""}
	}
	for _, n := range nodes {
		h.deliver(t, env.ID, rproto.Initialized, rproto.InitializedReport{Node: n})
	}
	require.True(t, env.IsRunnerReady)
}

func (h *harness) reportGPUs(t *testing.T, env *model.Environment, node string, busy []bool) {
	summary := model.GPUSummary{GPUCount: len(busy)}
	for i, b := range busy {
		info := model.GPUInfo{Index: i}
		if b {
			info.ActiveProcessNum = 1
		}
		summary.GPUInfos = append(summary.GPUInfos, info)
	}
	h.deliver(t, env.ID, rproto.GPUInfo, rproto.GPUReport{GPUSummary: summary, Node: node})
}

func (h *harness) environment(t *testing.T, i int) *model.Environment {
	h.envs.mu.Lock()
	defer h.envs.mu.Unlock()
	require.Greater(t, len(h.envs.created), i)
	return h.envs.created[i]
}

func (h *harness) trial(t *testing.T, id string) *model.Trial {
	tr, ok := h.d.reg.trial(id)
	require.True(t, ok)
	return tr
}

func decodeJob(t *testing.T, cmd rproto.Command) rproto.TrialJob {
	var job rproto.TrialJob
	require.NoError(t, json.Unmarshal(cmd.Data, &job))
	return job
}

// requireInvariants checks the counters and bindings every state must satisfy.
func requireInvariants(t *testing.T, d *Dispatcher) {
	for _, env := range d.reg.orderedEnvironments() {
		require.GreaterOrEqual(t, env.RunningTrialCount, 0, env.ID)
		require.LessOrEqual(t, env.RunningTrialCount, env.AssignedTrialCount, env.ID)
	}
	for _, tr := range d.reg.orderedTrials() {
		if tr.Environment != nil {
			require.True(t, tr.Status.IsLive(), "trial %s is %s but bound", tr.ID, tr.Status)
		}
	}
}
