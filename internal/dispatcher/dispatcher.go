// Package dispatcher runs hyperparameter-tuning trials on reusable environments. It provisions
// environments through an environment service, binds waiting trials to ready environments and
// reconciles trial state from the commands runners send back.
package dispatcher

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	semvar "github.com/Masterminds/semver/v3"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/internal/channel"
	"github.com/determined-ai/trialdispatcher/internal/environment"
	"github.com/determined-ai/trialdispatcher/internal/gpu"
	"github.com/determined-ai/trialdispatcher/internal/storage"
	"github.com/determined-ai/trialdispatcher/internal/triallog"
	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
	"github.com/determined-ai/trialdispatcher/pkg/syncx/wake"
	"github.com/determined-ai/trialdispatcher/version"
)

// Cluster metadata keys understood by SetClusterMetadata.
const (
	TrialConfigKey   = "trial_config"
	ManagerIPKey     = "nni_manager_ip"
	VersionCheckKey  = "version_check"
	LogCollectionKey = "log_collection"
)

// Staged file names, all under envs/ in the store.
const (
	CodeArchiveName   = "trial-code.tar.gz"
	InstallScriptName = "install_runner.sh"
	SettingsName      = "settings.json"
)

const (
	// serviceTimeout bounds every call into the environment service.
	serviceTimeout = 5 * time.Second
	idLength       = 5
	idAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// DefaultInstallScript installs the runner package if it is missing and unpacks the trial code.
const DefaultInstallScript = `#!/bin/sh
set -e
if ! python3 -c "import nni" >/dev/null 2>&1; then
  python3 -m pip install --user --upgrade nni
fi
mkdir -p code
tar -xzf ../` + CodeArchiveName + ` -C code
`

// TrialConfig is how every trial of the experiment runs.
type TrialConfig struct {
	Command string `json:"command"`
	CodeDir string `json:"codeDir"`
	// GPUNum enables GPU scheduling when set above zero.
	GPUNum           *int  `json:"gpuNum,omitempty"`
	ReuseEnvironment *bool `json:"reuseEnvironment,omitempty"`
	NodeCount        int   `json:"nodeCount,omitempty"`
}

func (c TrialConfig) gpuEnabled() bool {
	return c.GPUNum != nil && *c.GPUNum > 0
}

func (c TrialConfig) reuse() bool {
	return c.ReuseEnvironment == nil || *c.ReuseEnvironment
}

// Config configures a Dispatcher.
type Config struct {
	ExperimentID string
	// ExperimentRoot is the local directory trial logs and temporary staging live in.
	ExperimentRoot string
	Platform       string
	ManagerIP      string
	ManagerPort    int
	VersionCheck   bool
	LogCollection  string
	TrialTick      time.Duration
	FittingPolicy  string
	RunnerCommand  string
	InstallScript  string
	// Trial may be nil until set with SetClusterMetadata.
	Trial *TrialConfig
}

// MetricEvent is one metric reported by a trial.
type MetricEvent struct {
	TrialID string `json:"trialId"`
	Data    string `json:"data"`
}

// MetricListener receives metric events. It is called without the dispatcher lock held.
type MetricListener func(MetricEvent)

// Dispatcher owns the trial and environment registries.
type Dispatcher struct {
	log     *logrus.Entry
	config  Config
	clock   clockwork.Clock
	envs    environment.Service
	store   storage.Service
	channel channel.Channel
	gpus    *gpu.Scheduler
	logs    *triallog.Logger
	wake    *wake.Signal
	version *semvar.Version

	mu          sync.Mutex
	reg         *registry
	trialConfig *TrialConfig
	hasStorage  bool
	stopping    bool

	loggedNoMoreEnvironment bool
	loggedNoAvailableGPU    bool
	loggedExceedTotal       bool

	stopOnce sync.Once
	stopped  chan struct{}

	listenersMu  sync.Mutex
	listeners    map[int]MetricListener
	nextListener int
}

// New returns a dispatcher. When the environment service cannot reach store, staged files go to a
// mounted store under the experiment root instead.
func New(
	config Config,
	envs environment.Service,
	store storage.Service,
	ch channel.Channel,
	clock clockwork.Clock,
) (*Dispatcher, error) {
	if envs == nil || ch == nil {
		return nil, errors.Wrap(ErrPrecondition, "an environment service and a channel are required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.ExperimentID == "" {
		return nil, errors.Wrap(ErrPrecondition, "an experiment id is required")
	}
	if config.TrialTick <= 0 {
		config.TrialTick = time.Second
	}
	if config.FittingPolicy == "" {
		config.FittingPolicy = gpu.WorstFitPolicy
	}
	if config.InstallScript == "" {
		config.InstallScript = DefaultInstallScript
	}

	hasStorage := envs.HasStorageService()
	if !hasStorage || store == nil {
		tmp, err := storage.NewMounted(filepath.Join(config.ExperimentRoot, "environment-temp"))
		if err != nil {
			return nil, errors.Wrap(err, "creating temporary environment store")
		}
		store = tmp
	}

	logs, err := triallog.New(config.ExperimentRoot)
	if err != nil {
		return nil, errors.Wrap(err, "starting trial log writer")
	}

	v, err := semvar.NewVersion(version.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing dispatcher version %q", version.Version)
	}

	d := &Dispatcher{
		log: logrus.WithFields(logrus.Fields{
			"component":     "dispatcher",
			"experiment-id": config.ExperimentID,
		}),
		config:      config,
		clock:       clock,
		envs:        envs,
		store:       store,
		channel:     ch,
		gpus:        gpu.New(config.FittingPolicy),
		logs:        logs,
		wake:        wake.New(),
		version:     v,
		reg:         newRegistry(),
		trialConfig: config.Trial,
		hasStorage:  hasStorage,
		stopped:     make(chan struct{}),
		listeners:   map[int]MetricListener{},
	}
	return d, nil
}

// Submit registers a waiting trial. It is placed by the trial-management loop.
func (d *Dispatcher) Submit(form model.TrialForm) (model.Trial, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.trialConfig == nil {
		return model.Trial{}, errors.Wrap(ErrNotInitialized, "submitting trial")
	}

	id := d.newTrialID()
	var workingDirectory string
	if d.hasStorage {
		workingDirectory = d.store.JoinPath("trials", id)
	}
	t := model.NewTrial(id, form, workingDirectory, d.clock.Now())
	d.reg.addTrial(t)
	d.log.WithField("trial-id", id).Infof("submitted trial %d", form.SequenceID)
	d.updateGauges()
	d.wake.Notify()
	return t.Snapshot(), nil
}

// Update sends new hyperparameters to the environment running the trial.
func (d *Dispatcher) Update(ctx context.Context, trialID string, form model.TrialForm) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.reg.trial(trialID)
	if !ok {
		return errors.Wrapf(ErrTrialNotFound, "updating trial %s", trialID)
	}
	if t.Environment == nil {
		return errors.Wrapf(ErrNotBound, "updating trial %s", trialID)
	}
	err := d.channel.SendCommand(ctx, t.Environment, rproto.SendTrialJobParameter, rproto.TrialParameter{
		TrialID:    t.ID,
		Parameters: form.HyperParameters.Value,
	})
	if err != nil {
		return errors.Wrapf(err, "sending parameters of trial %s", trialID)
	}
	t.Form = form
	return nil
}

// Cancel kills a trial bound to an environment. Trials without an environment or already
// finished are left alone.
func (d *Dispatcher) Cancel(ctx context.Context, trialID string, isEarlyStopped bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.reg.trial(trialID)
	if !ok {
		return errors.Wrapf(ErrTrialNotFound, "canceling trial %s", trialID)
	}
	if !t.Status.IsLive() || t.Environment == nil {
		return nil
	}

	if err := d.channel.SendCommand(ctx, t.Environment, rproto.KillTrialJob, t.ID); err != nil {
		return errors.Wrapf(err, "killing trial %s", trialID)
	}
	t.IsEarlyStopped = isEarlyStopped
	if isEarlyStopped {
		t.Status = model.TrialEarlyStopped
	} else {
		t.Status = model.TrialUserCanceled
	}
	now := d.clock.Now()
	t.EndTime = &now
	if err := d.release(t); err != nil {
		return err
	}
	d.log.WithField("trial-id", t.ID).Infof("trial %s", strings.ToLower(string(t.Status)))
	d.updateGauges()
	d.wake.Notify()
	return nil
}

// SetClusterMetadata applies a late-bound setting. Every key is also passed on to the
// environment service.
func (d *Dispatcher) SetClusterMetadata(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch key {
	case TrialConfigKey:
		var c TrialConfig
		if err := json.Unmarshal([]byte(value), &c); err != nil {
			return errors.Wrap(err, "parsing trial config")
		}
		d.trialConfig = &c
	case ManagerIPKey:
		var ip struct {
			ManagerIP string `json:"nniManagerIp"`
		}
		if err := json.Unmarshal([]byte(value), &ip); err != nil {
			return errors.Wrap(err, "parsing manager ip")
		}
		d.config.ManagerIP = ip.ManagerIP
	case VersionCheckKey:
		d.config.VersionCheck = value == "true" || value == "True"
	case LogCollectionKey:
		d.config.LogCollection = value
	}
	return d.envs.Config(key, value)
}

// ListTrials returns a copy of every trial in submission order.
func (d *Dispatcher) ListTrials() []model.Trial {
	d.mu.Lock()
	defer d.mu.Unlock()

	trials := d.reg.orderedTrials()
	out := make([]model.Trial, 0, len(trials))
	for _, t := range trials {
		out = append(out, t.Snapshot())
	}
	return out
}

// GetTrial returns a copy of one trial.
func (d *Dispatcher) GetTrial(trialID string) (model.Trial, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.reg.trial(trialID)
	if !ok {
		return model.Trial{}, errors.Wrapf(ErrTrialNotFound, "getting trial %s", trialID)
	}
	return t.Snapshot(), nil
}

// AddMetricListener registers fn for every metric event until remove is called.
func (d *Dispatcher) AddMetricListener(fn MetricListener) (remove func()) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()

	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	return func() {
		d.listenersMu.Lock()
		defer d.listenersMu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Dispatcher) emitMetrics(events []MetricEvent) {
	if len(events) == 0 {
		return
	}
	d.listenersMu.Lock()
	listeners := make([]MetricListener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.listenersMu.Unlock()

	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}

func (d *Dispatcher) newTrialID() string {
	for {
		id := randomID()
		if _, ok := d.reg.trial(id); !ok {
			return id
		}
	}
}

func (d *Dispatcher) newEnvironmentID() string {
	for {
		id := randomID()
		if _, ok := d.reg.environment(id); !ok {
			return id
		}
	}
}

func randomID() string {
	b := make([]byte, idLength)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))] //nolint:gosec
	}
	return string(b)
}
