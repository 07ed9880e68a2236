// Package config holds the configuration of the trial dispatcher process.
package config

import (
	"encoding/json"
	"path/filepath"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/internal/dispatcher"
	"github.com/determined-ai/trialdispatcher/internal/environment"
	"github.com/determined-ai/trialdispatcher/internal/gpu"
	"github.com/determined-ai/trialdispatcher/internal/storage"
	"github.com/determined-ai/trialdispatcher/pkg/check"
	"github.com/determined-ai/trialdispatcher/pkg/logger"
	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// DefaultPort is where the runner channel and the API listen unless configured otherwise.
const DefaultPort = 8180

// DefaultRunnerCommand starts the runner inside an environment.
const DefaultRunnerCommand = "python3 -m nni.tools.trial_tool.trial_runner"

// DefaultConfig returns the default configuration of the dispatcher.
func DefaultConfig() *Config {
	return &Config{
		Log:  *logger.DefaultConfig(),
		Root: "experiments",
		Trial: TrialConfig{
			NodeCount: 1,
		},
		Dispatcher: DispatcherConfig{
			TrialTick:     model.Duration(time.Second),
			FittingPolicy: gpu.WorstFitPolicy,
			RunnerCommand: DefaultRunnerCommand,
		},
		VersionCheck:  true,
		LogCollection: "http",
		Environment:   environment.DefaultConfig(),
		Storage:       storage.DefaultConfig(),
	}
}

// Config is the configuration of the dispatcher.
//
// It is populated, in the following order, by the configuration file, environment variables and
// command line arguments.
type Config struct {
	ConfigFile    string             `json:"config_file"`
	Log           logger.Config      `json:"log"`
	ExperimentID  string             `json:"experiment_id"`
	Root          string             `json:"root"`
	Port          int                `json:"port"`
	ManagerIP     string             `json:"manager_ip"`
	VersionCheck  bool               `json:"version_check"`
	LogCollection string             `json:"log_collection"`
	Trial         TrialConfig        `json:"trial"`
	Dispatcher    DispatcherConfig   `json:"dispatcher"`
	Environment   environment.Config `json:"environment"`
	Storage       storage.Config     `json:"storage"`
}

// TrialConfig is how every trial of the experiment runs.
type TrialConfig struct {
	Command          string `json:"command"`
	CodeDir          string `json:"code_dir"`
	GPUNum           *int   `json:"gpu_num"`
	ReuseEnvironment *bool  `json:"reuse_environment"`
	NodeCount        int    `json:"node_count"`
}

// Validate implements the check.Validatable interface.
func (t TrialConfig) Validate() []error {
	errs := []error{
		check.NotEmpty(t.Command, "trial command"),
		check.GreaterThanOrEqualTo(t.NodeCount, 1, "trial node_count"),
	}
	if t.GPUNum != nil {
		errs = append(errs, check.GreaterThanOrEqualTo(*t.GPUNum, 0, "trial gpu_num"))
	}
	return errs
}

// DispatcherConfig tunes the reconciliation loops.
type DispatcherConfig struct {
	TrialTick     model.Duration `json:"trial_tick"`
	FittingPolicy string         `json:"fitting_policy"`
	RunnerCommand string         `json:"runner_command"`
	// InstallScript replaces the script environments run before the runner.
	InstallScript string `json:"install_script"`
}

// Validate implements the check.Validatable interface.
func (d DispatcherConfig) Validate() []error {
	return []error{
		check.GreaterThan(int64(d.TrialTick), 0, "dispatcher trial_tick"),
		check.Contains(d.FittingPolicy, gpu.ValidFittingPolicies(), "dispatcher fitting_policy"),
		check.NotEmpty(d.RunnerCommand, "dispatcher runner_command"),
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.NotEmpty(c.Root, "root"),
		check.GreaterThanOrEqualTo(c.Port, 0, "port"),
	}
}

// Printable returns a printable string.
func (c Config) Printable() ([]byte, error) {
	optJSON, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return optJSON, nil
}

// Resolve resolves the values in the configuration.
func (c *Config) Resolve() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ExperimentID == "" {
		c.ExperimentID = petname.Generate(2, "-")
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return err
	}
	c.Root = root
	if c.Trial.NodeCount == 0 {
		c.Trial.NodeCount = 1
	}
	c.Environment.Resolve()
	return nil
}

// ExperimentDir is where everything of this experiment is written locally.
func (c Config) ExperimentDir() string {
	return filepath.Join(c.Root, c.ExperimentID)
}

// Platform names the environment backend to runners.
func (c Config) Platform() string {
	return c.Environment.Type
}

// ToDispatcherConfig builds the dispatcher configuration.
func (c Config) ToDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		ExperimentID:   c.ExperimentID,
		ExperimentRoot: c.ExperimentDir(),
		Platform:       c.Platform(),
		ManagerIP:      c.ManagerIP,
		ManagerPort:    c.Port,
		VersionCheck:   c.VersionCheck,
		LogCollection:  c.LogCollection,
		TrialTick:      c.Dispatcher.TrialTick.D(),
		FittingPolicy:  c.Dispatcher.FittingPolicy,
		RunnerCommand:  c.Dispatcher.RunnerCommand,
		InstallScript:  c.Dispatcher.InstallScript,
		Trial: &dispatcher.TrialConfig{
			Command:          c.Trial.Command,
			CodeDir:          c.Trial.CodeDir,
			GPUNum:           c.Trial.GPUNum,
			ReuseEnvironment: c.Trial.ReuseEnvironment,
			NodeCount:        c.Trial.NodeCount,
		},
	}
}
