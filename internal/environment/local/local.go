// Package local runs environments as process groups on the dispatcher's host.
package local

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/determined-ai/trialdispatcher/pkg/check"
	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// EnvironmentIDVar tells the runner which environment it belongs to.
const EnvironmentIDVar = "TRIAL_DISPATCHER_ENVIRONMENT_ID"

// OutputFile receives the combined output of the environment command.
const OutputFile = "environment_output.log"

// Config configures the local backend.
type Config struct {
	MaxEnvironments     int            `json:"max_environments"`
	PrefetchCount       int            `json:"prefetch_count"`
	MaintenanceInterval model.Duration `json:"maintenance_interval"`
	Shell               string         `json:"shell"`
	StopTimeout         model.Duration `json:"stop_timeout"`
}

// DefaultConfig returns the default local backend configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxEnvironments:     4,
		MaintenanceInterval: model.Duration(5 * time.Second),
		Shell:               "sh",
		StopTimeout:         model.Duration(10 * time.Second),
	}
}

// UnmarshalJSON starts from the defaults so a partial section keeps them.
func (c *Config) UnmarshalJSON(data []byte) error {
	*c = *DefaultConfig()
	type DefaultParser *Config
	if err := json.Unmarshal(data, DefaultParser(c)); err != nil {
		return errors.Wrap(err, "failed to parse local environment config")
	}
	return nil
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.GreaterThanOrEqualTo(c.MaxEnvironments, 0, "local max_environments"),
		check.GreaterThanOrEqualTo(c.PrefetchCount, 0, "local prefetch_count"),
		check.GreaterThan(int64(c.MaintenanceInterval), 0, "local maintenance_interval"),
		check.NotEmpty(c.Shell, "local shell"),
	}
}

type proc struct {
	cmd      *exec.Cmd
	pid      int
	exited   bool
	exitCode int
	stopped  bool
	done     chan struct{}
}

// Service is an environment service that starts every environment as a local process group
// working in root.
type Service struct {
	log    *logrus.Entry
	config Config
	root   string

	mu       sync.Mutex
	procs    map[string]*proc
	settings map[string]string
}

// New returns a local backend that runs environment commands from root.
func New(config Config, root string) *Service {
	return &Service{
		log:      logrus.WithFields(logrus.Fields{"component": "environment", "backend": "local"}),
		config:   config,
		root:     root,
		procs:    map[string]*proc{},
		settings: map[string]string{},
	}
}

// CreateEnvironment implements environment.Service.
func (s *Service) CreateEnvironment(id, name string) *model.Environment {
	env := model.NewEnvironment(id, name)
	env.WorkingFolder = filepath.Join(s.root, "envs", id)
	return env
}

// StartEnvironment implements environment.Service.
func (s *Service) StartEnvironment(_ context.Context, env *model.Environment) error {
	if !s.HasMoreEnvironments() {
		return errors.Errorf("local backend is at its limit of %d environments", s.config.MaxEnvironments)
	}
	if err := os.MkdirAll(env.WorkingFolder, 0o750); err != nil {
		env.Status = model.EnvironmentFailed
		return errors.Wrapf(err, "creating %s", env.WorkingFolder)
	}
	out, err := os.Create(filepath.Join(env.WorkingFolder, OutputFile))
	if err != nil {
		env.Status = model.EnvironmentFailed
		return errors.Wrap(err, "creating output file")
	}

	// The command is not tied to a context: the environment outlives the request that started it.
	cmd := exec.Command(s.config.Shell, "-c", env.Command) // #nosec G204
	cmd.Dir = s.root
	cmd.Env = append(os.Environ(), EnvironmentIDVar+"="+env.ID)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		env.Status = model.EnvironmentFailed
		return errors.Wrapf(err, "starting environment %s", env.ID)
	}

	p := &proc{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[env.ID] = p
	s.mu.Unlock()

	go func() {
		defer close(p.done)
		defer out.Close()
		err := cmd.Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		p.exited = true
		p.exitCode = cmd.ProcessState.ExitCode()
		s.log.WithError(err).WithField("environment-id", env.ID).
			Debugf("environment process exited with code %d", p.exitCode)
	}()

	env.BackendID = strconv.Itoa(p.pid)
	env.Status = model.EnvironmentRunning
	s.log.WithField("environment-id", env.ID).Infof("started environment as pid %d", p.pid)
	return nil
}

// StopEnvironment implements environment.Service. The process group gets SIGTERM and, after the
// stop timeout, SIGKILL.
func (s *Service) StopEnvironment(ctx context.Context, env *model.Environment) error {
	s.mu.Lock()
	p, ok := s.procs[env.ID]
	if ok {
		p.stopped = true
	}
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown environment %s", env.ID)
	}

	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "terminating environment %s", env.ID)
	}
	select {
	case <-p.done:
	case <-time.After(s.config.StopTimeout.D()):
		if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return errors.Wrapf(err, "killing environment %s", env.ID)
		}
	case <-ctx.Done():
		_ = unix.Kill(-p.pid, unix.SIGKILL)
	}
	env.Status = model.EnvironmentUserCanceled
	return nil
}

// RefreshEnvironmentsStatus implements environment.Service.
func (s *Service) RefreshEnvironmentsStatus(ctx context.Context, envs []*model.Environment) error {
	for _, env := range envs {
		s.mu.Lock()
		p, ok := s.procs[env.ID]
		var stopped, exited bool
		var code int
		if ok {
			stopped, exited, code = p.stopped, p.exited, p.exitCode
		}
		s.mu.Unlock()

		switch {
		case !ok:
			env.Status = model.EnvironmentFailed
		case stopped:
			env.Status = model.EnvironmentUserCanceled
		case exited && code == 0:
			env.Status = model.EnvironmentSucceeded
		case exited:
			env.Status = model.EnvironmentFailed
		default:
			exists, err := process.PidExistsWithContext(ctx, int32(p.pid))
			if err != nil || !exists {
				env.Status = model.EnvironmentUnknown
				continue
			}
			env.Status = model.EnvironmentRunning
		}
	}
	return nil
}

// HasStorageService implements environment.Service. Environments read the staged files straight
// from the local store.
func (s *Service) HasStorageService() bool { return true }

// HasMoreEnvironments implements environment.Service.
func (s *Service) HasMoreEnvironments() bool {
	if s.config.MaxEnvironments == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	for _, p := range s.procs {
		if !p.exited {
			running++
		}
	}
	return running < s.config.MaxEnvironments
}

// PrefetchedEnvironmentCount implements environment.Service.
func (s *Service) PrefetchedEnvironmentCount() int { return s.config.PrefetchCount }

// MaintenanceLoopInterval implements environment.Service.
func (s *Service) MaintenanceLoopInterval() time.Duration { return s.config.MaintenanceInterval.D() }

// Config implements environment.Service.
func (s *Service) Config(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
