// Package docker runs environments as docker containers.
package docker

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/pkg/check"
	"github.com/determined-ai/trialdispatcher/pkg/model"
)

const (
	// EnvironmentIDVar tells the runner which environment it belongs to.
	EnvironmentIDVar = "TRIAL_DISPATCHER_ENVIRONMENT_ID"
	// EnvironmentLabel marks containers started by the dispatcher.
	EnvironmentLabel = "ai.determined.trialdispatcher.environment"
	// WorkDir is where the store root is mounted inside the container.
	WorkDir = "/trial-root"
)

// Config configures the docker backend.
type Config struct {
	Image               string         `json:"image"`
	NetworkMode         string         `json:"network_mode"`
	GPUs                bool           `json:"gpus"`
	// MemoryLimit is a docker size such as "16g"; empty means unlimited.
	MemoryLimit         string         `json:"memory_limit"`
	Env                 []string       `json:"env"`
	MaxEnvironments     int            `json:"max_environments"`
	PrefetchCount       int            `json:"prefetch_count"`
	MaintenanceInterval model.Duration `json:"maintenance_interval"`
	StopTimeout         model.Duration `json:"stop_timeout"`
}

// DefaultConfig returns the default docker backend configuration.
func DefaultConfig() *Config {
	return &Config{
		NetworkMode:         "host",
		MaxEnvironments:     4,
		MaintenanceInterval: model.Duration(10 * time.Second),
		StopTimeout:         model.Duration(10 * time.Second),
	}
}

// UnmarshalJSON starts from the defaults so a partial section keeps them.
func (c *Config) UnmarshalJSON(data []byte) error {
	*c = *DefaultConfig()
	type DefaultParser *Config
	if err := json.Unmarshal(data, DefaultParser(c)); err != nil {
		return errors.Wrap(err, "failed to parse docker environment config")
	}
	return nil
}

// memoryBytes parses MemoryLimit.
func (c Config) memoryBytes() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	b, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid docker memory_limit %q", c.MemoryLimit)
	}
	return b, nil
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	_, memErr := c.memoryBytes()
	return []error{
		memErr,
		check.NotEmpty(c.Image, "docker image"),
		check.GreaterThanOrEqualTo(c.MaxEnvironments, 0, "docker max_environments"),
		check.GreaterThanOrEqualTo(c.PrefetchCount, 0, "docker prefetch_count"),
		check.GreaterThan(int64(c.MaintenanceInterval), 0, "docker maintenance_interval"),
	}
}

// containerAPI is the part of the docker client the backend uses.
type containerAPI interface {
	ensureImage(ctx context.Context, image string) error
	create(ctx context.Context, name string, c *container.Config, h *container.HostConfig) (string, error)
	start(ctx context.Context, id string) error
	inspect(ctx context.Context, id string) (types.ContainerJSON, error)
	stop(ctx context.Context, id string, timeout time.Duration) error
	remove(ctx context.Context, id string) error
}

// Service is an environment service backed by a docker daemon. It is not safe for concurrent use.
type Service struct {
	log    *logrus.Entry
	config Config
	root   string
	cl     containerAPI

	running  map[string]string
	stopped  map[string]bool
	settings map[string]string
}

// New connects to the docker daemon from the environment. root is the host directory mounted
// into every container.
func New(config Config, root string) (*Service, error) {
	cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return newService(config, root, &dockerClient{cl: cl}), nil
}

func newService(config Config, root string, cl containerAPI) *Service {
	return &Service{
		log:      logrus.WithFields(logrus.Fields{"component": "environment", "backend": "docker"}),
		config:   config,
		root:     root,
		cl:       cl,
		running:  map[string]string{},
		stopped:  map[string]bool{},
		settings: map[string]string{},
	}
}

// CreateEnvironment implements environment.Service.
func (s *Service) CreateEnvironment(id, name string) *model.Environment {
	env := model.NewEnvironment(id, name)
	env.WorkingFolder = WorkDir + "/envs/" + id
	return env
}

// StartEnvironment implements environment.Service.
func (s *Service) StartEnvironment(ctx context.Context, env *model.Environment) error {
	if !s.HasMoreEnvironments() {
		return errors.Errorf("docker backend is at its limit of %d environments", s.config.MaxEnvironments)
	}
	if err := s.cl.ensureImage(ctx, s.config.Image); err != nil {
		env.Status = model.EnvironmentFailed
		return err
	}

	memory, err := s.config.memoryBytes()
	if err != nil {
		env.Status = model.EnvironmentFailed
		return err
	}
	hostConfig := &container.HostConfig{
		Binds:       []string{s.root + ":" + WorkDir},
		NetworkMode: container.NetworkMode(s.config.NetworkMode),
		Resources:   container.Resources{Memory: memory},
	}
	if s.config.GPUs {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	id, err := s.cl.create(ctx, env.Name, &container.Config{
		Image:      s.config.Image,
		Cmd:        []string{"sh", "-c", env.Command},
		WorkingDir: WorkDir,
		Env:        append([]string{EnvironmentIDVar + "=" + env.ID}, s.config.Env...),
		Labels:     map[string]string{EnvironmentLabel: env.ID},
	}, hostConfig)
	if err != nil {
		env.Status = model.EnvironmentFailed
		return errors.Wrapf(err, "creating container for %s", env.ID)
	}
	if err := s.cl.start(ctx, id); err != nil {
		env.Status = model.EnvironmentFailed
		if rErr := s.cl.remove(ctx, id); rErr != nil {
			s.log.WithError(rErr).Warnf("removing container %s after failed start", id)
		}
		return errors.Wrapf(err, "starting container for %s", env.ID)
	}

	s.running[env.ID] = id
	env.BackendID = id
	env.Status = model.EnvironmentWaiting
	s.log.WithField("environment-id", env.ID).Infof("started container %s", id)
	return nil
}

// StopEnvironment implements environment.Service.
func (s *Service) StopEnvironment(ctx context.Context, env *model.Environment) error {
	id, ok := s.running[env.ID]
	if !ok {
		return errors.Errorf("unknown environment %s", env.ID)
	}
	s.stopped[env.ID] = true
	if err := s.cl.stop(ctx, id, s.config.StopTimeout.D()); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "stopping container %s", id)
	}
	if err := s.cl.remove(ctx, id); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "removing container %s", id)
	}
	delete(s.running, env.ID)
	env.Status = model.EnvironmentUserCanceled
	return nil
}

// RefreshEnvironmentsStatus implements environment.Service.
func (s *Service) RefreshEnvironmentsStatus(ctx context.Context, envs []*model.Environment) error {
	for _, env := range envs {
		if s.stopped[env.ID] {
			env.Status = model.EnvironmentUserCanceled
			continue
		}
		id, ok := s.running[env.ID]
		if !ok {
			env.Status = model.EnvironmentFailed
			continue
		}
		info, err := s.cl.inspect(ctx, id)
		switch {
		case client.IsErrNotFound(err):
			env.Status = model.EnvironmentFailed
			delete(s.running, env.ID)
		case err != nil:
			s.log.WithError(err).WithField("environment-id", env.ID).Warn("failed to inspect container")
			env.Status = model.EnvironmentUnknown
		default:
			env.Status = statusOf(info)
		}
	}
	return nil
}

func statusOf(info types.ContainerJSON) model.EnvironmentStatus {
	if info.ContainerJSONBase == nil || info.State == nil {
		return model.EnvironmentUnknown
	}
	switch info.State.Status {
	case "created", "restarting":
		return model.EnvironmentWaiting
	case "running", "paused":
		return model.EnvironmentRunning
	case "exited":
		if info.State.ExitCode == 0 {
			return model.EnvironmentSucceeded
		}
		return model.EnvironmentFailed
	case "dead", "removing":
		return model.EnvironmentFailed
	default:
		return model.EnvironmentUnknown
	}
}

// HasStorageService implements environment.Service. The store root is bind-mounted.
func (s *Service) HasStorageService() bool { return true }

// HasMoreEnvironments implements environment.Service.
func (s *Service) HasMoreEnvironments() bool {
	return s.config.MaxEnvironments == 0 || len(s.running) < s.config.MaxEnvironments
}

// PrefetchedEnvironmentCount implements environment.Service.
func (s *Service) PrefetchedEnvironmentCount() int { return s.config.PrefetchCount }

// MaintenanceLoopInterval implements environment.Service.
func (s *Service) MaintenanceLoopInterval() time.Duration { return s.config.MaintenanceInterval.D() }

// Config implements environment.Service.
func (s *Service) Config(key, value string) error {
	s.settings[key] = value
	return nil
}

type dockerClient struct {
	cl *client.Client
}

func (d *dockerClient) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.cl.ImageInspectWithRaw(ctx, image)
	switch {
	case err == nil:
		return nil
	case !client.IsErrNotFound(err):
		return errors.Wrapf(err, "inspecting image %s", image)
	}

	logs, err := d.cl.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling image %s", image)
	}
	defer logs.Close()
	_, err = io.Copy(io.Discard, logs)
	return errors.Wrapf(err, "reading pull of %s", image)
}

func (d *dockerClient) create(
	ctx context.Context, name string, c *container.Config, h *container.HostConfig,
) (string, error) {
	resp, err := d.cl.ContainerCreate(ctx, c, h, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) start(ctx context.Context, id string) error {
	return d.cl.ContainerStart(ctx, id, types.ContainerStartOptions{})
}

func (d *dockerClient) inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return d.cl.ContainerInspect(ctx, id)
}

func (d *dockerClient) stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return d.cl.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
}

func (d *dockerClient) remove(ctx context.Context, id string) error {
	return d.cl.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}
