// Package environment defines how the dispatcher provisions environments and builds the
// configured backend.
package environment

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/internal/environment/docker"
	"github.com/determined-ai/trialdispatcher/internal/environment/local"
	"github.com/determined-ai/trialdispatcher/pkg/check"
	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// Service creates, polls and stops environments on one backend. The dispatcher serializes every
// call; implementations may mutate the environments they are passed.
type Service interface {
	// CreateEnvironment builds the record of a new environment without starting it.
	CreateEnvironment(id, name string) *model.Environment
	// StartEnvironment provisions env and sets its initial status.
	StartEnvironment(ctx context.Context, env *model.Environment) error
	// StopEnvironment tears env down.
	StopEnvironment(ctx context.Context, env *model.Environment) error
	// RefreshEnvironmentsStatus updates the status of every env in envs.
	RefreshEnvironmentsStatus(ctx context.Context, envs []*model.Environment) error
	// HasStorageService reports whether environments can read what the dispatcher stages.
	HasStorageService() bool
	// HasMoreEnvironments reports whether another environment may be started.
	HasMoreEnvironments() bool
	// PrefetchedEnvironmentCount is how many environments to start before any trial arrives.
	PrefetchedEnvironmentCount() int
	// MaintenanceLoopInterval is how often statuses should be refreshed.
	MaintenanceLoopInterval() time.Duration
	// Config passes a late-bound setting to the backend.
	Config(key, value string) error
}

// Backend types.
const (
	LocalType  = "local"
	DockerType = "docker"
)

// Config selects and configures the environment backend.
type Config struct {
	Type   string         `json:"type"`
	Local  *local.Config  `json:"local,omitempty"`
	Docker *docker.Config `json:"docker,omitempty"`
}

// DefaultConfig runs environments as local processes.
func DefaultConfig() Config {
	return Config{Type: LocalType, Local: local.DefaultConfig()}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	errs := []error{
		check.Contains(c.Type, []interface{}{LocalType, DockerType}, "environment type"),
	}
	if c.Type == DockerType && c.Docker == nil {
		errs = append(errs, errors.New("environment type docker requires a docker section"))
	}
	return errs
}

// Resolve fills the defaults of the selected backend and drops the others.
func (c *Config) Resolve() {
	switch c.Type {
	case LocalType:
		if c.Local == nil {
			c.Local = local.DefaultConfig()
		}
		c.Docker = nil
	case DockerType:
		if c.Docker == nil {
			c.Docker = docker.DefaultConfig()
		}
		c.Local = nil
	}
}

// New builds the configured backend; root is the local directory staged files live in.
func New(c Config, root string) (Service, error) {
	switch c.Type {
	case LocalType:
		return local.New(*c.Local, root), nil
	case DockerType:
		return docker.New(*c.Docker, root)
	default:
		return nil, errors.Errorf("unknown environment type %q", c.Type)
	}
}
