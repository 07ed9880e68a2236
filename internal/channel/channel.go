// Package channel carries commands between the dispatcher and the runners inside environments.
package channel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

var (
	// ErrNotOpen is returned when using an environment that was never opened or already closed.
	ErrNotOpen = errors.New("environment channel is not open")
	// ErrNotStarted is returned by Run before Start registered a handler.
	ErrNotStarted = errors.New("channel has no handler")
	// ErrStopped is returned when using a stopped channel.
	ErrStopped = errors.New("channel is stopped")
)

// Handler receives inbound commands. It is called from Run, one command at a time, in arrival
// order for each environment.
type Handler func(cmd rproto.Command)

// Channel is a duplex transport between the dispatcher and runners, one logical connection per
// environment.
type Channel interface {
	// Name identifies the transport to runners at provisioning time.
	Name() string
	// Start registers the handler for inbound commands.
	Start(handler Handler) error
	// Open prepares the connection of a new environment.
	Open(ctx context.Context, env *model.Environment) error
	// Close tears down the connection of an environment.
	Close(ctx context.Context, env *model.Environment) error
	// SendCommand sends a command with the given payload to the runner of env.
	SendCommand(ctx context.Context, env *model.Environment, t rproto.CommandType, payload interface{}) error
	// Run delivers inbound commands to the handler until ctx is done or Stop is called.
	Run(ctx context.Context) error
	// Stop closes every connection and ends Run.
	Stop() error
}
