package channel

import (
	"context"
	"sync"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

// MemoryName is the name of the in-process channel.
const MemoryName = "memory"

// Memory is an in-process Channel. Sent commands are recorded and inbound commands are injected
// with Deliver, which makes it suitable for runners embedded in the same process.
type Memory struct {
	mu      sync.Mutex
	handler Handler
	open    map[string]bool
	sent    []rproto.Command

	inbound  chan rproto.Command
	stopOnce sync.Once
	stopped  chan struct{}

	// SendErr, if set, fails every SendCommand.
	SendErr error
}

// NewMemory returns an empty in-process channel.
func NewMemory() *Memory {
	return &Memory{
		open:    map[string]bool{},
		inbound: make(chan rproto.Command, 1024),
		stopped: make(chan struct{}),
	}
}

// Name implements Channel.
func (m *Memory) Name() string { return MemoryName }

// Start implements Channel.
func (m *Memory) Start(handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return nil
}

// Open implements Channel.
func (m *Memory) Open(_ context.Context, env *model.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[env.ID] = true
	return nil
}

// Close implements Channel.
func (m *Memory) Close(_ context.Context, env *model.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open[env.ID] {
		return ErrNotOpen
	}
	delete(m.open, env.ID)
	return nil
}

// IsOpen reports whether the environment's connection is open.
func (m *Memory) IsOpen(envID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[envID]
}

// SendCommand implements Channel.
func (m *Memory) SendCommand(
	_ context.Context, env *model.Environment, t rproto.CommandType, payload interface{},
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	if !m.open[env.ID] {
		return ErrNotOpen
	}
	cmd, err := rproto.NewCommand(env.ID, t, payload)
	if err != nil {
		return err
	}
	m.sent = append(m.sent, cmd)
	return nil
}

// Sent returns the commands sent so far, optionally only those of the given types.
func (m *Memory) Sent(types ...rproto.CommandType) []rproto.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rproto.Command
	for _, cmd := range m.sent {
		if len(types) == 0 {
			out = append(out, cmd)
			continue
		}
		for _, t := range types {
			if cmd.Type == t {
				out = append(out, cmd)
				break
			}
		}
	}
	return out
}

// Deliver queues an inbound command for Run to hand to the handler.
func (m *Memory) Deliver(cmd rproto.Command) error {
	select {
	case <-m.stopped:
		return ErrStopped
	case m.inbound <- cmd:
		return nil
	}
}

// Run implements Channel.
func (m *Memory) Run(ctx context.Context) error {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return ErrNotStarted
	}
	for {
		select {
		case cmd := <-m.inbound:
			handler(cmd)
		case <-m.stopped:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop implements Channel.
func (m *Memory) Stop() error {
	m.stopOnce.Do(func() { close(m.stopped) })
	return nil
}
