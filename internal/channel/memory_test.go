package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
)

func TestMemoryChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewMemory()
	env := model.NewEnvironment("env01", "env")
	require.ErrorIs(t, m.Run(ctx), ErrNotStarted)
	require.ErrorIs(t, m.SendCommand(ctx, env, rproto.KillTrialJob, "t"), ErrNotOpen)

	got := make(chan rproto.Command, 1)
	require.NoError(t, m.Start(func(cmd rproto.Command) { got <- cmd }))
	require.NoError(t, m.Open(ctx, env))
	require.NoError(t, m.SendCommand(ctx, env, rproto.KillTrialJob, "t"))
	require.NoError(t, m.SendCommand(ctx, env, rproto.NewTrialJob, rproto.TrialJob{TrialID: "t"}))
	require.Len(t, m.Sent(), 2)
	require.Len(t, m.Sent(rproto.KillTrialJob), 1)

	done := make(chan error)
	go func() { done <- m.Run(ctx) }()
	require.NoError(t, m.Deliver(rproto.Command{Environment: "env01", Type: rproto.Initialized}))
	select {
	case cmd := <-got:
		require.Equal(t, rproto.Initialized, cmd.Type)
	case <-ctx.Done():
		t.Fatal("command was not delivered")
	}

	require.NoError(t, m.Close(ctx, env))
	require.False(t, m.IsOpen("env01"))
	require.ErrorIs(t, m.Close(ctx, env), ErrNotOpen)

	require.NoError(t, m.Stop())
	require.NoError(t, <-done)
	require.ErrorIs(t, m.Deliver(rproto.Command{}), ErrStopped)
}
