package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/trialdispatcher/pkg/ws"
)

func TestRoundTrip(t *testing.T) {
	log := logrus.WithField("component", "ws-test")

	// A server that converts ints to strings.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := ws.Wrap[int, string](log, c)
		defer func() { _ = s.Close() }()
		for num := range s.Inbox() {
			if err := s.Send(context.Background(), strconv.Itoa(num)); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	s := ws.Wrap[string, int](log, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(ctx, i))
		select {
		case got := <-s.Inbox():
			require.Equal(t, strconv.Itoa(i), got)
		case <-ctx.Done():
			t.Fatal("timed out waiting for reply")
		}
	}

	require.NoError(t, s.Close())
	<-s.Done()
	require.NoError(t, s.Err())
	require.ErrorIs(t, s.TrySend(4), ws.ErrClosed)
}
