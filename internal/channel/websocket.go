package channel

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/pkg/model"
	"github.com/determined-ai/trialdispatcher/pkg/rproto"
	"github.com/determined-ai/trialdispatcher/pkg/ws"
)

const (
	// WebsocketName is the name runners use to pick the websocket transport.
	WebsocketName = "web"
	// RunnerRoute is where runners connect, with their environment id as the last segment.
	RunnerRoute = "/runners/:environment"

	maxPending = 256
)

type runnerConn = ws.Conn[rproto.Command, rproto.Command]

type runner struct {
	conn    *runnerConn
	connID  uuid.UUID
	pending []rproto.Command
}

// Websocket is a Channel over websockets that runners dial into.
type Websocket struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler Handler
	runners map[string]*runner

	inbound  chan rproto.Command
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewWebsocket returns a websocket channel and registers its route on e.
func NewWebsocket(e *echo.Echo) *Websocket {
	w := &Websocket{
		log: logrus.WithField("component", "channel"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		runners: map[string]*runner{},
		inbound: make(chan rproto.Command, 1024),
		stopped: make(chan struct{}),
	}
	e.GET(RunnerRoute, w.connect)
	return w
}

// Name implements Channel.
func (w *Websocket) Name() string { return WebsocketName }

// Start implements Channel.
func (w *Websocket) Start(handler Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
	return nil
}

// Open implements Channel. Commands sent before the runner connects are held until it does.
func (w *Websocket) Open(_ context.Context, env *model.Environment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.runners[env.ID]; !ok {
		w.runners[env.ID] = &runner{}
	}
	return nil
}

// Close implements Channel.
func (w *Websocket) Close(_ context.Context, env *model.Environment) error {
	w.mu.Lock()
	r, ok := w.runners[env.ID]
	delete(w.runners, env.ID)
	w.mu.Unlock()

	if !ok {
		return ErrNotOpen
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// SendCommand implements Channel.
func (w *Websocket) SendCommand(
	_ context.Context, env *model.Environment, t rproto.CommandType, payload interface{},
) error {
	cmd, err := rproto.NewCommand(env.ID, t, payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.runners[env.ID]
	switch {
	case !ok:
		return errors.Wrapf(ErrNotOpen, "sending %s", t)
	case r.conn == nil:
		if len(r.pending) >= maxPending {
			return errors.Errorf("runner of %s has not connected and %d commands are waiting",
				env.ID, len(r.pending))
		}
		r.pending = append(r.pending, cmd)
		return nil
	default:
		return errors.Wrapf(r.conn.TrySend(cmd), "sending %s to %s", t, env.ID)
	}
}

// Run implements Channel.
func (w *Websocket) Run(ctx context.Context) error {
	w.mu.Lock()
	handler := w.handler
	w.mu.Unlock()
	if handler == nil {
		return ErrNotStarted
	}
	for {
		select {
		case cmd := <-w.inbound:
			handler(cmd)
		case <-w.stopped:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop implements Channel.
func (w *Websocket) Stop() error {
	w.stopOnce.Do(func() { close(w.stopped) })

	w.mu.Lock()
	var conns []*runnerConn
	for id, r := range w.runners {
		if r.conn != nil {
			conns = append(conns, r.conn)
		}
		delete(w.runners, id)
	}
	w.mu.Unlock()

	for _, c := range conns {
		closeConn(w.log, c)
	}
	return nil
}

func (w *Websocket) connect(c echo.Context) error {
	envID := c.Param("environment")
	log := w.log.WithField("environment-id", envID)

	w.mu.Lock()
	_, ok := w.runners[envID]
	w.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown environment "+envID)
	}

	// The upgrader has already answered the request on failure.
	raw, err := w.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade runner connection")
		return nil
	}
	conn := ws.Wrap[rproto.Command, rproto.Command](log, raw)
	connID := uuid.New()

	var stale *runnerConn
	w.mu.Lock()
	r, ok := w.runners[envID]
	if !ok {
		w.mu.Unlock()
		closeConn(log, conn)
		return nil
	}
	stale, r.conn, r.connID = r.conn, conn, connID
	for _, cmd := range r.pending {
		if err := conn.TrySend(cmd); err != nil {
			log.WithError(err).Warnf("dropping queued %s", cmd.Type)
		}
	}
	r.pending = nil
	w.mu.Unlock()

	if stale != nil {
		log.Info("runner reconnected, replacing previous connection")
		closeConn(log, stale)
	}
	log.WithField("connection-id", connID).Info("runner connected")

	for cmd := range conn.Inbox() {
		cmd.Environment = envID
		select {
		case w.inbound <- cmd:
		case <-w.stopped:
			closeConn(log, conn)
			return nil
		}
	}

	w.mu.Lock()
	if r, ok := w.runners[envID]; ok && r.connID == connID {
		r.conn = nil
	}
	w.mu.Unlock()

	if err := conn.Err(); err != nil {
		log.WithError(err).Warn("runner connection ended with error")
	}
	log.WithField("connection-id", connID).Info("runner disconnected")
	closeConn(log, conn)
	return nil
}

func closeConn(log *logrus.Entry, conn *runnerConn) {
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("error closing runner connection")
	}
}
