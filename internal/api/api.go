// Package api exposes the dispatcher over HTTP: trial submission and control, listings of trials
// and environments, collected metrics and the Prometheus endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/internal/dispatcher"
	"github.com/determined-ai/trialdispatcher/pkg/logger"
	"github.com/determined-ai/trialdispatcher/pkg/model"
)

const (
	shutdownTimeout = 10 * time.Second
	// metricTrials bounds how many trials have their metrics kept in memory.
	metricTrials = 1024
)

// Service is the part of the dispatcher the API serves.
type Service interface {
	Submit(form model.TrialForm) (model.Trial, error)
	Update(ctx context.Context, trialID string, form model.TrialForm) error
	Cancel(ctx context.Context, trialID string, isEarlyStopped bool) error
	SetClusterMetadata(key, value string) error
	ListTrials() []model.Trial
	GetTrial(trialID string) (model.Trial, error)
	ListEnvironments() []model.Environment
	AddMetricListener(fn dispatcher.MetricListener) (remove func())
}

// NewEcho returns the server every route of the process is registered on.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Logger = logger.Echo(logrus.WithField("component", "api"))
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = JSONErrorHandler
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

type server struct {
	svc Service

	mu      sync.Mutex
	metrics *lru.Cache[string, []string]
}

// Register adds the dispatcher routes to e. The returned function stops collecting metrics.
func Register(e *echo.Echo, svc Service) (func(), error) {
	metrics, err := lru.New[string, []string](metricTrials)
	if err != nil {
		return nil, errors.Wrap(err, "creating metric cache")
	}
	s := &server{svc: svc, metrics: metrics}
	remove := svc.AddMetricListener(s.collect)

	trials := e.Group("/trials")
	trials.GET("", s.getTrials)
	trials.POST("", s.postTrial)
	trials.GET("/:trial_id", s.getTrial)
	trials.PUT("/:trial_id", s.putTrial)
	trials.DELETE("/:trial_id", s.deleteTrial)
	trials.GET("/:trial_id/metrics", s.getTrialMetrics)
	e.GET("/environments", s.getEnvironments)
	e.PUT("/metadata/:key", s.putMetadata)
	return remove, nil
}

// Serve listens on port until ctx is canceled and then shuts the server down.
func Serve(ctx context.Context, e *echo.Echo, port int) error {
	errs := make(chan error, 1)
	go func() {
		errs <- e.Start(fmt.Sprintf(":%d", port))
	}()
	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serving api")
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	}
}

func (s *server) collect(event dispatcher.MetricEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.metrics.Get(event.TrialID)
	s.metrics.Add(event.TrialID, append(prev, event.Data))
}

func (s *server) getTrials(c echo.Context) error {
	args := struct {
		Status string `query:"status"`
		Offset int    `query:"offset"`
		Limit  int    `query:"limit"`
	}{}
	if err := c.Bind(&args); err != nil {
		return AsValidationError("invalid query: %s", err)
	}

	trials := []model.Trial{}
	for _, t := range s.svc.ListTrials() {
		if args.Status == "" || string(t.Status) == args.Status {
			trials = append(trials, t)
		}
	}
	p, err := Paginate(len(trials), args.Offset, args.Limit)
	if err != nil {
		return AsValidationError("%s", err)
	}
	return c.JSON(http.StatusOK, trials[p.StartIndex:p.EndIndex])
}

func (s *server) getTrial(c echo.Context) error {
	t, err := s.svc.GetTrial(c.Param("trial_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *server) postTrial(c echo.Context) error {
	var form model.TrialForm
	if err := c.Bind(&form); err != nil {
		return AsValidationError("invalid trial form: %s", err)
	}
	t, err := s.svc.Submit(form)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *server) putTrial(c echo.Context) error {
	var form model.TrialForm
	if err := c.Bind(&form); err != nil {
		return AsValidationError("invalid trial form: %s", err)
	}
	id := c.Param("trial_id")
	if err := s.svc.Update(c.Request().Context(), id, form); err != nil {
		return err
	}
	t, err := s.svc.GetTrial(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *server) deleteTrial(c echo.Context) error {
	earlyStopped := false
	if raw := c.QueryParam("early_stopped"); raw != "" {
		var err error
		if earlyStopped, err = strconv.ParseBool(raw); err != nil {
			return AsValidationError("invalid early_stopped: %s", raw)
		}
	}
	if err := s.svc.Cancel(c.Request().Context(), c.Param("trial_id"), earlyStopped); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *server) getTrialMetrics(c echo.Context) error {
	id := c.Param("trial_id")
	if _, err := s.svc.GetTrial(id); err != nil {
		return err
	}
	s.mu.Lock()
	data, _ := s.metrics.Get(id)
	out := append([]string{}, data...)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, out)
}

func (s *server) getEnvironments(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.ListEnvironments())
}

func (s *server) putMetadata(c echo.Context) error {
	body := struct {
		Value string `json:"value"`
	}{}
	if err := c.Bind(&body); err != nil {
		return AsValidationError("invalid metadata: %s", err)
	}
	if err := s.svc.SetClusterMetadata(c.Param("key"), body.Value); err != nil {
		return AsValidationError("%s", err)
	}
	return c.NoContent(http.StatusNoContent)
}
