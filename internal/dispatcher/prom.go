package dispatcher

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/determined-ai/trialdispatcher/pkg/model"
)

const (
	promNamespace = "trial_dispatcher"
	promSubsystem = "dispatcher"
)

var allTrialStatuses = []model.TrialStatus{
	model.TrialWaiting,
	model.TrialRunning,
	model.TrialSucceeded,
	model.TrialFailed,
	model.TrialUserCanceled,
	model.TrialEarlyStopped,
	model.TrialUnknown,
}

var (
	trialsByStatus = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "trials",
		Help:      "number of trials by status",
	}, []string{"status"})
	aliveEnvironments = prom.NewGauge(prom.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "alive_environments",
		Help:      "number of environments that are waiting, running or unknown",
	})
	environmentsRequested = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "environments_requested_total",
		Help:      "environments requested from the environment service",
	})
	commandsReceived = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "commands_received_total",
		Help:      "inbound runner commands by type",
	}, []string{"command"})
	placements = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "gpu_placements_total",
		Help:      "gpu placement attempts by result",
	}, []string{"result"})
	maintenanceHistogram = prom.NewHistogram(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "maintenance_seconds",
		Help:      "duration of environment status refreshes",
		Buckets:   prom.DefBuckets,
	})
)

func init() {
	prom.MustRegister(trialsByStatus)
	prom.MustRegister(aliveEnvironments)
	prom.MustRegister(environmentsRequested)
	prom.MustRegister(commandsReceived)
	prom.MustRegister(placements)
	prom.MustRegister(maintenanceHistogram)
}

func (d *Dispatcher) updateGauges() {
	counts := d.reg.trialStatusCounts()
	for _, s := range allTrialStatuses {
		trialsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	aliveEnvironments.Set(float64(len(d.reg.aliveEnvironments())))
}
