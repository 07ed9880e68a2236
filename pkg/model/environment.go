package model

import (
	"sort"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
)

// EnvironmentStatus is the lifecycle state of an environment as reported by its backend.
type EnvironmentStatus string

const (
	// EnvironmentWaiting means the backend accepted the environment but it has not started.
	EnvironmentWaiting EnvironmentStatus = "WAITING"
	// EnvironmentRunning means the environment is up.
	EnvironmentRunning EnvironmentStatus = "RUNNING"
	// EnvironmentSucceeded means the environment exited cleanly.
	EnvironmentSucceeded EnvironmentStatus = "SUCCEEDED"
	// EnvironmentFailed means the environment exited with an error or could not start.
	EnvironmentFailed EnvironmentStatus = "FAILED"
	// EnvironmentUnknown means the backend lost track of the environment; it may come back.
	EnvironmentUnknown EnvironmentStatus = "UNKNOWN"
	// EnvironmentUserCanceled means the dispatcher stopped the environment.
	EnvironmentUserCanceled EnvironmentStatus = "USER_CANCELED"
)

// IsAlive returns true while an environment in this state may still run trials.
func (s EnvironmentStatus) IsAlive() bool {
	switch s {
	case EnvironmentWaiting, EnvironmentRunning, EnvironmentUnknown:
		return true
	default:
		return false
	}
}

// NodeInfo tracks one worker of an environment.
type NodeInfo struct {
	ID      string            `json:"id"`
	Status  EnvironmentStatus `json:"status"`
	EndTime *time.Time        `json:"endTime,omitempty"`
}

// Environment is a provisioned compute unit that runs trials through a remote runner.
type Environment struct {
	ID string `json:"id"`
	// Name is the backend-visible name of the environment.
	Name string `json:"name"`
	// BackendID is the identifier the backend assigned, e.g. a container id or pid.
	BackendID     string            `json:"backendId,omitempty"`
	Status        EnvironmentStatus `json:"status"`
	IsAlive       bool              `json:"isAlive"`
	IsRunnerReady bool              `json:"isRunnerReady"`
	NodeCount     int               `json:"nodeCount"`

	Nodes map[string]*NodeInfo `json:"nodes,omitempty"`

	RunningTrialCount  int `json:"runningTrialCount"`
	AssignedTrialCount int `json:"assignedTrialCount"`

	GPUSummaries map[string]*GPUSummary `json:"gpuSummaries,omitempty"`

	Command       string `json:"command,omitempty"`
	WorkingFolder string `json:"workingFolder,omitempty"`
	TrackingURL   string `json:"trackingUrl,omitempty"`

	// ChannelClosed is set once the dispatcher closed the command channel of a dead environment.
	ChannelClosed bool `json:"-"`
}

// NewEnvironment returns a waiting single-worker environment.
func NewEnvironment(id, name string) *Environment {
	return &Environment{
		ID:           id,
		Name:         name,
		Status:       EnvironmentWaiting,
		NodeCount:    1,
		Nodes:        map[string]*NodeInfo{},
		GPUSummaries: map[string]*GPUSummary{},
	}
}

// SetStatus records a new backend status and reports whether the environment changed between
// alive and dead.
func (e *Environment) SetStatus(s EnvironmentStatus) (aliveChanged bool) {
	e.Status = s
	alive := s.IsAlive()
	aliveChanged = alive != e.IsAlive
	e.IsAlive = alive
	return aliveChanged
}

// Snapshot returns a copy that does not share maps with e.
func (e *Environment) Snapshot() Environment {
	c := *e
	c.Nodes = make(map[string]*NodeInfo, len(e.Nodes))
	for k, v := range e.Nodes {
		n := *v
		c.Nodes[k] = &n
	}
	c.GPUSummaries = make(map[string]*GPUSummary, len(e.GPUSummaries))
	for k, v := range e.GPUSummaries {
		g := *v
		g.GPUInfos = append([]GPUInfo(nil), v.GPUInfos...)
		c.GPUSummaries[k] = &g
	}
	return c
}

// ReportNodeRunning records that the runner on the given worker came up. The environment
// becomes runner-ready once every expected worker has reported; readiness is never revoked.
func (e *Environment) ReportNodeRunning(nodeID string) {
	if e.NodeCount <= 1 {
		e.IsRunnerReady = true
		return
	}
	node, ok := e.Nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		e.Nodes[nodeID] = node
	}
	node.Status = EnvironmentRunning

	running := 0
	for _, n := range e.Nodes {
		if n.Status == EnvironmentRunning {
			running++
		}
	}
	if running >= e.NodeCount {
		e.IsRunnerReady = true
	}
}

// SetGPUSummary merges the GPU inventory reported by one worker.
func (e *Environment) SetGPUSummary(nodeID string, summary *GPUSummary) {
	if e.GPUSummaries == nil {
		e.GPUSummaries = map[string]*GPUSummary{}
	}
	e.GPUSummaries[nodeID] = summary
}

// HasGPUInventory returns true once every expected worker has reported its GPUs.
func (e *Environment) HasGPUInventory() bool {
	expected := e.NodeCount
	if expected < 1 {
		expected = 1
	}
	return len(e.GPUSummaries) >= expected
}

// GPUInventory returns, in ascending order, the GPU indices that every reporting worker has. A
// multi-worker trial is started with the same visible devices on each worker, so only the
// indices common to all workers are schedulable.
func (e *Environment) GPUInventory() []int {
	return e.gpuIndices(func(GPUInfo) bool { return true })
}

// BusyGPUs returns the GPU indices on which any worker reports active processes.
func (e *Environment) BusyGPUs() []int {
	busy := treeset.NewWithIntComparator()
	for _, summary := range e.GPUSummaries {
		for _, info := range summary.GPUInfos {
			if info.ActiveProcessNum > 0 {
				busy.Add(info.Index)
			}
		}
	}
	return toInts(busy)
}

func (e *Environment) gpuIndices(keep func(GPUInfo) bool) []int {
	var common *treeset.Set
	for _, nodeID := range sortedKeys(e.GPUSummaries) {
		indices := treeset.NewWithIntComparator()
		for _, info := range e.GPUSummaries[nodeID].GPUInfos {
			if keep(info) {
				indices.Add(info.Index)
			}
		}
		if common == nil {
			common = indices
			continue
		}
		for _, v := range common.Values() {
			if !indices.Contains(v) {
				common.Remove(v)
			}
		}
	}
	if common == nil {
		return nil
	}
	return toInts(common)
}

func toInts(s *treeset.Set) []int {
	out := make([]int, 0, s.Size())
	for _, v := range s.Values() {
		out = append(out, v.(int))
	}
	return out
}

func sortedKeys(m map[string]*GPUSummary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
