// Package gpu places GPU-demanding trials onto environments and tracks which GPU indices each
// trial holds.
package gpu

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// Result is the outcome of a placement attempt.
type Result string

const (
	// Succeed means the trial was placed and its GPUs reserved.
	Succeed Result = "SUCCEED"
	// TmpNoAvailableGPU means some environment could fit the trial but its GPUs are in use.
	TmpNoAvailableGPU Result = "TMP_NO_AVAILABLE_GPU"
	// RequireExceedTotal means no known environment has enough GPUs to ever fit the trial.
	RequireExceedTotal Result = "REQUIRE_EXCEED_TOTAL"
)

var (
	// ErrNotReserved is returned when releasing a trial that holds no GPUs.
	ErrNotReserved = errors.New("trial holds no gpu reservation")
	// ErrAlreadyReserved is returned when placing a trial that already holds GPUs.
	ErrAlreadyReserved = errors.New("trial already holds a gpu reservation")
)

// Placement is the decision returned by Place.
type Placement struct {
	Result      Result
	Environment *model.Environment
	GPUIndices  []int
}

type reservation struct {
	environmentID string
	indices       []int
}

type candidate struct {
	env       *model.Environment
	inventory []int
	free      []int
}

// Scheduler reserves GPU indices on environments for trials. It does no I/O; callers serialize
// access to it along with the environments they pass in.
type Scheduler struct {
	fit FitFunction

	// byEnvironment maps environment id to gpu index to the trial holding it.
	byEnvironment map[string]map[int]string
	byTrial       map[string]reservation
}

// New returns a scheduler using the named fitting policy.
func New(fittingPolicy string) *Scheduler {
	return &Scheduler{
		fit:           MakeFitFunction(fittingPolicy),
		byEnvironment: map[string]map[int]string{},
		byTrial:       map[string]reservation{},
	}
}

// Place chooses an environment for the trial among envs. When required is nil or zero, the first
// environment not running any trial is chosen without GPU accounting. Otherwise the environment
// must have at least required free GPUs, and the lowest free indices are reserved for the trial.
// Identical inputs always produce identical placements.
func (s *Scheduler) Place(envs []*model.Environment, required *int, trialID string) (Placement, error) {
	if _, ok := s.byTrial[trialID]; ok {
		return Placement{}, errors.Wrapf(ErrAlreadyReserved, "placing trial %s", trialID)
	}

	if required == nil || *required <= 0 {
		for _, env := range envs {
			if env.IsAlive && env.RunningTrialCount == 0 {
				return Placement{Result: Succeed, Environment: env}, nil
			}
		}
		return Placement{Result: TmpNoAvailableGPU}, nil
	}

	maxTotal := 0
	var fits []*candidate
	for _, env := range envs {
		if !env.IsAlive {
			continue
		}
		c := s.candidate(env)
		if len(c.inventory) > maxTotal {
			maxTotal = len(c.inventory)
		}
		if gpusSatisfied(*required, c) {
			fits = append(fits, c)
		}
	}

	switch {
	case *required > maxTotal:
		return Placement{Result: RequireExceedTotal}, nil
	case len(fits) == 0:
		return Placement{Result: TmpNoAvailableGPU}, nil
	}

	sort.SliceStable(fits, func(i, j int) bool {
		a, b := fits[i], fits[j]
		if sa, sb := s.fit(*required, a), s.fit(*required, b); sa != sb {
			return sa > sb
		}
		if a.env.RunningTrialCount != b.env.RunningTrialCount {
			return a.env.RunningTrialCount < b.env.RunningTrialCount
		}
		return a.env.ID < b.env.ID
	})

	chosen := fits[0]
	indices := slices.Clone(chosen.free[:*required])
	s.reserve(trialID, chosen.env.ID, indices)
	return Placement{Result: Succeed, Environment: chosen.env, GPUIndices: indices}, nil
}

// Release frees exactly the GPUs held by the trial.
func (s *Scheduler) Release(trialID string) error {
	r, ok := s.byTrial[trialID]
	if !ok {
		return errors.Wrapf(ErrNotReserved, "releasing trial %s", trialID)
	}
	held := s.byEnvironment[r.environmentID]
	for _, i := range r.indices {
		delete(held, i)
	}
	if len(held) == 0 {
		delete(s.byEnvironment, r.environmentID)
	}
	delete(s.byTrial, trialID)
	return nil
}

// Reserved returns the GPU indices held by the trial.
func (s *Scheduler) Reserved(trialID string) ([]int, bool) {
	r, ok := s.byTrial[trialID]
	if !ok {
		return nil, false
	}
	return slices.Clone(r.indices), true
}

// ReservedCount returns the number of GPUs reserved on the environment.
func (s *Scheduler) ReservedCount(environmentID string) int {
	return len(s.byEnvironment[environmentID])
}

func (s *Scheduler) reserve(trialID, environmentID string, indices []int) {
	held, ok := s.byEnvironment[environmentID]
	if !ok {
		held = map[int]string{}
		s.byEnvironment[environmentID] = held
	}
	for _, i := range indices {
		held[i] = trialID
	}
	s.byTrial[trialID] = reservation{environmentID: environmentID, indices: indices}
}

func (s *Scheduler) candidate(env *model.Environment) *candidate {
	c := &candidate{env: env, inventory: env.GPUInventory()}
	held := s.byEnvironment[env.ID]
	busy := env.BusyGPUs()
	for _, i := range c.inventory {
		if _, ok := held[i]; ok {
			continue
		}
		if slices.Contains(busy, i) {
			continue
		}
		c.free = append(c.free, i)
	}
	return c
}
