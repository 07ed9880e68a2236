package dispatcher

import (
	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// registry holds every trial and environment the dispatcher knows about, in insertion order.
// It is guarded by the dispatcher mutex.
type registry struct {
	trials     map[string]*model.Trial
	trialOrder []string

	environments     map[string]*model.Environment
	environmentOrder []string
}

func newRegistry() *registry {
	return &registry{
		trials:       map[string]*model.Trial{},
		environments: map[string]*model.Environment{},
	}
}

func (r *registry) addTrial(t *model.Trial) {
	if _, ok := r.trials[t.ID]; !ok {
		r.trialOrder = append(r.trialOrder, t.ID)
	}
	r.trials[t.ID] = t
}

func (r *registry) trial(id string) (*model.Trial, bool) {
	t, ok := r.trials[id]
	return t, ok
}

func (r *registry) orderedTrials() []*model.Trial {
	out := make([]*model.Trial, 0, len(r.trialOrder))
	for _, id := range r.trialOrder {
		out = append(out, r.trials[id])
	}
	return out
}

func (r *registry) addEnvironment(env *model.Environment) {
	if _, ok := r.environments[env.ID]; !ok {
		r.environmentOrder = append(r.environmentOrder, env.ID)
	}
	r.environments[env.ID] = env
}

func (r *registry) environment(id string) (*model.Environment, bool) {
	env, ok := r.environments[id]
	return env, ok
}

func (r *registry) orderedEnvironments() []*model.Environment {
	out := make([]*model.Environment, 0, len(r.environmentOrder))
	for _, id := range r.environmentOrder {
		out = append(out, r.environments[id])
	}
	return out
}

func (r *registry) aliveEnvironments() []*model.Environment {
	var out []*model.Environment
	for _, env := range r.orderedEnvironments() {
		if env.IsAlive {
			out = append(out, env)
		}
	}
	return out
}

func (r *registry) trialStatusCounts() map[model.TrialStatus]int {
	counts := map[model.TrialStatus]int{}
	for _, t := range r.trials {
		counts[t.Status]++
	}
	return counts
}
