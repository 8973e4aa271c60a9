package maestro

import (
	"fmt"
	"sync"
)

// Agent describes one participant known to the capability registry: what it
// can do, how strongly, and where control enters the workflow when a task
// is handed off to it.
type Agent struct {
	Name string `json:"name"`

	// Capabilities maps capability names to a declared score in [0, 1].
	Capabilities map[string]float64 `json:"capabilities,omitempty"`

	// Priority breaks ties between equal capability scores.
	Priority int `json:"priority,omitempty"`

	// EntryStep is the step control transfers to after a handoff.
	EntryStep string `json:"entry_step,omitempty"`

	// SystemPrompt seeds the agent's contributions in group chat rounds.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Candidate is one ranked capability match.
type Candidate struct {
	Agent *Agent
	Score float64
}

// CapabilityRegistry matches required capabilities against registered
// agents. It is constructed explicitly and injected; registration order is
// preserved as the final tie-break.
type CapabilityRegistry struct {
	mutex  sync.RWMutex
	agents []*Agent
	byName map[string]*Agent
}

// NewCapabilityRegistry builds a registry from the given agents.
func NewCapabilityRegistry(agents ...*Agent) *CapabilityRegistry {
	r := &CapabilityRegistry{byName: map[string]*Agent{}}
	for _, agent := range agents {
		r.Register(agent)
	}
	return r
}

// Register adds an agent. Re-registering a name replaces the agent but
// keeps its original position in the order.
func (r *CapabilityRegistry) Register(agent *Agent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if prior, ok := r.byName[agent.Name]; ok {
		for i, a := range r.agents {
			if a == prior {
				r.agents[i] = agent
				break
			}
		}
	} else {
		r.agents = append(r.agents, agent)
	}
	r.byName[agent.Name] = agent
}

// Get returns an agent by name.
func (r *CapabilityRegistry) Get(name string) (*Agent, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	agent, ok := r.byName[name]
	return agent, ok
}

// Match returns agents declaring the capability, best first. Ranking:
// highest declared capability score, then declared priority, then
// registration order.
func (r *CapabilityRegistry) Match(capability string) []Candidate {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var candidates []Candidate
	for _, agent := range r.agents {
		score, ok := agent.Capabilities[capability]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Agent: agent, Score: score})
	}
	// Stable insertion sort: registration order is already the slice
	// order, so equal (score, priority) pairs keep it.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && ranksAbove(candidates[j], candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	return candidates
}

// BestMatch returns the top candidate for a capability.
func (r *CapabilityRegistry) BestMatch(capability string) (*Agent, error) {
	candidates := r.Match(capability)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agent declares capability %q", capability)
	}
	return candidates[0].Agent, nil
}

func ranksAbove(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Agent.Priority > b.Agent.Priority
}
