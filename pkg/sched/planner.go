package sched

import (
	"fmt"
	"slices"

	"github.com/maestro-run/maestro/pkg/models"
)

// Multi-agent plan roles, in pipeline order.
var planRoles = []string{"research", "build", "review", "final"}

// PlanMultiAgent builds the rule-based multi-agent plan: a four-node graph
// with labelled roles where build depends on research, review on build, and
// final on both build and review. Each role runs the registered agent whose
// id or tags match the role; roles with no matching agent fall back to the
// default agent id.
func (s *Scheduler) PlanMultiAgent(taskID, input string, fallbackAgent string) (*models.TaskSpec, []string, error) {
	assigned := make(map[string]string, len(planRoles))
	involved := make([]string, 0, len(planRoles))
	for _, role := range planRoles {
		agentID, err := s.agentForRole(role, fallbackAgent)
		if err != nil {
			return nil, nil, err
		}
		assigned[role] = agentID
		if !slices.Contains(involved, agentID) {
			involved = append(involved, agentID)
		}
	}

	node := func(role, input string, deps ...string) models.GraphNode {
		return models.GraphNode{
			ID:        role,
			Role:      role,
			DependsOn: deps,
			Task: &models.TaskSpec{
				ID:      fmt.Sprintf("%s-%s", taskID, role),
				Type:    models.TaskAtomic,
				AgentID: assigned[role],
				Input:   input,
			},
		}
	}

	plan := &models.TaskSpec{
		ID:   taskID + "-plan",
		Type: models.TaskGraph,
		Graph: []models.GraphNode{
			node("research", input),
			node("build", input, "research"),
			node("review", input, "build"),
			node("final", input, "build", "review"),
		},
	}
	return plan, involved, nil
}

func (s *Scheduler) agentForRole(role, fallback string) (string, error) {
	if _, ok := s.agents.Get(role); ok {
		return role, nil
	}
	for _, id := range s.agents.IDs() {
		a, _ := s.agents.Get(id)
		if slices.Contains(a.Tags, role) {
			return id, nil
		}
	}
	if fallback != "" {
		if _, ok := s.agents.Get(fallback); ok {
			return fallback, nil
		}
	}
	return "", fmt.Errorf("no agent available for role %q", role)
}
