package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"queueline/internal/config"
	"queueline/internal/domain"
	"queueline/internal/repo"
)

// Candidate is an agent that passed the availability filter.
type Candidate struct {
	Membership domain.Membership
	// QueueLoad counts open tickets of the agent in this queue; capacity is checked against it.
	QueueLoad int
	// Load is the ranking load, queue or tenant scoped depending on engine settings.
	Load     int
	Capacity int
}

func (c Candidate) AgentID() string { return c.Membership.AgentID }

func (c Candidate) Priority() int { return c.Membership.Priority }

// effectiveCapacity resolves membership, then configuration, then queue, then engine default.
func effectiveCapacity(m domain.Membership, cfg domain.DistributionConfig, q domain.Queue, fallback int) int {
	switch {
	case m.Capacity > 0:
		return m.Capacity
	case cfg.MaxCapacityPerAgent > 0:
		return cfg.MaxCapacityPerAgent
	case q.DefaultCapacity > 0:
		return q.DefaultCapacity
	default:
		return fallback
	}
}

func (e *Engine) statusEligible(status string) bool {
	return slices.Contains(e.Config.Engine.EligibleStatuses, status)
}

// eligible returns the roster members able to take one more ticket now,
// ordered by priority then insertion position. An empty result is not an error.
func (e *Engine) eligible(ctx context.Context, q domain.Queue, cfg domain.DistributionConfig, exclude string) ([]Candidate, error) {
	members := slices.Clone(q.Members)
	slices.SortStableFunc(members, func(a, b domain.Membership) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	var out []Candidate
	for _, m := range members {
		if m.AgentID == exclude {
			continue
		}
		if !m.Active || !m.Agent.Active {
			continue
		}
		if cfg.PrioritizeOnline && !e.statusEligible(m.Agent.Status) {
			continue
		}
		capacity := effectiveCapacity(m, cfg, q, e.Config.Engine.DefaultCapacity)
		inQueue, err := e.Stores.Tickets.CountTickets(ctx, repo.TicketFilter{
			QueueID:  q.ID,
			AgentID:  m.AgentID,
			Statuses: domain.OpenTicketStatuses,
		})
		if err != nil {
			return nil, fmt.Errorf("count tickets for agent %s: %w", m.AgentID, err)
		}
		if inQueue >= capacity {
			continue
		}
		load := inQueue
		if e.Config.Engine.LoadScope == config.LoadScopeTenant {
			load, err = e.Stores.Tickets.CountTickets(ctx, repo.TicketFilter{
				TenantID: q.TenantID,
				AgentID:  m.AgentID,
				Statuses: domain.OpenTicketStatuses,
			})
			if err != nil {
				return nil, fmt.Errorf("count tenant tickets for agent %s: %w", m.AgentID, err)
			}
		}
		out = append(out, Candidate{Membership: m, QueueLoad: inQueue, Load: load, Capacity: capacity})
	}
	return out, nil
}
