package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

type SweepResult struct {
	Checked     int `json:"checked"`
	Reallocated int `json:"reallocated"`
	Failed      int `json:"failed"`
}

// ReallocateExpired moves in-progress tickets whose agent has not responded
// within the queue's reassignment timeout to another eligible agent picked by
// the queue's strategy. Queues without a timeout are left alone.
func (e *Engine) ReallocateExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	tickets, err := e.Stores.Tickets.ListTickets(ctx, repo.TicketFilter{
		Statuses:   []string{domain.TicketInProgress},
		Unanswered: true,
	})
	if err != nil {
		return res, fmt.Errorf("list unanswered tickets: %w", err)
	}
	now := e.now()
	for _, t := range tickets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if t.QueueID == nil || t.AgentID == nil || t.AssignedAt == nil {
			continue
		}
		cfg, err := e.distributionConfig(ctx, *t.QueueID)
		if err != nil {
			if !IsNotFound(err) {
				res.Failed++
				e.logger().Warn("sweep config lookup", "ticket", t.ID, "queue", *t.QueueID, "err", err)
			}
			continue
		}
		if cfg.ReassignTimeoutMinutes <= 0 {
			continue
		}
		assignedAt, err := time.Parse(time.RFC3339, *t.AssignedAt)
		if err != nil {
			res.Failed++
			e.logger().Warn("sweep bad assigned_at", "ticket", t.ID, "value", *t.AssignedAt)
			continue
		}
		timeout := time.Duration(cfg.ReassignTimeoutMinutes) * time.Minute
		if now.Before(assignedAt.Add(timeout)) {
			continue
		}
		res.Checked++
		moved, err := e.reallocateExpired(ctx, t.ID, cfg)
		switch {
		case err != nil:
			res.Failed++
			e.logger().Warn("timeout reallocation failed", "ticket", t.ID, "queue", *t.QueueID, "err", err)
		case moved:
			res.Reallocated++
		}
	}
	return res, nil
}

func (e *Engine) reallocateExpired(ctx context.Context, ticketID string, cfg domain.DistributionConfig) (bool, error) {
	release, err := e.locks.lock(ctx, cfg.QueueID)
	if err != nil {
		return false, err
	}
	defer release()
	t, err := e.Stores.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return false, lookupErr("ticket", ticketID, err)
	}
	// Answered, reassigned or moved since the listing.
	if t.Status != domain.TicketInProgress || t.FirstResponseAt != nil || t.AgentID == nil || t.QueueID == nil || *t.QueueID != cfg.QueueID {
		return false, nil
	}
	q, err := e.Stores.Queues.GetQueue(ctx, cfg.QueueID)
	if err != nil {
		return false, lookupErr("queue", cfg.QueueID, err)
	}
	required := requiredSkills(t, cfg)
	strat, err := e.strategyFor(cfg, q, required)
	if err != nil {
		return false, err
	}
	cands, err := e.eligible(ctx, q, cfg, *t.AgentID)
	if err != nil {
		return false, err
	}
	sel, err := strat.Select(ctx, Request{Ticket: t, QueueID: q.ID, Candidates: cands, RequiredSkills: required})
	if errors.Is(err, ErrNoEligibleAgent) {
		e.logger().Info("no agent to take expired ticket", "ticket", t.ID, "queue", q.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	reason := fmt.Sprintf("no response within %d minutes", cfg.ReassignTimeoutMinutes)
	if err := e.reallocateLocked(ctx, t, sel.Candidate.AgentID(), reason, "timeout"); err != nil {
		return false, err
	}
	return true, nil
}
