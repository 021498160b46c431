package engine

import (
	"context"
	"errors"
	"fmt"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

type overflowOutcome int

const (
	overflowUnavailable overflowOutcome = iota
	overflowAssigned
	// overflowAlreadyAssigned means another caller assigned the ticket while
	// the primary queue lock was released.
	overflowAlreadyAssigned
)

// overflow retries a ticket against the backup queue of cfg using least-load.
// The caller must not hold the primary queue lock; the commit itself refuses
// a ticket that was assigned in the meantime. overflowUnavailable with a
// nil error means the original no-agent failure stands.
func (e *Engine) overflow(ctx context.Context, t domain.Ticket, q domain.Queue, cfg domain.DistributionConfig) (domain.Ticket, overflowOutcome, error) {
	if !cfg.OverflowEnabled || cfg.BackupQueueID == nil || *cfg.BackupQueueID == "" || *cfg.BackupQueueID == q.ID {
		return t, overflowUnavailable, nil
	}
	backupID := *cfg.BackupQueueID
	backupCfg, err := e.distributionConfig(ctx, backupID)
	if err != nil {
		if IsNotFound(err) {
			e.logger().Info("backup queue has no active config", "queue", q.ID, "backup", backupID)
			return t, overflowUnavailable, nil
		}
		return t, overflowUnavailable, err
	}
	backup, err := e.Stores.Queues.GetQueue(ctx, backupID)
	if err != nil {
		if IsNotFound(err) {
			return t, overflowUnavailable, nil
		}
		return t, overflowUnavailable, fmt.Errorf("load backup queue %s: %w", backupID, err)
	}
	if !backup.Active {
		return t, overflowUnavailable, nil
	}

	release, err := e.locks.lock(ctx, backupID)
	if err != nil {
		return t, overflowUnavailable, err
	}
	defer release()
	cur, err := e.Stores.Tickets.GetTicket(ctx, t.ID)
	if err != nil {
		return t, overflowUnavailable, lookupErr("ticket", t.ID, err)
	}
	if cur.AgentID != nil {
		return cur, overflowAlreadyAssigned, nil
	}
	if cur.QueueID == nil || *cur.QueueID != q.ID {
		return t, overflowUnavailable, nil
	}

	cands, err := e.eligible(ctx, backup, backupCfg, "")
	if err != nil {
		return t, overflowUnavailable, err
	}
	sel, err := leastLoad{}.Select(ctx, Request{Ticket: cur, QueueID: backupID, Candidates: cands})
	if errors.Is(err, ErrNoEligibleAgent) {
		e.logger().Info("backup queue has no eligible agent", "queue", q.ID, "backup", backupID)
		return t, overflowUnavailable, nil
	}
	if err != nil {
		return t, overflowUnavailable, err
	}
	sel.Reason = fmt.Sprintf("overflow from queue %s to backup queue %s: %s", q.ID, backupID, sel.Reason)
	assigned, err := e.commit(ctx, cur, backupID, domain.StrategyLeastLoad, sel)
	if errors.Is(err, repo.ErrAlreadyAssigned) {
		if now, gerr := e.Stores.Tickets.GetTicket(ctx, t.ID); gerr == nil {
			return now, overflowAlreadyAssigned, nil
		}
	}
	if err != nil {
		return t, overflowUnavailable, err
	}
	return assigned, overflowAssigned, nil
}
