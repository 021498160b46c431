package events

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

// Writer appends to the assignment log. Entries are never updated.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append stores one entry and returns its id. CreatedAt defaults to Now.
func (w Writer) Append(ctx context.Context, e domain.AssignmentLogEntry) (int64, error) {
	if e.CreatedAt == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO assignment_log(ticket_id,agent_id,queue_id,strategy,reason,agent_load,reassignment,reassignment_reason,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.TicketID, e.AgentID, e.QueueID, e.Strategy, e.Reason, e.AgentLoad, boolInt(e.Reassignment), nullable(e.ReassignmentReason), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestForQueue returns the most recent entry for a queue or repo.ErrNotFound.
func (w Writer) LatestForQueue(ctx context.Context, queueID string) (domain.AssignmentLogEntry, error) {
	var (
		e      domain.AssignmentLogEntry
		reassn int
		why    sql.NullString
	)
	err := w.DB.QueryRowContext(ctx, `SELECT id,ticket_id,agent_id,queue_id,strategy,reason,agent_load,reassignment,reassignment_reason,created_at
FROM assignment_log WHERE queue_id=? ORDER BY id DESC LIMIT 1`, queueID).
		Scan(&e.ID, &e.TicketID, &e.AgentID, &e.QueueID, &e.Strategy, &e.Reason, &e.AgentLoad, &reassn, &why, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, repo.ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Reassignment = reassn == 1
	e.ReassignmentReason = why.String
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
