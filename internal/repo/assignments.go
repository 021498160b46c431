package repo

import (
	"context"
	"database/sql"
	"strings"

	"queueline/internal/domain"
)

type AssignmentFilter struct {
	QueueID  string
	TicketID string
	AgentID  string
	Limit    int
}

// ListAssignments returns log entries newest first.
func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilter) ([]domain.AssignmentLogEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.QueueID != "" {
		clauses = append(clauses, "queue_id=?")
		args = append(args, f.QueueID)
	}
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	query := `SELECT id,ticket_id,agent_id,queue_id,strategy,reason,agent_load,reassignment,reassignment_reason,created_at FROM assignment_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentLogEntry
	for rows.Next() {
		var (
			e      domain.AssignmentLogEntry
			reassn int
			why    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TicketID, &e.AgentID, &e.QueueID, &e.Strategy, &e.Reason, &e.AgentLoad, &reassn, &why, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reassignment = reassn == 1
		e.ReassignmentReason = why.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// AssignmentSummary aggregates a queue's log per agent and strategy.
func (r Repo) AssignmentSummary(ctx context.Context, queueID string) ([]domain.AssignmentSummaryRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,strategy,COUNT(*),SUM(reassignment),MAX(created_at)
FROM assignment_log WHERE queue_id=? GROUP BY agent_id,strategy ORDER BY agent_id,strategy`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentSummaryRow
	for rows.Next() {
		var s domain.AssignmentSummaryRow
		if err := rows.Scan(&s.AgentID, &s.Strategy, &s.Assignments, &s.Reassignments, &s.LastAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
