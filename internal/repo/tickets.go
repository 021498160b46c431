package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"queueline/internal/domain"
)

// TicketFilter narrows ticket listings and counts. Zero fields are ignored.
type TicketFilter struct {
	TenantID string
	QueueID  string
	AgentID  string
	Statuses []string
	// Unanswered keeps assigned tickets whose agent has not responded yet.
	Unanswered bool
	Limit      int
}

func (f TicketFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.QueueID != "" {
		clauses = append(clauses, "queue_id=?")
		args = append(args, f.QueueID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Unanswered {
		clauses = append(clauses, "assigned_at IS NOT NULL AND first_response_at IS NULL")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const ticketColumns = `id,tenant_id,queue_id,agent_id,COALESCE(subject,''),status,priority,required_skills_json,created_at,updated_at,assigned_at,first_response_at`

func scanTicket(s scanner) (domain.Ticket, error) {
	var (
		t                           domain.Ticket
		queueID, agentID, skills    sql.NullString
		assignedAt, firstResponseAt sql.NullString
	)
	if err := s.Scan(&t.ID, &t.TenantID, &queueID, &agentID, &t.Subject, &t.Status, &t.Priority, &skills,
		&t.CreatedAt, &t.UpdatedAt, &assignedAt, &firstResponseAt); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.QueueID = ptrFromNull(queueID)
	t.AgentID = ptrFromNull(agentID)
	t.AssignedAt = ptrFromNull(assignedAt)
	t.FirstResponseAt = ptrFromNull(firstResponseAt)
	req, err := unmarshalStringSlice(skills)
	if err != nil {
		return t, fmt.Errorf("ticket %s required skills: %w", t.ID, err)
	}
	t.RequiredSkills = req
	return t, nil
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

// ListTickets returns matching tickets oldest first.
func (r Repo) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	where, args := f.where()
	query := `SELECT ` + ticketColumns + ` FROM tickets` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTickets(ctx context.Context, f TicketFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) InsertTicket(ctx context.Context, t domain.Ticket) error {
	return insertTicket(ctx, r.DB, t)
}

func (r Repo) InsertTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	return insertTicket(ctx, tx, t)
}

func insertTicket(ctx context.Context, ex execer, t domain.Ticket) error {
	skills, err := marshalStringSlice(t.RequiredSkills)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO tickets(id,tenant_id,queue_id,agent_id,subject,status,priority,required_skills_json,created_at,updated_at,assigned_at,first_response_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, nullablePtr(t.QueueID), nullablePtr(t.AgentID), nullable(t.Subject), t.Status, t.Priority, skills,
		t.CreatedAt, t.UpdatedAt, nullablePtr(t.AssignedAt), nullablePtr(t.FirstResponseAt))
	return err
}

// SaveTicket persists the assignment-related fields of a ticket.
func (r Repo) SaveTicket(ctx context.Context, t domain.Ticket) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tickets SET queue_id=?, agent_id=?, status=?, assigned_at=?, first_response_at=?, updated_at=? WHERE id=?`,
		nullablePtr(t.QueueID), nullablePtr(t.AgentID), t.Status, nullablePtr(t.AssignedAt), nullablePtr(t.FirstResponseAt), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignTicket stores a first assignment. It only writes while the stored
// ticket has no agent, so of two racing assignments exactly one lands.
func (r Repo) AssignTicket(ctx context.Context, t domain.Ticket) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tickets SET queue_id=?, agent_id=?, status=?, assigned_at=?, first_response_at=?, updated_at=? WHERE id=? AND agent_id IS NULL`,
		nullablePtr(t.QueueID), nullablePtr(t.AgentID), t.Status, nullablePtr(t.AssignedAt), nullablePtr(t.FirstResponseAt), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetTicket(ctx, t.ID); err != nil {
		return err
	}
	return ErrAlreadyAssigned
}

// MarkFirstResponse records the first agent action on a ticket.
func (r Repo) MarkFirstResponse(ctx context.Context, id, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tickets SET first_response_at=COALESCE(first_response_at, ?), updated_at=? WHERE id=?`, ts, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
