package repo

import (
	"context"
	"database/sql"
	"fmt"

	"queueline/internal/domain"
)

// GetQueue returns the queue with its roster ordered by priority, then insertion position.
func (r Repo) GetQueue(ctx context.Context, id string) (domain.Queue, error) {
	var (
		q        domain.Queue
		active   int
		auto     int
		strategy sql.NullString
		hint     sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,active,auto_distribute,default_strategy,default_capacity,ordering_hint,created_at FROM queues WHERE id=?`, id).
		Scan(&q.ID, &q.TenantID, &q.Name, &active, &auto, &strategy, &q.DefaultCapacity, &hint, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Active = active == 1
	q.AutoDistribute = auto == 1
	q.DefaultStrategy = strategy.String
	q.OrderingHint = hint.String
	members, err := r.ListMembers(ctx, id)
	if err != nil {
		return q, fmt.Errorf("queue %s members: %w", id, err)
	}
	q.Members = members
	return q, nil
}

func (r Repo) ListQueues(ctx context.Context) ([]domain.Queue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,name,active,auto_distribute,COALESCE(default_strategy,''),default_capacity,COALESCE(ordering_hint,''),created_at FROM queues ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Queue
	for rows.Next() {
		var (
			q            domain.Queue
			active, auto int
		)
		if err := rows.Scan(&q.ID, &q.TenantID, &q.Name, &active, &auto, &q.DefaultStrategy, &q.DefaultCapacity, &q.OrderingHint, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Active = active == 1
		q.AutoDistribute = auto == 1
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) ListMembers(ctx context.Context, queueID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT m.queue_id,m.agent_id,m.capacity,m.priority,m.active,m.position,
a.id,a.tenant_id,a.name,a.active,a.status
FROM queue_members m JOIN agents a ON a.id=m.agent_id
WHERE m.queue_id=? ORDER BY m.priority ASC, m.position ASC`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var (
			m                         domain.Membership
			memberActive, agentActive int
		)
		if err := rows.Scan(&m.QueueID, &m.AgentID, &m.Capacity, &m.Priority, &memberActive, &m.Position,
			&m.Agent.ID, &m.Agent.TenantID, &m.Agent.Name, &agentActive, &m.Agent.Status); err != nil {
			return nil, err
		}
		m.Active = memberActive == 1
		m.Agent.Active = agentActive == 1
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertQueue(ctx context.Context, q domain.Queue) error {
	return insertQueue(ctx, r.DB, q)
}

func (r Repo) InsertQueueTx(ctx context.Context, tx *sql.Tx, q domain.Queue) error {
	return insertQueue(ctx, tx, q)
}

func insertQueue(ctx context.Context, ex execer, q domain.Queue) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO queues(id,tenant_id,name,active,auto_distribute,default_strategy,default_capacity,ordering_hint,created_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, name=excluded.name, active=excluded.active, auto_distribute=excluded.auto_distribute,
default_strategy=excluded.default_strategy, default_capacity=excluded.default_capacity, ordering_hint=excluded.ordering_hint`,
		q.ID, q.TenantID, q.Name, boolInt(q.Active), boolInt(q.AutoDistribute), nullable(q.DefaultStrategy), q.DefaultCapacity, nullable(q.OrderingHint), q.CreatedAt)
	return err
}

// AddMember upserts a membership. A zero Position appends to the end of the roster.
func (r Repo) AddMember(ctx context.Context, m domain.Membership) error {
	return addMember(ctx, r.DB, m)
}

func (r Repo) AddMemberTx(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	return addMember(ctx, tx, m)
}

func addMember(ctx context.Context, ex execer, m domain.Membership) error {
	if m.Capacity < 0 {
		return fmt.Errorf("membership capacity must be >= 0")
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO queue_members(queue_id,agent_id,capacity,priority,active,position)
VALUES (?,?,?,?,?,CASE WHEN ?>0 THEN ? ELSE (SELECT COALESCE(MAX(position),0)+1 FROM queue_members WHERE queue_id=?) END)
ON CONFLICT(queue_id,agent_id) DO UPDATE SET capacity=excluded.capacity, priority=excluded.priority, active=excluded.active`,
		m.QueueID, m.AgentID, m.Capacity, m.Priority, boolInt(m.Active), m.Position, m.Position, m.QueueID)
	return err
}
