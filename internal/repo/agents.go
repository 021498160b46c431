package repo

import (
	"context"
	"database/sql"

	"queueline/internal/domain"
)

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var (
		a      domain.Agent
		active int
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,active,status FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.TenantID, &a.Name, &active, &a.Status)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Active = active == 1
	return a, err
}

func (r Repo) UpsertAgent(ctx context.Context, a domain.Agent) error {
	return upsertAgent(ctx, r.DB, a)
}

func (r Repo) UpsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	return upsertAgent(ctx, tx, a)
}

func upsertAgent(ctx context.Context, ex execer, a domain.Agent) error {
	if a.Status == "" {
		a.Status = domain.AgentOffline
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO agents(id,tenant_id,name,active,status) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, name=excluded.name, active=excluded.active, status=excluded.status`,
		a.ID, a.TenantID, a.Name, boolInt(a.Active), a.Status)
	return err
}

// SetAgentStatus updates availability as reported by the presence layer.
func (r Repo) SetAgentStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
