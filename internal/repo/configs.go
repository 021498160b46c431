package repo

import (
	"context"
	"database/sql"

	"queueline/internal/domain"
)

// GetDistributionConfig returns the current configuration of a queue, active or not.
func (r Repo) GetDistributionConfig(ctx context.Context, queueID string) (domain.DistributionConfig, error) {
	var (
		c                                domain.DistributionConfig
		online, skills, overflow, active int
		backup                           sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT queue_id,strategy,max_capacity_per_agent,prioritize_online,consider_skills,reassign_timeout_minutes,overflow_enabled,backup_queue_id,active,updated_at
FROM distribution_configs WHERE queue_id=?`, queueID).
		Scan(&c.QueueID, &c.Strategy, &c.MaxCapacityPerAgent, &online, &skills, &c.ReassignTimeoutMinutes, &overflow, &backup, &active, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.PrioritizeOnline = online == 1
	c.ConsiderSkills = skills == 1
	c.OverflowEnabled = overflow == 1
	c.Active = active == 1
	c.BackupQueueID = ptrFromNull(backup)
	return c, nil
}

func (r Repo) UpsertDistributionConfig(ctx context.Context, c domain.DistributionConfig) error {
	return upsertDistributionConfig(ctx, r.DB, c)
}

func (r Repo) UpsertDistributionConfigTx(ctx context.Context, tx *sql.Tx, c domain.DistributionConfig) error {
	return upsertDistributionConfig(ctx, tx, c)
}

func upsertDistributionConfig(ctx context.Context, ex execer, c domain.DistributionConfig) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO distribution_configs(queue_id,strategy,max_capacity_per_agent,prioritize_online,consider_skills,reassign_timeout_minutes,overflow_enabled,backup_queue_id,active,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(queue_id) DO UPDATE SET strategy=excluded.strategy, max_capacity_per_agent=excluded.max_capacity_per_agent,
prioritize_online=excluded.prioritize_online, consider_skills=excluded.consider_skills, reassign_timeout_minutes=excluded.reassign_timeout_minutes,
overflow_enabled=excluded.overflow_enabled, backup_queue_id=excluded.backup_queue_id, active=excluded.active, updated_at=excluded.updated_at`,
		c.QueueID, c.Strategy, c.MaxCapacityPerAgent, boolInt(c.PrioritizeOnline), boolInt(c.ConsiderSkills), c.ReassignTimeoutMinutes,
		boolInt(c.OverflowEnabled), nullablePtr(c.BackupQueueID), boolInt(c.Active), c.UpdatedAt)
	return err
}
