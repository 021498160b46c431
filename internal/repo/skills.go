package repo

import (
	"context"
	"database/sql"
	"fmt"

	"queueline/internal/domain"
)

// ListSkillsByAgent returns every skill record of an agent, active or not.
func (r Repo) ListSkillsByAgent(ctx context.Context, agentID string) ([]domain.Skill, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,name,level,active FROM agent_skills WHERE agent_id=? ORDER BY name`, agentID)
	if err != nil {
		return nil, err
	}
	return scanSkills(rows)
}

// ListSkillsByName returns active records for any of the given skill names.
func (r Repo) ListSkillsByName(ctx context.Context, names []string) ([]domain.Skill, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(names))
	for _, n := range names {
		args = append(args, n)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,name,level,active FROM agent_skills WHERE active=1 AND name IN (`+placeholders(len(names))+`) ORDER BY agent_id, name`, args...)
	if err != nil {
		return nil, err
	}
	return scanSkills(rows)
}

func scanSkills(rows *sql.Rows) ([]domain.Skill, error) {
	defer rows.Close()
	var res []domain.Skill
	for rows.Next() {
		var (
			s      domain.Skill
			active int
		)
		if err := rows.Scan(&s.AgentID, &s.Name, &s.Level, &active); err != nil {
			return nil, err
		}
		s.Active = active == 1
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpsertSkill(ctx context.Context, s domain.Skill) error {
	return upsertSkill(ctx, r.DB, s)
}

func (r Repo) UpsertSkillTx(ctx context.Context, tx *sql.Tx, s domain.Skill) error {
	return upsertSkill(ctx, tx, s)
}

func upsertSkill(ctx context.Context, ex execer, s domain.Skill) error {
	if s.Level < 1 || s.Level > 5 {
		return fmt.Errorf("skill %s level %d out of range 1-5", s.Name, s.Level)
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO agent_skills(agent_id,name,level,active) VALUES (?,?,?,?)
ON CONFLICT(agent_id,name) DO UPDATE SET level=excluded.level, active=excluded.active`,
		s.AgentID, s.Name, s.Level, boolInt(s.Active))
	return err
}
