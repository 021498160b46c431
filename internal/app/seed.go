package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

// Fixture is the YAML layout accepted by `ql seed`.
type Fixture struct {
	Tenant string `yaml:"tenant"`
	Agents []struct {
		ID     string         `yaml:"id"`
		Name   string         `yaml:"name"`
		Status string         `yaml:"status"`
		Active *bool          `yaml:"active"`
		Skills map[string]int `yaml:"skills"`
	} `yaml:"agents"`
	Queues []struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		DefaultCapacity int    `yaml:"default_capacity"`
		AutoDistribute  *bool  `yaml:"auto_distribute"`
		Config          struct {
			Strategy               string `yaml:"strategy"`
			MaxCapacityPerAgent    int    `yaml:"max_capacity_per_agent"`
			PrioritizeOnline       *bool  `yaml:"prioritize_online"`
			ConsiderSkills         bool   `yaml:"consider_skills"`
			ReassignTimeoutMinutes int    `yaml:"reassign_timeout_minutes"`
			Backup                 string `yaml:"backup"`
		} `yaml:"config"`
		Members []struct {
			Agent    string `yaml:"agent"`
			Priority int    `yaml:"priority"`
			Capacity int    `yaml:"capacity"`
		} `yaml:"members"`
	} `yaml:"queues"`
	Tickets []struct {
		ID       string   `yaml:"id"`
		Queue    string   `yaml:"queue"`
		Subject  string   `yaml:"subject"`
		Priority int      `yaml:"priority"`
		Skills   []string `yaml:"skills"`
	} `yaml:"tickets"`
}

type SeedResult struct {
	Agents  int `json:"agents"`
	Queues  int `json:"queues"`
	Tickets int `json:"tickets"`
}

func LoadFixture(path string) (Fixture, error) {
	var f Fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid fixture yaml: %w", err)
	}
	if f.Tenant == "" {
		f.Tenant = "default"
	}
	return f, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Seed writes a fixture in one transaction. Queues are written before their
// configurations so backup references resolve regardless of order.
func Seed(ctx context.Context, r repo.Repo, f Fixture, now time.Time) (SeedResult, error) {
	var res SeedResult
	ts := now.UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, a := range f.Agents {
		if err := r.UpsertAgentTx(ctx, tx, domain.Agent{ID: a.ID, TenantID: f.Tenant, Name: a.Name, Active: boolOr(a.Active, true), Status: a.Status}); err != nil {
			return res, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		for name, level := range a.Skills {
			if err := r.UpsertSkillTx(ctx, tx, domain.Skill{AgentID: a.ID, Name: name, Level: level, Active: true}); err != nil {
				return res, fmt.Errorf("agent %s: %w", a.ID, err)
			}
		}
		res.Agents++
	}
	for _, q := range f.Queues {
		name := q.Name
		if name == "" {
			name = q.ID
		}
		if err := r.InsertQueueTx(ctx, tx, domain.Queue{
			ID: q.ID, TenantID: f.Tenant, Name: name, Active: true, AutoDistribute: boolOr(q.AutoDistribute, true),
			DefaultStrategy: q.Config.Strategy, DefaultCapacity: q.DefaultCapacity, CreatedAt: ts,
		}); err != nil {
			return res, fmt.Errorf("queue %s: %w", q.ID, err)
		}
		for _, m := range q.Members {
			if err := r.AddMemberTx(ctx, tx, domain.Membership{QueueID: q.ID, AgentID: m.Agent, Priority: m.Priority, Capacity: m.Capacity, Active: true}); err != nil {
				return res, fmt.Errorf("queue %s member %s: %w", q.ID, m.Agent, err)
			}
		}
		res.Queues++
	}
	for _, q := range f.Queues {
		c := q.Config
		cfg := domain.DistributionConfig{
			QueueID:                q.ID,
			Strategy:               c.Strategy,
			MaxCapacityPerAgent:    c.MaxCapacityPerAgent,
			PrioritizeOnline:       boolOr(c.PrioritizeOnline, true),
			ConsiderSkills:         c.ConsiderSkills,
			ReassignTimeoutMinutes: c.ReassignTimeoutMinutes,
			OverflowEnabled:        c.Backup != "",
			Active:                 true,
			UpdatedAt:              ts,
		}
		if c.Backup != "" {
			backup := c.Backup
			cfg.BackupQueueID = &backup
		}
		if err := r.UpsertDistributionConfigTx(ctx, tx, cfg); err != nil {
			return res, fmt.Errorf("queue %s config: %w", q.ID, err)
		}
	}
	for _, t := range f.Tickets {
		id := t.ID
		if id == "" {
			id = uuid.NewString()
		}
		tk := domain.Ticket{
			ID: id, TenantID: f.Tenant, Subject: t.Subject, Status: domain.TicketQueued,
			Priority: t.Priority, RequiredSkills: t.Skills, CreatedAt: ts, UpdatedAt: ts,
		}
		if t.Queue != "" {
			queueID := t.Queue
			tk.QueueID = &queueID
		}
		if err := r.InsertTicketTx(ctx, tx, tk); err != nil {
			return res, fmt.Errorf("ticket %s: %w", id, err)
		}
		res.Tickets++
	}
	return res, tx.Commit()
}
