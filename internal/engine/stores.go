package engine

import (
	"context"

	"queueline/internal/domain"
	"queueline/internal/events"
	"queueline/internal/repo"
)

type TicketStore interface {
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
	ListTickets(ctx context.Context, f repo.TicketFilter) ([]domain.Ticket, error)
	CountTickets(ctx context.Context, f repo.TicketFilter) (int, error)
	SaveTicket(ctx context.Context, t domain.Ticket) error
	// AssignTicket writes only while the ticket is unassigned and returns
	// repo.ErrAlreadyAssigned otherwise.
	AssignTicket(ctx context.Context, t domain.Ticket) error
}

// QueueStore returns a queue together with its roster.
type QueueStore interface {
	GetQueue(ctx context.Context, id string) (domain.Queue, error)
}

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
}

type SkillStore interface {
	ListSkillsByAgent(ctx context.Context, agentID string) ([]domain.Skill, error)
}

type ConfigStore interface {
	GetDistributionConfig(ctx context.Context, queueID string) (domain.DistributionConfig, error)
}

// AssignmentLog is append-only. LatestForQueue returns repo.ErrNotFound for an empty log.
type AssignmentLog interface {
	Append(ctx context.Context, e domain.AssignmentLogEntry) (int64, error)
	LatestForQueue(ctx context.Context, queueID string) (domain.AssignmentLogEntry, error)
}

// Stores groups the collaborators the engine reads and writes through.
type Stores struct {
	Tickets TicketStore
	Queues  QueueStore
	Agents  AgentStore
	Skills  SkillStore
	Configs ConfigStore
	Log     AssignmentLog
}

// SQLiteStores wires every collaborator to the same repo.
func SQLiteStores(r repo.Repo, w events.Writer) Stores {
	return Stores{
		Tickets: r,
		Queues:  r,
		Agents:  r,
		Skills:  r,
		Configs: r,
		Log:     w,
	}
}
