package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"queueline/internal/cache"
	"queueline/internal/config"
	"queueline/internal/domain"
	"queueline/internal/events"
	"queueline/internal/metrics"
	"queueline/internal/repo"
)

type Engine struct {
	Stores   Stores
	Config   *config.Config
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	Now      func() time.Time

	configs    *cache.TTL[domain.DistributionConfig]
	skills     *cache.TTL[[]domain.Skill]
	locks      *queueLocks
	strategies map[string]Strategy
}

// New builds an engine backed by the SQLite repo on db.
func New(db *sql.DB, cfg *config.Config) *Engine {
	return NewWithStores(SQLiteStores(repo.Repo{DB: db}, events.Writer{DB: db}), cfg)
}

// NewWithStores builds an engine over arbitrary collaborators. A nil cfg uses defaults.
func NewWithStores(stores Stores, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		Stores:   stores,
		Config:   cfg,
		Logger:   slog.Default(),
		Recorder: metrics.NewRecorder(),
		Now:      time.Now,
		configs:  cache.New[domain.DistributionConfig]("config", cfg.Cache.Size, cfg.Cache.ConfigTTL.Std()),
		skills:   cache.New[[]domain.Skill]("skills", cfg.Cache.Size, cfg.Cache.SkillTTL.Std()),
		locks:    newQueueLocks(cfg.Engine.SerializePerQueue),
	}
	e.strategies = newStrategySet(stores.Log, e.agentSkills, e.logger)
	e.Recorder.TrackCache("config", e.configs.Stats)
	e.Recorder.TrackCache("skills", e.skills.Stats)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// distributionConfig reads through the config cache and rejects inactive configurations.
func (e *Engine) distributionConfig(ctx context.Context, queueID string) (domain.DistributionConfig, error) {
	cfg, err := e.configs.Get(ctx, queueID, func(ctx context.Context) (domain.DistributionConfig, error) {
		return e.Stores.Configs.GetDistributionConfig(ctx, queueID)
	})
	if err != nil {
		return cfg, lookupErr("distribution config", queueID, err)
	}
	if !cfg.Active {
		return cfg, NotFoundError{Entity: "active distribution config", ID: queueID}
	}
	return cfg, nil
}

func (e *Engine) agentSkills(ctx context.Context, agentID string) ([]domain.Skill, error) {
	return e.skills.Get(ctx, agentID, func(ctx context.Context) ([]domain.Skill, error) {
		return e.Stores.Skills.ListSkillsByAgent(ctx, agentID)
	})
}

// strategyFor resolves the configured strategy. Skill-based routing without
// required skills runs least-load instead.
func (e *Engine) strategyFor(cfg domain.DistributionConfig, q domain.Queue, required []string) (Strategy, error) {
	name := cfg.Strategy
	if name == "" {
		name = q.DefaultStrategy
	}
	if name == domain.StrategySkills && len(required) == 0 {
		name = domain.StrategyLeastLoad
	}
	s, ok := e.strategies[name]
	if !ok {
		return nil, badRequest("unknown strategy %q for queue %s", name, q.ID)
	}
	return s, nil
}

func requiredSkills(t domain.Ticket, cfg domain.DistributionConfig) []string {
	if !cfg.ConsiderSkills {
		return nil
	}
	return t.RequiredSkills
}

// Distribute assigns a queued ticket to an agent of its queue, overflowing to
// the backup queue when configured. Already assigned tickets and queues with
// automatic distribution off are returned unchanged.
func (e *Engine) Distribute(ctx context.Context, ticketID string) (domain.Ticket, error) {
	start := time.Now()
	t, res, err := e.distribute(ctx, ticketID)
	e.Recorder.ObserveDistribution(res.strategy, res.outcome, time.Since(start))
	return t, err
}

type distribution struct {
	strategy string
	outcome  string
}

func (e *Engine) distribute(ctx context.Context, ticketID string) (domain.Ticket, distribution, error) {
	res := distribution{outcome: metrics.OutcomeError}
	t, err := e.Stores.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, res, lookupErr("ticket", ticketID, err)
	}
	if t.AgentID != nil {
		res.outcome = metrics.OutcomeUnchanged
		return t, res, nil
	}
	if t.QueueID == nil {
		return t, res, badRequest("ticket %s has no queue", t.ID)
	}
	q, err := e.Stores.Queues.GetQueue(ctx, *t.QueueID)
	if err != nil {
		return t, res, lookupErr("queue", *t.QueueID, err)
	}
	if !q.Active || !q.AutoDistribute {
		res.outcome = metrics.OutcomeUnchanged
		return t, res, nil
	}

	release, err := e.locks.lock(ctx, q.ID)
	if err != nil {
		return t, res, err
	}
	defer release()
	// Another caller may have assigned it while we waited.
	t, err = e.Stores.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, res, lookupErr("ticket", ticketID, err)
	}
	if t.AgentID != nil {
		res.outcome = metrics.OutcomeUnchanged
		return t, res, nil
	}

	cfg, err := e.distributionConfig(ctx, q.ID)
	if err != nil {
		return t, res, err
	}
	required := requiredSkills(t, cfg)
	strat, err := e.strategyFor(cfg, q, required)
	if err != nil {
		return t, res, err
	}
	res.strategy = strat.Name()
	cands, err := e.eligible(ctx, q, cfg, "")
	if err != nil {
		return t, res, err
	}
	sel, err := strat.Select(ctx, Request{Ticket: t, QueueID: q.ID, Candidates: cands, RequiredSkills: required})
	if errors.Is(err, ErrNoEligibleAgent) {
		release()
		assigned, outcome, ovErr := e.overflow(ctx, t, q, cfg)
		switch {
		case ovErr != nil:
			e.logger().Warn("overflow failed", "ticket", t.ID, "queue", q.ID, "err", ovErr)
		case outcome == overflowAssigned:
			res.strategy = domain.StrategyLeastLoad
			res.outcome = metrics.OutcomeOverflow
			return assigned, res, nil
		case outcome == overflowAlreadyAssigned:
			res.outcome = metrics.OutcomeUnchanged
			return assigned, res, nil
		}
		res.outcome = metrics.OutcomeNoAgent
		return t, res, err
	}
	if err != nil {
		return t, res, err
	}
	assigned, err := e.commit(ctx, t, q.ID, strat.Name(), sel)
	if errors.Is(err, repo.ErrAlreadyAssigned) {
		if cur, gerr := e.Stores.Tickets.GetTicket(ctx, ticketID); gerr == nil {
			res.outcome = metrics.OutcomeUnchanged
			return cur, res, nil
		}
	}
	if err != nil {
		return t, res, err
	}
	res.outcome = metrics.OutcomeAssigned
	return assigned, res, nil
}

// commit persists the assignment and then appends to the log. It fails with
// repo.ErrAlreadyAssigned when another caller assigned the ticket first. A log
// failure is reported through logging and metrics only.
func (e *Engine) commit(ctx context.Context, t domain.Ticket, queueID, strategy string, sel Selection) (domain.Ticket, error) {
	now := e.timestamp()
	agentID := sel.Candidate.AgentID()
	updated := t
	updated.AgentID = &agentID
	updated.QueueID = &queueID
	updated.Status = domain.TicketInProgress
	updated.AssignedAt = &now
	updated.UpdatedAt = now
	if err := e.Stores.Tickets.AssignTicket(ctx, updated); err != nil {
		return t, fmt.Errorf("assign ticket %s: %w", t.ID, err)
	}
	e.appendLog(ctx, domain.AssignmentLogEntry{
		TicketID:  t.ID,
		AgentID:   agentID,
		QueueID:   queueID,
		Strategy:  strategy,
		Reason:    sel.Reason,
		AgentLoad: sel.Candidate.Load,
		CreatedAt: now,
	})
	e.logger().Info("ticket assigned", "ticket", t.ID, "queue", queueID, "agent", agentID, "strategy", strategy)
	return updated, nil
}

func (e *Engine) appendLog(ctx context.Context, entry domain.AssignmentLogEntry) {
	if _, err := e.Stores.Log.Append(ctx, entry); err != nil {
		e.Recorder.ObserveLogFailure()
		e.logger().Error("assignment log write failed", "ticket", entry.TicketID, "agent", entry.AgentID, "queue", entry.QueueID, "err", err)
	}
}

type RedistributeResult struct {
	Distributed int `json:"distributed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// RedistributeQueue runs Distribute over every queued ticket of a queue, oldest
// first. Individual failures are logged and counted; the batch always completes.
func (e *Engine) RedistributeQueue(ctx context.Context, queueID string) RedistributeResult {
	e.Recorder.ObserveRedistribution()
	var res RedistributeResult
	tickets, err := e.Stores.Tickets.ListTickets(ctx, repo.TicketFilter{QueueID: queueID, Statuses: []string{domain.TicketQueued}})
	if err != nil {
		e.logger().Error("list queued tickets", "queue", queueID, "err", err)
		return res
	}
	for _, t := range tickets {
		if ctx.Err() != nil {
			e.logger().Warn("redistribution interrupted", "queue", queueID, "remaining", len(tickets)-res.Distributed-res.Failed-res.Skipped)
			break
		}
		start := time.Now()
		_, d, err := e.distribute(ctx, t.ID)
		e.Recorder.ObserveDistribution(d.strategy, d.outcome, time.Since(start))
		switch {
		case err != nil:
			res.Failed++
			e.logger().Warn("ticket not distributed", "ticket", t.ID, "queue", queueID, "err", err)
		case d.outcome == metrics.OutcomeAssigned || d.outcome == metrics.OutcomeOverflow:
			res.Distributed++
		default:
			res.Skipped++
		}
	}
	return res
}

// Reallocate moves a ticket to another agent and records a reassignment.
func (e *Engine) Reallocate(ctx context.Context, ticketID, agentID, reason string) error {
	t, err := e.Stores.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return lookupErr("ticket", ticketID, err)
	}
	if _, err := e.Stores.Agents.GetAgent(ctx, agentID); err != nil {
		return lookupErr("agent", agentID, err)
	}
	if t.QueueID == nil {
		return badRequest("ticket %s has no queue", t.ID)
	}
	release, err := e.locks.lock(ctx, *t.QueueID)
	if err != nil {
		return err
	}
	defer release()
	t, err = e.Stores.Tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return lookupErr("ticket", ticketID, err)
	}
	return e.reallocateLocked(ctx, t, agentID, reason, "manual")
}

// reallocateLocked expects the ticket's queue lock to be held.
func (e *Engine) reallocateLocked(ctx context.Context, t domain.Ticket, agentID, reason, source string) error {
	if domain.IsTerminalStatus(t.Status) {
		return badRequest("ticket %s is %s", t.ID, t.Status)
	}
	if t.AgentID != nil && *t.AgentID == agentID {
		return nil
	}
	queueID := ""
	if t.QueueID != nil {
		queueID = *t.QueueID
	}
	load, err := e.Stores.Tickets.CountTickets(ctx, repo.TicketFilter{QueueID: queueID, AgentID: agentID, Statuses: domain.OpenTicketStatuses})
	if err != nil {
		return fmt.Errorf("count tickets for agent %s: %w", agentID, err)
	}
	previous := "unassigned"
	if t.AgentID != nil {
		previous = *t.AgentID
	}
	now := e.timestamp()
	t.AgentID = &agentID
	if t.Status == domain.TicketQueued {
		t.Status = domain.TicketInProgress
	}
	t.AssignedAt = &now
	t.FirstResponseAt = nil
	t.UpdatedAt = now
	if err := e.Stores.Tickets.SaveTicket(ctx, t); err != nil {
		return fmt.Errorf("save ticket %s: %w", t.ID, err)
	}
	e.Recorder.ObserveReassignment(source)
	e.appendLog(ctx, domain.AssignmentLogEntry{
		TicketID:           t.ID,
		AgentID:            agentID,
		QueueID:            queueID,
		Strategy:           domain.StrategyManual,
		Reason:             fmt.Sprintf("reallocated from %s to %s", previous, agentID),
		AgentLoad:          load,
		Reassignment:       true,
		ReassignmentReason: reason,
		CreatedAt:          now,
	})
	e.logger().Info("ticket reallocated", "ticket", t.ID, "queue", queueID, "from", previous, "agent", agentID, "source", source)
	return nil
}

// InvalidateConfigCache drops the cached configuration of one queue.
func (e *Engine) InvalidateConfigCache(queueID string) {
	e.configs.Invalidate(queueID)
}

// InvalidateSkillCache drops the cached skills of one agent.
func (e *Engine) InvalidateSkillCache(agentID string) {
	e.skills.Invalidate(agentID)
}

func (e *Engine) FlushAllCaches() {
	e.configs.Purge()
	e.skills.Purge()
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.Recorder.Snapshot()
}
