package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

// Request is what a strategy sees: the filtered pool plus routing context.
type Request struct {
	Ticket         domain.Ticket
	QueueID        string
	Candidates     []Candidate
	RequiredSkills []string
}

// Selection is a strategy's pick and the reason recorded in the assignment log.
type Selection struct {
	Candidate Candidate
	Reason    string
}

// Strategy chooses one agent from an already filtered pool. Every
// implementation returns ErrNoEligibleAgent when it cannot choose.
type Strategy interface {
	Name() string
	Select(ctx context.Context, req Request) (Selection, error)
}

// skillSource resolves an agent's skill records, typically through the skill cache.
type skillSource func(ctx context.Context, agentID string) ([]domain.Skill, error)

func newStrategySet(log AssignmentLog, skills skillSource, logger func() *slog.Logger) map[string]Strategy {
	ll := leastLoad{}
	set := []Strategy{
		roundRobin{log: log},
		ll,
		priority{},
		skillMatch{skills: skills},
		hybrid{skills: skills, fallback: ll, logger: logger},
	}
	out := make(map[string]Strategy, len(set))
	for _, s := range set {
		out[s.Name()] = s
	}
	return out
}

type roundRobin struct {
	log AssignmentLog
}

func (roundRobin) Name() string { return domain.StrategyRoundRobin }

func (s roundRobin) Select(ctx context.Context, req Request) (Selection, error) {
	if len(req.Candidates) == 0 {
		return Selection{}, ErrNoEligibleAgent
	}
	last, err := s.log.LatestForQueue(ctx, req.QueueID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Selection{}, fmt.Errorf("read last assignment for queue %s: %w", req.QueueID, err)
	}
	if err == nil {
		for i, c := range req.Candidates {
			if c.AgentID() == last.AgentID {
				next := req.Candidates[(i+1)%len(req.Candidates)]
				return Selection{Candidate: next, Reason: fmt.Sprintf("round-robin: next after %s", last.AgentID)}, nil
			}
		}
	}
	return Selection{Candidate: req.Candidates[0], Reason: "round-robin: start of rotation"}, nil
}

type leastLoad struct{}

func (leastLoad) Name() string { return domain.StrategyLeastLoad }

func (leastLoad) Select(_ context.Context, req Request) (Selection, error) {
	c, ok := pickLeastLoad(req.Candidates)
	if !ok {
		return Selection{}, ErrNoEligibleAgent
	}
	return Selection{Candidate: c, Reason: fmt.Sprintf("least-load: %d open tickets", c.Load)}, nil
}

// pickLeastLoad returns the first idle agent in priority order, otherwise the
// lowest load with priority as tie-break.
func pickLeastLoad(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	for _, c := range cands {
		if c.Load == 0 {
			return c, true
		}
	}
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		if c := cmp.Compare(a.Load, b.Load); c != 0 {
			return c
		}
		return cmp.Compare(a.Priority(), b.Priority())
	})
	return sorted[0], true
}

type priority struct{}

func (priority) Name() string { return domain.StrategyPriority }

func (priority) Select(_ context.Context, req Request) (Selection, error) {
	if len(req.Candidates) == 0 {
		return Selection{}, ErrNoEligibleAgent
	}
	sorted := slices.Clone(req.Candidates)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		if c := cmp.Compare(a.Priority(), b.Priority()); c != 0 {
			return c
		}
		return cmp.Compare(a.Load, b.Load)
	})
	c := sorted[0]
	return Selection{Candidate: c, Reason: fmt.Sprintf("priority: level %d", c.Priority())}, nil
}

type skillMatch struct {
	skills skillSource
}

func (skillMatch) Name() string { return domain.StrategySkills }

func (s skillMatch) Select(ctx context.Context, req Request) (Selection, error) {
	if len(req.RequiredSkills) == 0 {
		return Selection{}, badRequest("skills strategy requires at least one required skill")
	}
	if len(req.Candidates) == 0 {
		return Selection{}, ErrNoEligibleAgent
	}
	var (
		best      Candidate
		bestScore int
		matched   int
	)
	for _, c := range req.Candidates {
		score, n, err := skillScore(ctx, s.skills, c.AgentID(), req.RequiredSkills)
		if err != nil {
			return Selection{}, err
		}
		if n == 0 {
			continue
		}
		matched++
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if matched == 0 {
		return Selection{}, ErrNoEligibleAgent
	}
	return Selection{Candidate: best, Reason: fmt.Sprintf("skills: score %d", bestScore)}, nil
}

// skillScore sums proficiency across usable records whose name is required
// and reports how many records matched.
func skillScore(ctx context.Context, src skillSource, agentID string, required []string) (int, int, error) {
	records, err := src(ctx, agentID)
	if err != nil {
		return 0, 0, fmt.Errorf("load skills for agent %s: %w", agentID, err)
	}
	score, matched := 0, 0
	for _, r := range records {
		if r.Matches() && slices.Contains(required, r.Name) {
			score += r.Level
			matched++
		}
	}
	return score, matched, nil
}

type hybrid struct {
	skills   skillSource
	fallback leastLoad
	logger   func() *slog.Logger
}

func (hybrid) Name() string { return domain.StrategyHybrid }

func (h hybrid) Select(ctx context.Context, req Request) (Selection, error) {
	if len(req.RequiredSkills) == 0 {
		return h.fallback.Select(ctx, req)
	}
	var subset []Candidate
	for _, c := range req.Candidates {
		_, n, err := skillScore(ctx, h.skills, c.AgentID(), req.RequiredSkills)
		if err != nil {
			return Selection{}, err
		}
		if n > 0 {
			subset = append(subset, c)
		}
	}
	if len(subset) == 0 {
		h.logger().Info("no skill match, falling back to least-load", "ticket", req.Ticket.ID, "queue", req.QueueID, "skills", req.RequiredSkills)
		sel, err := h.fallback.Select(ctx, req)
		if err != nil {
			return sel, err
		}
		sel.Reason = "hybrid: no skill match, " + sel.Reason
		return sel, nil
	}
	sub := req
	sub.Candidates = subset
	sel, err := h.fallback.Select(ctx, sub)
	if err != nil {
		return sel, err
	}
	sel.Reason = fmt.Sprintf("hybrid: %d skilled agents, %s", len(subset), sel.Reason)
	return sel, nil
}
