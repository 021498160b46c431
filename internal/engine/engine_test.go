package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/events"
	"queueline/internal/migrate"
	"queueline/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Log    events.Writer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWith(t, func(s engine.Stores) engine.Stores { return s })
}

// newTestEnvWith lets a test wrap the SQLite collaborators before the engine is built.
func newTestEnvWith(t *testing.T, wrap func(engine.Stores) engine.Stores) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	eng := engine.NewWithStores(wrap(engine.SQLiteStores(r, w)), config.Default())
	eng.Now = func() time.Time { return fixedNow }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Engine: eng, Repo: r, Log: w, Ctx: context.Background()}
}

func (env testEnv) queue(t *testing.T, id string, cfg domain.DistributionConfig) {
	t.Helper()
	require.NoError(t, env.Repo.InsertQueue(env.Ctx, domain.Queue{
		ID: id, TenantID: "acme", Name: id, Active: true, AutoDistribute: true, CreatedAt: fixedNow.Format(time.RFC3339),
	}))
	cfg.QueueID = id
	cfg.Active = true
	cfg.UpdatedAt = fixedNow.Format(time.RFC3339)
	require.NoError(t, env.Repo.UpsertDistributionConfig(env.Ctx, cfg))
}

func (env testEnv) agent(t *testing.T, queueID, id string, prio, capacity int, status string) {
	t.Helper()
	require.NoError(t, env.Repo.UpsertAgent(env.Ctx, domain.Agent{ID: id, TenantID: "acme", Name: id, Active: true, Status: status}))
	require.NoError(t, env.Repo.AddMember(env.Ctx, domain.Membership{QueueID: queueID, AgentID: id, Priority: prio, Capacity: capacity, Active: true}))
}

func (env testEnv) skill(t *testing.T, agentID, name string, level int) {
	t.Helper()
	require.NoError(t, env.Repo.UpsertSkill(env.Ctx, domain.Skill{AgentID: agentID, Name: name, Level: level, Active: true}))
}

func (env testEnv) ticket(t *testing.T, id, queueID string, skills ...string) {
	t.Helper()
	ts := fixedNow.Format(time.RFC3339)
	tk := domain.Ticket{ID: id, TenantID: "acme", Status: domain.TicketQueued, RequiredSkills: skills, CreatedAt: ts, UpdatedAt: ts}
	if queueID != "" {
		tk.QueueID = &queueID
	}
	require.NoError(t, env.Repo.InsertTicket(env.Ctx, tk))
}

// busy gives an agent n open tickets in a queue.
func (env testEnv) busy(t *testing.T, queueID, agentID string, n int) {
	t.Helper()
	ts := fixedNow.Format(time.RFC3339)
	for i := 0; i < n; i++ {
		q, a := queueID, agentID
		require.NoError(t, env.Repo.InsertTicket(env.Ctx, domain.Ticket{
			ID: agentID + "-open-" + string(rune('a'+i)), TenantID: "acme", QueueID: &q, AgentID: &a,
			Status: domain.TicketInProgress, CreatedAt: ts, UpdatedAt: ts, AssignedAt: &ts,
		}))
	}
}

func (env testEnv) logFor(t *testing.T, queueID string) []domain.AssignmentLogEntry {
	t.Helper()
	entries, err := env.Repo.ListAssignments(env.Ctx, repo.AssignmentFilter{QueueID: queueID})
	require.NoError(t, err)
	return entries
}

func agentOf(t *testing.T, tk domain.Ticket) string {
	t.Helper()
	require.NotNil(t, tk.AgentID, "ticket %s unassigned", tk.ID)
	return *tk.AgentID
}

func TestRoundRobinAssignsEachAgentOnceInPriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyRoundRobin, PrioritizeOnline: true})
	env.agent(t, "support", "bob", 2, 0, domain.AgentOnline)
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "support", "cid", 3, 0, domain.AgentAvailable)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		env.ticket(t, id, "support")
	}

	var got []string
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		tk, err := env.Engine.Distribute(env.Ctx, id)
		require.NoError(t, err)
		got = append(got, agentOf(t, tk))
		assert.Equal(t, domain.TicketInProgress, tk.Status)
		require.NotNil(t, tk.AssignedAt)
	}
	assert.Equal(t, []string{"ann", "bob", "cid", "ann"}, got)
	entries := env.logFor(t, "support")
	require.Len(t, entries, 4)
	assert.Equal(t, domain.StrategyRoundRobin, entries[0].Strategy)
}

func TestLeastLoadPrefersIdleAgent(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "support", "bob", 9, 0, domain.AgentOnline)
	env.busy(t, "support", "ann", 1)
	env.ticket(t, "t1", "support")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "bob", agentOf(t, tk))
	entries := env.logFor(t, "support")
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].AgentLoad)
}

func TestPriorityStrategyServesLowestPriorityFirst(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "vip", domain.DistributionConfig{Strategy: domain.StrategyPriority})
	env.agent(t, "vip", "ann", 2, 0, domain.AgentOnline)
	env.agent(t, "vip", "bob", 1, 0, domain.AgentOnline)
	env.busy(t, "vip", "bob", 3)
	env.ticket(t, "t1", "vip")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "bob", agentOf(t, tk))
}

func TestSkillsStrategyScoresSumOfLevels(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tech", domain.DistributionConfig{Strategy: domain.StrategySkills, ConsiderSkills: true})
	env.agent(t, "tech", "wide", 1, 0, domain.AgentOnline)
	env.agent(t, "tech", "deep", 2, 0, domain.AgentOnline)
	env.skill(t, "wide", "linux", 1)
	env.skill(t, "wide", "network", 1)
	env.skill(t, "wide", "storage", 3)
	env.skill(t, "deep", "linux", 3)
	env.skill(t, "deep", "network", 3)
	env.ticket(t, "t1", "tech", "linux", "network", "storage")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "deep", agentOf(t, tk))
}

func TestSkillsWithoutRequirementsRunsLeastLoad(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tech", domain.DistributionConfig{Strategy: domain.StrategySkills, ConsiderSkills: true})
	env.agent(t, "tech", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "tech", "bob", 2, 0, domain.AgentOnline)
	env.busy(t, "tech", "ann", 2)
	env.ticket(t, "t1", "tech")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "bob", agentOf(t, tk))
	assert.Equal(t, domain.StrategyLeastLoad, env.logFor(t, "tech")[0].Strategy)
}

func TestHybridIgnoresSkillsWhenNotConsidered(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tech", domain.DistributionConfig{Strategy: domain.StrategyHybrid})
	env.agent(t, "tech", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "tech", "bob", 2, 0, domain.AgentOnline)
	env.skill(t, "ann", "k8s", 5)
	env.busy(t, "tech", "ann", 1)
	env.ticket(t, "t1", "tech", "k8s")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "bob", agentOf(t, tk))
}

func TestDistributeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyRoundRobin})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "t1", "support")

	first, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	second, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, env.logFor(t, "support"), 1)
}

func TestAutoDistributionOffLeavesTicket(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "manual", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	q, err := env.Repo.GetQueue(env.Ctx, "manual")
	require.NoError(t, err)
	q.AutoDistribute = false
	require.NoError(t, env.Repo.InsertQueue(env.Ctx, q))
	env.agent(t, "manual", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "t1", "manual")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, tk.AgentID)
	assert.Equal(t, domain.TicketQueued, tk.Status)
	assert.Empty(t, env.logFor(t, "manual"))
}

func TestDistributeErrorKinds(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "odd", domain.DistributionConfig{Strategy: "lottery"})
	env.agent(t, "odd", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "strategy", "odd")
	env.ticket(t, "loose", "")
	require.NoError(t, env.Repo.InsertQueue(env.Ctx, domain.Queue{ID: "bare", TenantID: "acme", Name: "bare", Active: true, AutoDistribute: true, CreatedAt: fixedNow.Format(time.RFC3339)}))
	env.ticket(t, "noconfig", "bare")

	_, err := env.Engine.Distribute(env.Ctx, "missing")
	assert.True(t, engine.IsNotFound(err), "missing ticket: %v", err)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.Distribute(env.Ctx, "loose")
	assert.True(t, engine.IsBadRequest(err), "no queue: %v", err)

	_, err = env.Engine.Distribute(env.Ctx, "noconfig")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "distribution config", nf.Entity)

	_, err = env.Engine.Distribute(env.Ctx, "strategy")
	assert.True(t, engine.IsBadRequest(err), "unknown strategy: %v", err)
}

type missingQueues struct{}

func (missingQueues) GetQueue(context.Context, string) (domain.Queue, error) {
	return domain.Queue{}, repo.ErrNotFound
}

func TestDistributeMissingQueue(t *testing.T) {
	env := newTestEnvWith(t, func(s engine.Stores) engine.Stores {
		s.Queues = missingQueues{}
		return s
	})
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.ticket(t, "t1", "support")

	_, err := env.Engine.Distribute(env.Ctx, "t1")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "queue", nf.Entity)
}

func TestInactiveConfigIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	cfg, err := env.Repo.GetDistributionConfig(env.Ctx, "support")
	require.NoError(t, err)
	cfg.Active = false
	require.NoError(t, env.Repo.UpsertDistributionConfig(env.Ctx, cfg))
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "t1", "support")

	_, err = env.Engine.Distribute(env.Ctx, "t1")
	assert.True(t, engine.IsNotFound(err))
}

func TestOverflowAssignsFromBackupQueue(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tier2", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true})
	env.agent(t, "tier2", "zed", 1, 0, domain.AgentOnline)
	backup := "tier2"
	env.queue(t, "tier1", domain.DistributionConfig{Strategy: domain.StrategyRoundRobin, PrioritizeOnline: true, OverflowEnabled: true, BackupQueueID: &backup})
	env.agent(t, "tier1", "ann", 1, 0, domain.AgentOffline)
	env.ticket(t, "t1", "tier1")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "zed", agentOf(t, tk))
	require.NotNil(t, tk.QueueID)
	assert.Equal(t, "tier2", *tk.QueueID)

	stored, err := env.Repo.GetTicket(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "tier2", *stored.QueueID)

	entries := env.logFor(t, "tier2")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "tier1")
	assert.Contains(t, entries[0].Reason, "backup queue tier2")
	assert.Empty(t, env.logFor(t, "tier1"))
	assert.Equal(t, uint64(1), env.Engine.Metrics().Totals.Overflow)
}

func TestOverflowWithoutActiveBackupSurfacesOriginalError(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tier2", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "tier2", "zed", 1, 0, domain.AgentOnline)
	cfg, err := env.Repo.GetDistributionConfig(env.Ctx, "tier2")
	require.NoError(t, err)
	cfg.Active = false
	require.NoError(t, env.Repo.UpsertDistributionConfig(env.Ctx, cfg))
	backup := "tier2"
	env.queue(t, "tier1", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true, OverflowEnabled: true, BackupQueueID: &backup})
	env.agent(t, "tier1", "ann", 1, 0, domain.AgentAway)
	env.ticket(t, "t1", "tier1")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrNoEligibleAgent)
	assert.Nil(t, tk.AgentID)
	assert.Equal(t, uint64(1), env.Engine.Metrics().Totals.NoAgent)
}

func TestOverflowWithoutEligibleBackupAgentSurfacesOriginalError(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tier2", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true})
	env.agent(t, "tier2", "zed", 1, 0, domain.AgentOffline)
	backup := "tier2"
	env.queue(t, "tier1", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true, OverflowEnabled: true, BackupQueueID: &backup})
	env.agent(t, "tier1", "ann", 1, 0, domain.AgentAway)
	env.ticket(t, "t1", "tier1")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	assert.ErrorIs(t, err, engine.ErrNoEligibleAgent)
	assert.Nil(t, tk.AgentID)
	stored, err := env.Repo.GetTicket(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, stored.AgentID)
	assert.Equal(t, "tier1", *stored.QueueID)
	assert.Empty(t, env.logFor(t, "tier1"))
	assert.Empty(t, env.logFor(t, "tier2"))
	assert.Equal(t, uint64(1), env.Engine.Metrics().Totals.NoAgent)
}

func TestOverflowSkippedWhenNotConfigured(t *testing.T) {
	backup := "tier2"
	for name, cfg := range map[string]domain.DistributionConfig{
		"disabled":  {Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true, BackupQueueID: &backup},
		"no backup": {Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true, OverflowEnabled: true},
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.queue(t, "tier2", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
			env.agent(t, "tier2", "zed", 1, 0, domain.AgentOnline)
			env.queue(t, "tier1", cfg)
			env.agent(t, "tier1", "ann", 1, 0, domain.AgentOffline)
			env.ticket(t, "t1", "tier1")

			_, err := env.Engine.Distribute(env.Ctx, "t1")
			assert.ErrorIs(t, err, engine.ErrNoEligibleAgent)
			stored, err := env.Repo.GetTicket(env.Ctx, "t1")
			require.NoError(t, err)
			assert.Nil(t, stored.AgentID)
			assert.Equal(t, "tier1", *stored.QueueID)
			assert.Empty(t, env.logFor(t, "tier1"))
			assert.Empty(t, env.logFor(t, "tier2"))
		})
	}
}

// countHook runs once before the first CountTickets call scoped to queueID.
type countHook struct {
	engine.TicketStore
	queueID string
	fn      func()
}

func (h *countHook) CountTickets(ctx context.Context, f repo.TicketFilter) (int, error) {
	if h.fn != nil && f.QueueID == h.queueID {
		fn := h.fn
		h.fn = nil
		fn()
	}
	return h.TicketStore.CountTickets(ctx, f)
}

func TestOverflowLosesToPrimaryAssignment(t *testing.T) {
	hook := &countHook{queueID: "backup"}
	env := newTestEnvWith(t, func(s engine.Stores) engine.Stores {
		hook.TicketStore = s.Tickets
		s.Tickets = hook
		return s
	})
	env.queue(t, "backup", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "backup", "zed", 1, 0, domain.AgentOnline)
	backup := "backup"
	env.queue(t, "main", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, PrioritizeOnline: true, OverflowEnabled: true, BackupQueueID: &backup})
	env.agent(t, "main", "ann", 1, 0, domain.AgentOffline)
	env.ticket(t, "t1", "main")

	// While overflow ranks the backup roster, ann comes online and a second
	// distribution of the same ticket assigns her through the primary queue.
	var inner domain.Ticket
	hook.fn = func() {
		require.NoError(t, env.Repo.UpsertAgent(env.Ctx, domain.Agent{ID: "ann", TenantID: "acme", Name: "ann", Active: true, Status: domain.AgentOnline}))
		var err error
		inner, err = env.Engine.Distribute(env.Ctx, "t1")
		require.NoError(t, err)
	}

	outer, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ann", agentOf(t, inner))
	assert.Equal(t, "ann", agentOf(t, outer))

	stored, err := env.Repo.GetTicket(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ann", agentOf(t, stored))
	assert.Equal(t, "main", *stored.QueueID)

	all, err := env.Repo.ListAssignments(env.Ctx, repo.AssignmentFilter{TicketID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ann", all[0].AgentID)
	assert.Equal(t, "main", all[0].QueueID)
	assert.Empty(t, env.logFor(t, "backup"))
	assert.Zero(t, env.Engine.Metrics().Totals.Overflow)
}

func TestSequentialDistributionHonorsCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyRoundRobin, MaxCapacityPerAgent: 3})
	env.agent(t, "support", "ann", 1, 2, domain.AgentOnline)
	env.agent(t, "support", "bob", 2, 0, domain.AgentOnline)
	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	for _, id := range ids {
		env.ticket(t, id, "support")
	}

	assigned := 0
	for _, id := range ids {
		_, err := env.Engine.Distribute(env.Ctx, id)
		if errors.Is(err, engine.ErrNoEligibleAgent) {
			continue
		}
		require.NoError(t, err)
		assigned++
	}
	assert.Equal(t, 5, assigned)
	for agent, limit := range map[string]int{"ann": 2, "bob": 3} {
		n, err := env.Repo.CountTickets(env.Ctx, repo.TicketFilter{QueueID: "support", AgentID: agent, Statuses: domain.OpenTicketStatuses})
		require.NoError(t, err)
		assert.Equal(t, limit, n, agent)
	}
}

func TestConcurrentDistributionHonorsCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "support", "ann", 1, 2, domain.AgentOnline)
	env.agent(t, "support", "bob", 2, 2, domain.AgentOnline)
	var ids []string
	for i := 0; i < 10; i++ {
		id := "t" + string(rune('a'+i))
		ids = append(ids, id)
		env.ticket(t, id, "support")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.Distribute(env.Ctx, id)
			if err != nil {
				assert.ErrorIs(t, err, engine.ErrNoEligibleAgent)
			}
		}(id)
	}
	wg.Wait()

	for _, agent := range []string{"ann", "bob"} {
		n, err := env.Repo.CountTickets(env.Ctx, repo.TicketFilter{QueueID: "support", AgentID: agent, Statuses: domain.OpenTicketStatuses})
		require.NoError(t, err)
		assert.Equal(t, 2, n, agent)
	}
	assert.Len(t, env.logFor(t, "support"), 4)
}

// flakyTickets fails AssignTicket for one ticket id.
type flakyTickets struct {
	engine.TicketStore
	failID string
}

func (f flakyTickets) AssignTicket(ctx context.Context, t domain.Ticket) error {
	if t.ID == f.failID {
		return errors.New("disk on fire")
	}
	return f.TicketStore.AssignTicket(ctx, t)
}

func TestRedistributeQueueSurvivesFailures(t *testing.T) {
	env := newTestEnvWith(t, func(s engine.Stores) engine.Stores {
		s.Tickets = flakyTickets{TicketStore: s.Tickets, failID: "t2"}
		return s
	})
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyRoundRobin})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "support", "bob", 2, 0, domain.AgentOnline)
	env.ticket(t, "t1", "support")
	env.ticket(t, "t2", "support")
	env.ticket(t, "t3", "support")

	res := env.Engine.RedistributeQueue(env.Ctx, "support")
	assert.Equal(t, engine.RedistributeResult{Distributed: 2, Failed: 1}, res)

	failed, err := env.Repo.GetTicket(env.Ctx, "t2")
	require.NoError(t, err)
	assert.Nil(t, failed.AgentID)
	assert.Equal(t, domain.TicketQueued, failed.Status)
}

type brokenLog struct {
	engine.AssignmentLog
}

func (brokenLog) Append(context.Context, domain.AssignmentLogEntry) (int64, error) {
	return 0, errors.New("log unavailable")
}

func TestLogFailureDoesNotUndoAssignment(t *testing.T) {
	env := newTestEnvWith(t, func(s engine.Stores) engine.Stores {
		s.Log = brokenLog{AssignmentLog: s.Log}
		return s
	})
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "t1", "support")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ann", agentOf(t, tk))
	stored, err := env.Repo.GetTicket(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ann", *stored.AgentID)
	assert.Equal(t, uint64(1), env.Engine.Metrics().Totals.LogFailures)
}

func TestReallocate(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "support", "bob", 2, 0, domain.AgentOffline)
	env.ticket(t, "t1", "support")
	env.ticket(t, "t2", "support")
	_, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, env.Engine.Reallocate(env.Ctx, "t1", "bob", "customer asked for bob"))
	tk, err := env.Repo.GetTicket(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "bob", *tk.AgentID)

	require.NoError(t, env.Engine.Reallocate(env.Ctx, "t2", "ann", "escalation"))
	tk, err = env.Repo.GetTicket(env.Ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketInProgress, tk.Status)

	entries := env.logFor(t, "support")
	require.Len(t, entries, 3)
	latest := entries[0]
	assert.True(t, latest.Reassignment)
	assert.Equal(t, "escalation", latest.ReassignmentReason)
	assert.Equal(t, domain.StrategyManual, latest.Strategy)
	assert.Equal(t, "customer asked for bob", entries[1].ReassignmentReason)
	assert.Contains(t, entries[1].Reason, "from ann to bob")

	assert.True(t, engine.IsNotFound(env.Engine.Reallocate(env.Ctx, "nope", "ann", "x")))
	assert.True(t, engine.IsNotFound(env.Engine.Reallocate(env.Ctx, "t1", "nobody", "x")))
	assert.Equal(t, uint64(2), env.Engine.Metrics().Totals.Reassignments)
}

func TestConfigCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "t1", "support")
	env.ticket(t, "t2", "support")
	_, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)

	cfg, err := env.Repo.GetDistributionConfig(env.Ctx, "support")
	require.NoError(t, err)
	cfg.Active = false
	require.NoError(t, env.Repo.UpsertDistributionConfig(env.Ctx, cfg))

	env.Engine.InvalidateConfigCache("support")
	_, err = env.Engine.Distribute(env.Ctx, "t2")
	assert.True(t, engine.IsNotFound(err))
}

func TestCachedConfigServesUntilFlushed(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.ticket(t, "t1", "support")
	env.ticket(t, "t2", "support")
	env.ticket(t, "t3", "support")
	_, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)

	cfg, err := env.Repo.GetDistributionConfig(env.Ctx, "support")
	require.NoError(t, err)
	cfg.Strategy = "lottery"
	require.NoError(t, env.Repo.UpsertDistributionConfig(env.Ctx, cfg))

	_, err = env.Engine.Distribute(env.Ctx, "t2")
	require.NoError(t, err, "stale config is served until the TTL or an invalidation")

	env.Engine.FlushAllCaches()
	_, err = env.Engine.Distribute(env.Ctx, "t3")
	assert.True(t, engine.IsBadRequest(err))

	snap := env.Engine.Metrics()
	assert.Greater(t, snap.CacheHitRate, 0.0)
}

func TestSkillCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "tech", domain.DistributionConfig{Strategy: domain.StrategySkills, ConsiderSkills: true})
	env.agent(t, "tech", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "tech", "bob", 2, 0, domain.AgentOnline)
	env.skill(t, "ann", "go", 2)
	env.skill(t, "bob", "go", 1)
	env.ticket(t, "t1", "tech", "go")
	env.ticket(t, "t2", "tech", "go")

	tk, err := env.Engine.Distribute(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ann", agentOf(t, tk))

	env.skill(t, "bob", "go", 5)
	env.Engine.InvalidateSkillCache("bob")
	tk, err = env.Engine.Distribute(env.Ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "bob", agentOf(t, tk))
}

func TestReallocateExpired(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "support", domain.DistributionConfig{Strategy: domain.StrategyLeastLoad, ReassignTimeoutMinutes: 30, PrioritizeOnline: true})
	env.agent(t, "support", "ann", 1, 0, domain.AgentOnline)
	env.agent(t, "support", "bob", 2, 0, domain.AgentOnline)
	env.ticket(t, "stale", "support")
	env.ticket(t, "answered", "support")
	env.ticket(t, "fresh", "support")

	for _, id := range []string{"stale", "answered"} {
		_, err := env.Engine.Distribute(env.Ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, env.Repo.MarkFirstResponse(env.Ctx, "answered", fixedNow.Add(5*time.Minute).Format(time.RFC3339)))

	env.Engine.Now = func() time.Time { return fixedNow.Add(50 * time.Minute) }
	_, err := env.Engine.Distribute(env.Ctx, "fresh")
	require.NoError(t, err)

	stale, err := env.Repo.GetTicket(env.Ctx, "stale")
	require.NoError(t, err)
	before := *stale.AgentID

	env.Engine.Now = func() time.Time { return fixedNow.Add(60 * time.Minute) }
	res, err := env.Engine.ReallocateExpired(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.SweepResult{Checked: 1, Reallocated: 1}, res)

	stale, err = env.Repo.GetTicket(env.Ctx, "stale")
	require.NoError(t, err)
	assert.NotEqual(t, before, *stale.AgentID)
	entries, err := env.Repo.ListAssignments(env.Ctx, repo.AssignmentFilter{TicketID: "stale"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Reassignment)
	assert.Equal(t, "no response within 30 minutes", entries[0].ReassignmentReason)
}
