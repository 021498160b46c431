package domain

// Strategy names accepted in a distribution configuration.
const (
	StrategyRoundRobin = "round-robin"
	StrategyLeastLoad  = "least-load"
	StrategyPriority   = "priority"
	StrategySkills     = "skills"
	StrategyHybrid     = "hybrid"
	// StrategyManual marks log entries written by an explicit reallocation.
	StrategyManual = "manual"
)

// Ticket statuses.
const (
	TicketQueued          = "queued"
	TicketWaitingCustomer = "waiting_customer"
	TicketInProgress      = "in_progress"
	TicketClosed          = "closed"
	TicketResolved        = "resolved"
	TicketCancelled       = "cancelled"
)

// Agent availability statuses.
const (
	AgentOnline    = "online"
	AgentAvailable = "available"
	AgentBusy      = "busy"
	AgentAway      = "away"
	AgentOffline   = "offline"
)

// OpenTicketStatuses are the statuses that count against an agent's capacity.
var OpenTicketStatuses = []string{TicketQueued, TicketWaitingCustomer, TicketInProgress}

// IsTerminalStatus reports whether a ticket no longer counts as open work.
func IsTerminalStatus(status string) bool {
	switch status {
	case TicketClosed, TicketResolved, TicketCancelled:
		return true
	}
	return false
}

type Queue struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Name            string       `json:"name"`
	Active          bool         `json:"active"`
	AutoDistribute  bool         `json:"auto_distribute"`
	DefaultStrategy string       `json:"default_strategy,omitempty"`
	DefaultCapacity int          `json:"default_capacity,omitempty"`
	OrderingHint    string       `json:"ordering_hint,omitempty"`
	Members         []Membership `json:"members,omitempty"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
}

// Membership is the queue-scoped relation between an agent and a queue.
// Capacity zero means the queue or engine default applies.
type Membership struct {
	QueueID  string `json:"queue_id"`
	AgentID  string `json:"agent_id"`
	Capacity int    `json:"capacity,omitempty"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
	Position int    `json:"position"`
	Agent    Agent  `json:"agent"`
}

type Agent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Status   string `json:"status" enum:"online,available,busy,away,offline"`
}

type Skill struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Level   int    `json:"level" minimum:"1" maximum:"5"`
	Active  bool   `json:"active"`
}

// Matches reports whether the record is usable for skill matching.
func (s Skill) Matches() bool {
	return s.Active && s.Level >= 1 && s.Level <= 5
}

type DistributionConfig struct {
	QueueID                string  `json:"queue_id"`
	Strategy               string  `json:"strategy" enum:"round-robin,least-load,priority,skills,hybrid"`
	MaxCapacityPerAgent    int     `json:"max_capacity_per_agent,omitempty"`
	PrioritizeOnline       bool    `json:"prioritize_online"`
	ConsiderSkills         bool    `json:"consider_skills"`
	ReassignTimeoutMinutes int     `json:"reassign_timeout_minutes,omitempty"`
	OverflowEnabled        bool    `json:"overflow_enabled"`
	BackupQueueID          *string `json:"backup_queue_id,omitempty"`
	Active                 bool    `json:"active"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
}

type Ticket struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	QueueID         *string  `json:"queue_id,omitempty"`
	AgentID         *string  `json:"agent_id,omitempty"`
	Subject         string   `json:"subject,omitempty"`
	Status          string   `json:"status" enum:"queued,waiting_customer,in_progress,closed,resolved,cancelled"`
	Priority        int      `json:"priority"`
	RequiredSkills  []string `json:"required_skills,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	AssignedAt      *string  `json:"assigned_at,omitempty" format:"date-time"`
	FirstResponseAt *string  `json:"first_response_at,omitempty" format:"date-time"`
}

type AssignmentLogEntry struct {
	ID                 int64  `json:"id"`
	TicketID           string `json:"ticket_id"`
	AgentID            string `json:"agent_id"`
	QueueID            string `json:"queue_id"`
	Strategy           string `json:"strategy"`
	Reason             string `json:"reason"`
	AgentLoad          int    `json:"agent_load"`
	Reassignment       bool   `json:"reassignment"`
	ReassignmentReason string `json:"reassignment_reason,omitempty"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

// AssignmentSummaryRow aggregates log entries per agent and strategy.
type AssignmentSummaryRow struct {
	AgentID       string `json:"agent_id"`
	Strategy      string `json:"strategy"`
	Assignments   int    `json:"assignments"`
	Reassignments int    `json:"reassignments"`
	LastAt        string `json:"last_at" format:"date-time"`
}
