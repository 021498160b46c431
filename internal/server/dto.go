package server

import (
	"queueline/internal/domain"
)

// Request payloads

type ReallocateRequest struct {
	AgentID string `json:"agent_id" minLength:"1"`
	Reason  string `json:"reason,omitempty"`
}

// Response payloads

type TicketResponse = domain.Ticket

type AssignmentResponse = domain.AssignmentLogEntry

type AssignmentList struct {
	Items []AssignmentResponse `json:"items"`
}

type SummaryList struct {
	QueueID string                        `json:"queue_id"`
	Items   []domain.AssignmentSummaryRow `json:"items"`
}

type RedistributeResponse struct {
	QueueID     string `json:"queue_id"`
	Distributed int    `json:"distributed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
}

type SweepResponse struct {
	Checked     int `json:"checked"`
	Reallocated int `json:"reallocated"`
	Failed      int `json:"failed"`
}
