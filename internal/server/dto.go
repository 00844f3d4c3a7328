package server

import (
	"leadline/internal/domain"
)

// CreateTaskRequest is the inbound task-creation body.
type CreateTaskRequest struct {
	ApplicationID string `json:"application_id" example:"7b0d0df2-5f2a-4f9b-9c35-2f9a4c6e1a01"`
	TaskType      string `json:"task_type" example:"call"`
	DueAt         string `json:"due_at" format:"date-time" example:"2024-03-16T09:00:00Z"`
}

// CreateTaskResponse mirrors the dashboard contract: a success flag plus the
// id of the created task, with the full row for convenience.
type CreateTaskResponse struct {
	Success bool        `json:"success"`
	TaskID  string      `json:"task_id"`
	Task    domain.Task `json:"task"`
}

type TaskResponse struct {
	domain.Task
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type CreateLeadRequest struct {
	Name    string  `json:"name"`
	Email   string  `json:"email,omitempty"`
	Phone   string  `json:"phone,omitempty"`
	OwnerID *string `json:"owner_id,omitempty"`
	TeamID  *string `json:"team_id,omitempty"`
}

// AssignLeadRequest reassigns a lead. An omitted team_id keeps the current
// team; an empty string removes it.
type AssignLeadRequest struct {
	OwnerID string  `json:"owner_id,omitempty"`
	TeamID  *string `json:"team_id,omitempty"`
}

type leadList struct {
	Items []domain.Lead `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

type WhoAmIResponse struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Source   string `json:"source,omitempty"`
}

type DevLoginRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role" enum:"admin,counselor"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
