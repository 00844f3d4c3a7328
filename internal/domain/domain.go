package domain

// Role is the coarse permission class of a principal within its tenant.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCounselor Role = "counselor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleCounselor
}

// Principal is the authenticated caller context for a single request.
// It is constructed once from verified credentials and never mutated.
type Principal struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`
	Source   string `json:"source,omitempty"`
}

// Anonymous reports whether the principal lacks an authenticated identity.
func (p Principal) Anonymous() bool {
	return p.UserID == ""
}

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Team struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TeamMembership relates a user to a team. Authorization lookups only;
// never a source of truth for lead or task data.
type TeamMembership struct {
	TeamID    string `json:"team_id"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Lead is a tenant-scoped prospect record. TenantID never changes after
// creation; TeamID may be null when the lead is not shared with a team.
type Lead struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	OwnerID   string  `json:"owner_id"`
	TeamID    *string `json:"team_id,omitempty"`
	Name      string  `json:"name"`
	Email     string  `json:"email,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	Status    string  `json:"status" enum:"new,contacted,qualified,converted,lost"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Application is the entity a follow-up task hangs off. The engine only
// needs its tenant resolution; the rest is carried for the CRM surface.
type Application struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	LeadID    *string `json:"lead_id,omitempty"`
	Program   string  `json:"program,omitempty"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// TaskType is the closed set of follow-up actions. Unknown values are
// rejected at creation.
type TaskType string

const (
	TaskTypeCall   TaskType = "call"
	TaskTypeEmail  TaskType = "email"
	TaskTypeReview TaskType = "review"
)

func (t TaskType) Valid() bool {
	return t == TaskTypeCall || t == TaskTypeEmail || t == TaskTypeReview
}

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is a scheduled follow-up tied to an application. TenantID is derived
// from the application at creation time and never supplied by the caller.
type Task struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ApplicationID string     `json:"application_id"`
	Type          TaskType   `json:"type" enum:"call,email,review"`
	Status        TaskStatus `json:"status" enum:"open,completed"`
	DueAt         string     `json:"due_at" format:"date-time"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	CompletedAt   *string    `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     string `json:"user_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
