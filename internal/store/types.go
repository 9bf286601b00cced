package store

import "time"

// ProjectStatus is the lifecycle state of a queued project.
type ProjectStatus string

const (
	StatusQueued     ProjectStatus = "QUEUED"
	StatusProcessing ProjectStatus = "PROCESSING"
	StatusCompleted  ProjectStatus = "COMPLETED"
	StatusFailed     ProjectStatus = "FAILED"
	StatusTimingOut  ProjectStatus = "TIMING_OUT"
	StatusZombie     ProjectStatus = "ZOMBIE"
)

// MergedStatus tracks the auto-merge pipeline for a completed project.
type MergedStatus string

const (
	MergePending MergedStatus = "PENDING_MERGE"
	MergeDone    MergedStatus = "MERGED"
	MergeFailed  MergedStatus = "MERGE_FAILED"
)

// MaxAttempts is the retry cap for failed projects.
const MaxAttempts = 3

// Project is one unit of work submitted by the operator.
type Project struct {
	ID               int64
	SpecPath         string
	ProjectPath      string
	Status           ProjectStatus
	MainSession      string // empty until provisioning registers it
	EnqueuedAt       time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Attempts         int
	BatchID          string
	ErrorMessage     string
	FailedComponents string
	MergedStatus     MergedStatus // empty when no merge is pending
	MergedAt         *time.Time
}

// Name returns the project's display name (basename of its working copy).
func (p *Project) Name() string {
	path := p.ProjectPath
	for len(path) > 0 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// TaskState tracks a scheduled task through one dispatch cycle.
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskDispatching TaskState = "dispatching"
)

// ScheduledTask is a time-delayed check-in bound for one agent window.
type ScheduledTask struct {
	ID                  int64
	SessionName         string
	Role                string
	WindowIndex         int
	IntervalMinutes     int
	Note                string
	NextRunEpoch        int64
	OneShot             bool
	State               TaskState
	LastDispatchedEpoch int64
	DispatchCount       int
	DedupKey            string
}

// DedupKeyFor composes the idempotent enqueue key.
func DedupKeyFor(session, role, note string) string {
	return session + "|" + role + "|" + note
}

// AgentState is the per-role view inside a SessionState.
type AgentState struct {
	Role             string      `json:"role"`
	WindowIndex      int         `json:"window_index"`
	WorktreePath     string      `json:"worktree_path"`
	Branch           string      `json:"branch"`
	IsAlive          bool        `json:"is_alive"`
	IsExhausted      bool        `json:"is_exhausted"`
	LastCheckInEpoch int64       `json:"last_check_in_epoch"`
	WaitingFor       *WaitingFor `json:"waiting_for,omitempty"`
	RecoveryAttempts int         `json:"recovery_attempts"`
}

// WaitingFor records a cross-agent dependency an agent reported.
type WaitingFor struct {
	TargetRole     string    `json:"target_role"`
	Reason         string    `json:"reason"`
	RequestID      string    `json:"request_id"`
	Since          time.Time `json:"since"`
	TimeoutMinutes int       `json:"timeout_minutes"`
}

// SessionState is the persisted view of one project's team.
type SessionState struct {
	ProjectName      string                 `json:"project_name"`
	SessionName      string                 `json:"session_name"`
	CreatedAt        time.Time              `json:"created_at"`
	PhasesCompleted  []string               `json:"phases_completed"`
	Agents           map[string]*AgentState `json:"agents"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	SubscriptionPlan string                 `json:"subscription_plan,omitempty"`
	VelocityMetrics  map[string]float64     `json:"velocity_metrics,omitempty"`
}

// AgentHealth is one periodic health snapshot for an agent window.
type AgentHealth struct {
	ID                int64
	ProjectID         int64
	SessionName       string
	Role              string
	WindowIndex       int
	CheckedAt         time.Time
	PaneCommand       string
	AgentPresent      bool
	IsStuck           bool
	StuckSince        *time.Time
	RecoveryAttempts  int
	LastRecoveryEpoch int64
	HealthBlob        string
}

// AuthStatus is the state of a cross-role approval request.
type AuthStatus string

const (
	AuthPending   AuthStatus = "PENDING"
	AuthApproved  AuthStatus = "APPROVED"
	AuthDenied    AuthStatus = "DENIED"
	AuthEscalated AuthStatus = "ESCALATED"
)

// Authorization is a cross-role approval request with priority-scaled timeout.
type Authorization struct {
	ID             int64
	SessionName    string
	RequestID      string
	Priority       int // 1 (urgent) .. 3 (routine)
	FromRole       string
	ToRole         string
	Action         string
	TimeoutMinutes int
	Status         AuthStatus
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	Resolution     string
}

// AuthTimeoutMinutes maps priority to its response deadline.
func AuthTimeoutMinutes(priority int) int {
	switch priority {
	case 1:
		return 5
	case 2:
		return 15
	default:
		return 30
	}
}

// EscalationDue reports whether the request has burned 80% of its timeout.
func (a *Authorization) EscalationDue(now time.Time) bool {
	if a.Status != AuthPending {
		return false
	}
	budget := time.Duration(a.TimeoutMinutes) * time.Minute
	return now.Sub(a.CreatedAt) > budget*4/5
}

// FailureRecord is one entry in the append-only failure journal.
type FailureRecord struct {
	ID            int64
	RecordedAt    time.Time
	ProjectID     int64
	SessionName   string
	ReasonTag     string
	DurationHours float64
	SpecPath      string
	AgentCount    int
	Notes         string
	ReportPath    string
}
