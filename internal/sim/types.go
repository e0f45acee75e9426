package sim

import "time"

// Row is one clinical record. The engine reads only the reserved keys "id",
// "tenant_id", the table's author field and its time field; everything else
// is payload moved verbatim by snapshot and restore.
type Row map[string]any

// RowID returns the row's primary key, if present.
func RowID(r Row) string {
	if v, ok := r["id"].(string); ok {
		return v
	}
	return ""
}

// Template lifecycle status.
const (
	TemplateDraft     = "draft"
	TemplatePublished = "published"
	TemplateArchived  = "archived"
)

// Session lifecycle status. scheduled -> running -> completed, or
// running -> cancelled; completed and cancelled are terminal.
const (
	SessionScheduled = "scheduled"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Terminal outcomes recorded on history rows.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
)

// SnapshotDocument is a versioned, full-replace serialization of every row
// across the configured table set, scoped to a template's backing tenant.
type SnapshotDocument struct {
	Version      int              `json:"version"`
	TableVersion int              `json:"table_version"`
	CapturedAt   time.Time        `json:"captured_at"`
	Tables       map[string][]Row `json:"tables"`
}

// RowCount sums rows across all captured tables.
func (d SnapshotDocument) RowCount() int {
	total := 0
	for _, rows := range d.Tables {
		total += len(rows)
	}
	return total
}

// Template is a reusable scenario definition plus its captured baseline.
type Template struct {
	ID              string            `json:"id"`
	OrganizationID  string            `json:"organization_id"`
	TenantID        string            `json:"tenant_id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	DefaultDuration time.Duration     `json:"default_duration"`
	Status          string            `json:"status"`
	Snapshot        *SnapshotDocument `json:"snapshot,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Session is one running, time-boxed instance of a template, isolated in its
// own tenant. EndsAt is always StartsAt + Duration and is recomputed on reset.
type Session struct {
	ID          string        `json:"id"`
	TemplateID  string        `json:"template_id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	StartsAt    time.Time     `json:"starts_at"`
	EndsAt      time.Time     `json:"ends_at"`
	Duration    time.Duration `json:"duration"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Terminal reports whether the session can no longer transition.
func (s Session) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionCancelled
}

// Participant joins a session and a principal with a role.
type Participant struct {
	SessionID    string     `json:"session_id"`
	PrincipalID  string     `json:"principal_id"`
	Role         string     `json:"role"`
	GrantedAt    time.Time  `json:"granted_at"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

// StudentActivity is the per-student debrief aggregate: one entry per
// distinct normalized author name.
type StudentActivity struct {
	StudentName  string           `json:"student_name"`
	TotalEntries int              `json:"total_entries"`
	Categories   map[string][]Row `json:"categories"`
}

// HistoryRecord is the immutable archival artifact produced when a session
// terminates. Only DebriefNotes may change afterwards.
type HistoryRecord struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	TemplateID   string            `json:"template_id"`
	TenantID     string            `json:"tenant_id"`
	Name         string            `json:"name"`
	Outcome      string            `json:"outcome"`
	Activities   []StudentActivity `json:"activities"`
	DebriefNotes string            `json:"debrief_notes,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// ParticipantSpec names one principal to enroll at launch.
type ParticipantSpec struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
}

// LaunchRequest carries everything Launch needs in one call.
type LaunchRequest struct {
	TemplateID      string            `json:"template_id"`
	Name            string            `json:"name"`
	DurationMinutes int               `json:"duration_minutes"`
	Participants    []ParticipantSpec `json:"participants"`
	CreatedBy       string            `json:"created_by"`
}

// ResetPolicy selects how Reset rebuilds the session tenant.
type ResetPolicy string

const (
	// ResetPreserving deletes participant-authored rows and upserts the
	// baseline keyed by original id, so printed label identifiers stay valid.
	ResetPreserving ResetPolicy = "preserving"
	// ResetDestructive wipes the tenant and restores with fresh identifiers.
	// Unsafe once labels have been printed; escape hatch only.
	ResetDestructive ResetPolicy = "destructive"
)

// ResetSummary reports what a reset changed.
type ResetSummary struct {
	SessionID        string      `json:"session_id"`
	Policy           ResetPolicy `json:"policy"`
	AuthoredDeleted  int         `json:"authored_deleted"`
	BaselineRestored int         `json:"baseline_restored"`
	StartsAt         time.Time   `json:"starts_at"`
	EndsAt           time.Time   `json:"ends_at"`
}
