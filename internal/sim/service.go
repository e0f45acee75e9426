package sim

import (
	"context"
	"time"
)

// Service defines the simulation lifecycle engine.
//
// Launch, Reset, Complete and Cancel are failure-atomic: no implementation
// may leave a session tenant partially materialized or a history record
// partially written. Reads (Aggregate, listings) may run concurrently with
// writes and tolerate eventually-consistent views.
type Service interface {
	// Templates.
	CreateTemplate(ctx context.Context, organizationID, name, description string, defaultDuration time.Duration) (Template, error)
	GetTemplate(ctx context.Context, id string) (Template, error)
	ListTemplates(ctx context.Context, organizationID string) ([]Template, error)
	PublishTemplate(ctx context.Context, id string) (Template, error)
	ArchiveTemplate(ctx context.Context, id string) (Template, error)

	// CaptureSnapshot serializes every configured table scoped to the
	// template's backing tenant into a single document and stores it as a
	// full replacement. A failed table read aborts the whole capture.
	CaptureSnapshot(ctx context.Context, templateID string) (SnapshotDocument, error)

	// Launch creates a session tenant under the template's organization
	// root, materializes the stored snapshot into it preserving original row
	// identifiers, starts the wall-clock timer and enrolls participants with
	// mirrored access grants. Fails with ErrNoSnapshot if the template was
	// never captured.
	Launch(ctx context.Context, req LaunchRequest) (Session, error)

	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, status string) ([]Session, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)

	// Reset returns a running session to its template baseline and restarts
	// the timer. Safe to call with zero participant-authored rows.
	Reset(ctx context.Context, sessionID string, policy ResetPolicy) (ResetSummary, error)

	// Complete transitions running -> completed and writes exactly one
	// history record carrying the supplied activity snapshot. It is the only
	// code path that inserts history for a session; a second call returns
	// ErrAlreadyCompleted.
	Complete(ctx context.Context, sessionID string, activities []StudentActivity) (HistoryRecord, error)

	// Cancel transitions running -> cancelled through the same single
	// archival path.
	Cancel(ctx context.Context, sessionID string) (HistoryRecord, error)

	// Aggregate fans a read out across every participant-authored table in
	// the session tenant and groups rows by normalized author name. Zero
	// clinical rows yields an empty slice, not an error.
	Aggregate(ctx context.Context, sessionID string) ([]StudentActivity, error)

	// CheckExpired lists running sessions whose ends_at is at or before now.
	// Expiry is advisory; it flags sessions eligible for completion and
	// never interrupts in-flight operations.
	CheckExpired(ctx context.Context, now time.Time) ([]Session, error)

	GetHistory(ctx context.Context, id string) (HistoryRecord, error)
	ListHistory(ctx context.Context) ([]HistoryRecord, error)
	// UpdateDebrief amends the only mutable field of a history record.
	UpdateDebrief(ctx context.Context, historyID, notes string) (HistoryRecord, error)

	// SeedRows inserts clinical rows into a tenant and ListRows reads them
	// back. These are the narrow hooks the out-of-scope CRUD surface uses;
	// the engine needs them for template authoring and fixtures.
	SeedRows(ctx context.Context, tenantID, table string, rows []Row) error
	ListRows(ctx context.Context, tenantID, table string) ([]Row, error)
}

// aggregateTableTimeout bounds each table read during debrief fan-out.
const aggregateTableTimeout = 5 * time.Second
