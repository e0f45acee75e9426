package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"haccare.org/internal/sim"
	"haccare.org/internal/tenant"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func sessionRows(id, status string, endsAt time.Time) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "template_id", "tenant_id", "name", "status",
		"starts_at", "ends_at", "duration_minutes", "completed_at", "created_by", "created_at",
	}).AddRow(id, "tpl-1", "ten-1", "Ward A", status, now.Add(-time.Hour), endsAt, 120, nil, "instructor-1", now)
}

func templateRows(id string, snapshot any) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "organization_id", "tenant_id", "name", "description",
		"default_duration_minutes", "status", "snapshot", "created_at", "updated_at",
	}).AddRow(id, "org-1", "ten-tpl", "Cardiac Arrest", "", 120, sim.TemplatePublished, snapshot, now, now)
}

func TestGetSessionNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from active_sessions where id =").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, sim.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteRejectsArchivedSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from active_sessions where id = .* for update").
		WithArgs("sess-1").
		WillReturnRows(sessionRows("sess-1", sim.SessionCompleted, time.Now()))
	mock.ExpectRollback()

	_, err := store.Complete(context.Background(), "sess-1", nil)
	if !errors.Is(err, sim.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLaunchWithoutSnapshot(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from simulation_templates where id = .* for share").
		WithArgs("tpl-1").
		WillReturnRows(templateRows("tpl-1", nil))
	mock.ExpectRollback()

	_, err := store.Launch(context.Background(), sim.LaunchRequest{TemplateID: "tpl-1", Name: "Ward A"})
	if !errors.Is(err, sim.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCaptureSnapshotAbortsOnTableFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select tenant_id from simulation_templates").
		WithArgs("tpl-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("ten-tpl"))
	mock.ExpectQuery("from patients where tenant_id =").
		WithArgs("ten-tpl").
		WillReturnError(errors.New("relation unavailable"))
	mock.ExpectRollback()

	_, err := store.CaptureSnapshot(context.Background(), "tpl-1")
	if err == nil {
		t.Fatalf("expected capture to abort")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResetGuardsTerminalSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from active_sessions where id = .* for update").
		WithArgs("sess-1").
		WillReturnRows(sessionRows("sess-1", sim.SessionCancelled, time.Now()))
	mock.ExpectRollback()

	_, err := store.Reset(context.Background(), "sess-1", sim.ResetPreserving)
	if !errors.Is(err, sim.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPublishTemplateWrongState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update simulation_templates").
		WithArgs("tpl-1", sim.TemplateDraft, sim.TemplatePublished).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from simulation_templates where id =").
		WithArgs("tpl-1").
		WillReturnRows(templateRows("tpl-1", nil))

	_, err := store.PublishTemplate(context.Background(), "tpl-1")
	if !errors.Is(err, sim.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckExpiredReturnsOnlyDueSessions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from active_sessions.*where status =").
		WithArgs(sim.SessionRunning, now).
		WillReturnRows(sessionRows("sess-1", sim.SessionRunning, now.Add(-time.Minute)))

	due, err := store.CheckExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("CheckExpired: %v", err)
	}
	if len(due) != 1 || due[0].ID != "sess-1" {
		t.Fatalf("unexpected due set: %+v", due)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListRowsRejectsUnknownTable(t *testing.T) {
	store, _ := newMockStore(t)

	if _, err := store.ListRows(context.Background(), "ten-1", "users; drop table users"); !errors.Is(err, sim.ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
	if err := store.SeedRows(context.Background(), "ten-1", "not_a_table", nil); !errors.Is(err, sim.ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestDeactivateMissingGrant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update access_grants set active = false").
		WithArgs("nurse-1", "ten-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Deactivate(context.Background(), "nurse-1", "ten-1"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLaunchScopesBaselineUpsertToSessionTenant(t *testing.T) {
	store, mock := newMockStore(t)

	// The template's backing tenant already holds pat-1. Materialization must
	// insert a per-tenant copy under the same id, never re-home the template
	// row, so the conflict target has to be the composite (tenant_id, id) key
	// and the update clause must leave tenant_id alone.
	snapshot := `{"version":1,"table_version":3,"tables":{` +
		`"patients":[{"id":"pat-1","tenant_id":"ten-tpl"}],` +
		`"retired_flowsheet":[{"id":"row-9","tenant_id":"ten-tpl"}]}}`

	mock.ExpectBegin()
	mock.ExpectQuery("from simulation_templates where id = .* for share").
		WithArgs("tpl-1").
		WillReturnRows(templateRows("tpl-1", snapshot))
	mock.ExpectExec("insert into tenants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into patients .* on conflict \(tenant_id, id\) do update set author_name`).
		WithArgs("pat-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// No insert for retired_flowsheet: tables dropped from the clinical set
	// since capture are ignored on restore.
	mock.ExpectQuery("insert into active_sessions").
		WillReturnRows(sessionRows("sess-1", sim.SessionRunning, time.Now().Add(2*time.Hour)))
	mock.ExpectCommit()

	sess, err := store.Launch(context.Background(), sim.LaunchRequest{TemplateID: "tpl-1", Name: "Ward A"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if sess.Status != sim.SessionRunning {
		t.Fatalf("unexpected session status %s", sess.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
