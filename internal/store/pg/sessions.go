package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"haccare.org/internal/ids"
	"haccare.org/internal/obs"
	"haccare.org/internal/sim"
	"haccare.org/internal/tenant"
)

const sessionColumns = `id, template_id, tenant_id, name, status, starts_at, ends_at, duration_minutes, completed_at, coalesce(created_by,''), created_at`

func scanSession(row interface{ Scan(...any) error }) (sim.Session, error) {
	var (
		sess      sim.Session
		minutes   int
		completed sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.TemplateID, &sess.TenantID, &sess.Name, &sess.Status,
		&sess.StartsAt, &sess.EndsAt, &minutes, &completed, &sess.CreatedBy, &sess.CreatedAt); err != nil {
		return sim.Session{}, err
	}
	sess.Duration = time.Duration(minutes) * time.Minute
	if completed.Valid {
		t := completed.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}

// Launch performs tenant creation, snapshot materialization, session and
// participant inserts and grant mirroring in one failure-atomic transaction.
func (s *Store) Launch(ctx context.Context, req sim.LaunchRequest) (sim.Session, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return sim.Session{}, fmt.Errorf("%w: session name is required", sim.ErrInvalidInput)
	}
	for _, p := range req.Participants {
		if strings.TrimSpace(p.PrincipalID) == "" {
			return sim.Session{}, fmt.Errorf("%w: participant principal id is required", sim.ErrInvalidInput)
		}
		if p.Role != tenant.RoleInstructor && p.Role != tenant.RoleStudent {
			return sim.Session{}, fmt.Errorf("%w: unsupported participant role %s", sim.ErrInvalidInput, p.Role)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return sim.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+templateColumns+` from simulation_templates where id = $1 for share`, req.TemplateID)
	tpl, err := scanTemplate(row)
	if err != nil {
		return sim.Session{}, mapNotFound(err, fmt.Errorf("template %s: %w", req.TemplateID, sim.ErrNotFound))
	}
	if tpl.Snapshot == nil {
		return sim.Session{}, sim.ErrNoSnapshot
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = tpl.DefaultDuration
	}

	tenantID := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into tenants (id, name, kind, parent_id, is_simulation, status)
		values ($1, $2, $3, $4, true, $5)
	`, tenantID, name, tenant.KindActiveSession, tpl.OrganizationID, tenant.StatusActive); err != nil {
		return sim.Session{}, err
	}

	// Original row identifiers are preserved; printed labels may already
	// reference them. Only the tenant-scoping column is remapped.
	for _, cfg := range sim.SnapshotTables(tpl.Snapshot) {
		for _, r := range sim.MaterializeTable(tpl.Snapshot.Tables[cfg.Name], tenantID, false) {
			if err := upsertClinicalRow(ctx, tx, cfg, r); err != nil {
				return sim.Session{}, fmt.Errorf("materialize %s: %w", cfg.Name, err)
			}
		}
	}

	starts, ends := sim.ComputeWindow(time.Now(), duration)
	sessID := ids.New()
	sessRow := tx.QueryRowContext(ctx, `
		insert into active_sessions (id, template_id, tenant_id, name, status, starts_at, ends_at, duration_minutes, created_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9,''))
		returning `+sessionColumns,
		sessID, tpl.ID, tenantID, name, sim.SessionRunning, starts, ends, int(duration/time.Minute), req.CreatedBy)
	sess, err := scanSession(sessRow)
	if err != nil {
		return sim.Session{}, err
	}

	for _, p := range req.Participants {
		if _, err := tx.ExecContext(ctx, `
			insert into session_participants (session_id, principal_id, role)
			values ($1, $2, $3)
			on conflict (session_id, principal_id) do update set role = excluded.role
		`, sess.ID, p.PrincipalID, p.Role); err != nil {
			return sim.Session{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into access_grants (principal_id, tenant_id, role, active)
			values ($1, $2, $3, true)
			on conflict (principal_id, tenant_id) do update
			set role = excluded.role, active = true, updated_at = now()
		`, p.PrincipalID, tenantID, p.Role); err != nil {
			return sim.Session{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return sim.Session{}, err
	}
	obs.SessionsLaunched.Inc()
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (sim.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from active_sessions where id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return sim.Session{}, mapNotFound(err, fmt.Errorf("session %s: %w", id, sim.ErrNotFound))
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, status string) ([]sim.Session, error) {
	query := `select ` + sessionColumns + ` from active_sessions`
	args := []any{}
	if status != "" {
		query += ` where status = $1`
		args = append(args, status)
	}
	query += ` order by id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sim.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]sim.Participant, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select session_id, principal_id, role, granted_at, last_access_at
		from session_participants where session_id = $1 order by principal_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sim.Participant
	for rows.Next() {
		var (
			p    sim.Participant
			last sql.NullTime
		)
		if err := rows.Scan(&p.SessionID, &p.PrincipalID, &p.Role, &p.GrantedAt, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			p.LastAccessAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reset restores the template baseline into the session tenant and restarts
// the timer, all in one transaction. The preserving policy deletes only
// participant-authored rows and upserts baseline rows keyed by their
// original identifiers.
func (s *Store) Reset(ctx context.Context, sessionID string, policy sim.ResetPolicy) (sim.ResetSummary, error) {
	if policy == "" {
		policy = sim.ResetPreserving
	}
	if policy != sim.ResetPreserving && policy != sim.ResetDestructive {
		return sim.ResetSummary{}, fmt.Errorf("%w: unknown reset policy %s", sim.ErrInvalidInput, policy)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return sim.ResetSummary{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock serializes reset against competing lifecycle calls on the
	// same session.
	sessRow := tx.QueryRowContext(ctx, `select `+sessionColumns+` from active_sessions where id = $1 for update`, sessionID)
	sess, err := scanSession(sessRow)
	if err != nil {
		return sim.ResetSummary{}, mapNotFound(err, fmt.Errorf("session %s: %w", sessionID, sim.ErrNotFound))
	}
	if sess.Terminal() {
		return sim.ResetSummary{}, fmt.Errorf("%w: cannot reset a %s session", sim.ErrPrecondition, sess.Status)
	}

	tplRow := tx.QueryRowContext(ctx, `select `+templateColumns+` from simulation_templates where id = $1 for share`, sess.TemplateID)
	tpl, err := scanTemplate(tplRow)
	if err != nil {
		return sim.ResetSummary{}, mapNotFound(err, fmt.Errorf("template %s: %w", sess.TemplateID, sim.ErrNotFound))
	}
	if tpl.Snapshot == nil {
		return sim.ResetSummary{}, sim.ErrNoSnapshot
	}

	// Cleanup covers the whole clinical set; authored rows may exist in
	// tables the snapshot never captured.
	summary := sim.ResetSummary{SessionID: sessionID, Policy: policy}
	for _, cfg := range sim.ClinicalTables() {
		var res sql.Result
		if policy == sim.ResetDestructive {
			res, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where tenant_id = $1`, cfg.Name), sess.TenantID)
		} else if cfg.HasAuthor {
			res, err = tx.ExecContext(ctx, fmt.Sprintf(`
				delete from %s where tenant_id = $1 and author_name is not null and btrim(author_name) <> ''
			`, cfg.Name), sess.TenantID)
		}
		if err != nil {
			return sim.ResetSummary{}, fmt.Errorf("reset delete %s: %w", cfg.Name, err)
		}
		if res != nil {
			if n, err := res.RowsAffected(); err == nil {
				summary.AuthoredDeleted += int(n)
			}
		}
	}

	fresh := policy == sim.ResetDestructive
	for _, cfg := range sim.SnapshotTables(tpl.Snapshot) {
		for _, r := range sim.MaterializeTable(tpl.Snapshot.Tables[cfg.Name], sess.TenantID, fresh) {
			if err := upsertClinicalRow(ctx, tx, cfg, r); err != nil {
				return sim.ResetSummary{}, fmt.Errorf("restore %s: %w", cfg.Name, err)
			}
			summary.BaselineRestored++
		}
	}

	starts, ends := sim.ComputeWindow(time.Now(), sess.Duration)
	if _, err := tx.ExecContext(ctx, `
		update active_sessions
		set status = $2, starts_at = $3, ends_at = $4, completed_at = null
		where id = $1
	`, sessionID, sim.SessionRunning, starts, ends); err != nil {
		return sim.ResetSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return sim.ResetSummary{}, err
	}

	summary.StartsAt = starts
	summary.EndsAt = ends
	obs.SessionsReset.WithLabelValues(string(policy)).Inc()
	return summary, nil
}

func (s *Store) Complete(ctx context.Context, sessionID string, activities []sim.StudentActivity) (sim.HistoryRecord, error) {
	return s.archive(ctx, sessionID, sim.OutcomeCompleted, activities)
}

func (s *Store) Cancel(ctx context.Context, sessionID string) (sim.HistoryRecord, error) {
	activities, err := s.Aggregate(ctx, sessionID)
	if err != nil {
		return sim.HistoryRecord{}, err
	}
	return s.archive(ctx, sessionID, sim.OutcomeCancelled, activities)
}

// archive is the single writer path into session_history. The status guard
// plus the unique index on session_id make duplicate archival impossible
// even under concurrent completion calls; there is deliberately no database
// trigger doing the same write.
func (s *Store) archive(ctx context.Context, sessionID, outcome string, activities []sim.StudentActivity) (sim.HistoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return sim.HistoryRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sessRow := tx.QueryRowContext(ctx, `select `+sessionColumns+` from active_sessions where id = $1 for update`, sessionID)
	sess, err := scanSession(sessRow)
	if err != nil {
		return sim.HistoryRecord{}, mapNotFound(err, fmt.Errorf("session %s: %w", sessionID, sim.ErrNotFound))
	}
	if sess.Status == sim.SessionCompleted || sess.Status == sim.SessionCancelled {
		return sim.HistoryRecord{}, sim.ErrAlreadyCompleted
	}
	if sess.Status != sim.SessionRunning {
		return sim.HistoryRecord{}, fmt.Errorf("%w: session is %s", sim.ErrPrecondition, sess.Status)
	}

	if activities == nil {
		activities = []sim.StudentActivity{}
	}
	encoded, err := json.Marshal(activities)
	if err != nil {
		return sim.HistoryRecord{}, err
	}

	now := time.Now().UTC()
	rec := sim.HistoryRecord{
		ID:          ids.New(),
		SessionID:   sess.ID,
		TemplateID:  sess.TemplateID,
		TenantID:    sess.TenantID,
		Name:        sess.Name,
		Outcome:     outcome,
		Activities:  activities,
		StartedAt:   sess.StartsAt,
		CompletedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into session_history (id, session_id, template_id, tenant_id, name, outcome, activities, started_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.SessionID, rec.TemplateID, rec.TenantID, rec.Name, rec.Outcome, encoded, rec.StartedAt, rec.CompletedAt); err != nil {
		return sim.HistoryRecord{}, err
	}

	status := sim.SessionCompleted
	if outcome == sim.OutcomeCancelled {
		status = sim.SessionCancelled
	}
	if _, err := tx.ExecContext(ctx, `
		update active_sessions set status = $2, completed_at = $3 where id = $1
	`, sessionID, status, now); err != nil {
		return sim.HistoryRecord{}, err
	}
	// Retire the tenant; the row stays addressable for history.
	if _, err := tx.ExecContext(ctx, `
		update tenants set kind = $2, status = $3 where id = $1
	`, sess.TenantID, tenant.KindArchivedSession, tenant.StatusInactive); err != nil {
		return sim.HistoryRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return sim.HistoryRecord{}, err
	}
	obs.SessionsArchived.WithLabelValues(outcome).Inc()
	return rec, nil
}

// aggregateTableTimeout bounds each table query during debrief fan-out.
const aggregateTableTimeout = 5 * time.Second

// Aggregate fans out across the configured tables with a per-table timeout.
// A failed or slow table contributes zero rows; the report always renders.
func (s *Store) Aggregate(ctx context.Context, sessionID string) ([]sim.StudentActivity, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, errs := sim.CollectRows(ctx, sim.ClinicalTables(), aggregateTableTimeout, func(tctx context.Context, cfg sim.TableConfig) ([]sim.Row, error) {
		if !cfg.HasAuthor {
			return nil, nil
		}
		query := clinicalSelect(cfg.Name) + ` where tenant_id = $1 and author_name is not null and btrim(author_name) <> ''`
		args := []any{sess.TenantID}
		if cfg.TimeFiltered {
			query += ` and recorded_at >= $2`
			args = append(args, sess.StartsAt)
		}
		result, err := s.db.QueryContext(tctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer result.Close()
		return scanClinicalRows(result, cfg)
	})
	for table, err := range errs {
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "activity read failed",
			"session_id": sessionID, "table": table, "error": err.Error(),
		})
	}
	return sim.GroupActivities(rows), nil
}

func (s *Store) CheckExpired(ctx context.Context, now time.Time) ([]sim.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from active_sessions
		where status = $1 and ends_at <= $2
		order by ends_at
	`, sim.SessionRunning, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sim.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const historyColumns = `id, session_id, template_id, tenant_id, name, outcome, activities, coalesce(debrief_notes,''), started_at, completed_at`

func scanHistory(row interface{ Scan(...any) error }) (sim.HistoryRecord, error) {
	var (
		rec     sim.HistoryRecord
		encoded []byte
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.TemplateID, &rec.TenantID, &rec.Name,
		&rec.Outcome, &encoded, &rec.DebriefNotes, &rec.StartedAt, &rec.CompletedAt); err != nil {
		return sim.HistoryRecord{}, err
	}
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &rec.Activities); err != nil {
			return sim.HistoryRecord{}, fmt.Errorf("decode activities: %w", err)
		}
	}
	return rec, nil
}

func (s *Store) GetHistory(ctx context.Context, id string) (sim.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `select `+historyColumns+` from session_history where id = $1`, id)
	rec, err := scanHistory(row)
	if err != nil {
		return sim.HistoryRecord{}, mapNotFound(err, fmt.Errorf("history %s: %w", id, sim.ErrNotFound))
	}
	return rec, nil
}

func (s *Store) ListHistory(ctx context.Context) ([]sim.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `select `+historyColumns+` from session_history order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sim.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDebrief(ctx context.Context, historyID, notes string) (sim.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		update session_history set debrief_notes = nullif($2,'')
		where id = $1
		returning `+historyColumns, historyID, notes)
	rec, err := scanHistory(row)
	if err != nil {
		return sim.HistoryRecord{}, mapNotFound(err, fmt.Errorf("history %s: %w", historyID, sim.ErrNotFound))
	}
	return rec, nil
}
