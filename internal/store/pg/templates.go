package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"haccare.org/internal/ids"
	"haccare.org/internal/obs"
	"haccare.org/internal/sim"
	"haccare.org/internal/tenant"
)

const templateColumns = `id, organization_id, tenant_id, name, coalesce(description,''), default_duration_minutes, status, snapshot, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (sim.Template, error) {
	var (
		tpl      sim.Template
		minutes  int
		snapshot []byte
	)
	if err := row.Scan(&tpl.ID, &tpl.OrganizationID, &tpl.TenantID, &tpl.Name, &tpl.Description,
		&minutes, &tpl.Status, &snapshot, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
		return sim.Template{}, err
	}
	tpl.DefaultDuration = time.Duration(minutes) * time.Minute
	if len(snapshot) > 0 {
		var doc sim.SnapshotDocument
		if err := json.Unmarshal(snapshot, &doc); err != nil {
			return sim.Template{}, fmt.Errorf("decode snapshot: %w", err)
		}
		tpl.Snapshot = &doc
	}
	return tpl, nil
}

func (s *Store) CreateTemplate(ctx context.Context, organizationID, name, description string, defaultDuration time.Duration) (sim.Template, error) {
	if name == "" {
		return sim.Template{}, fmt.Errorf("%w: template name is required", sim.ErrInvalidInput)
	}
	if defaultDuration <= 0 {
		return sim.Template{}, fmt.Errorf("%w: default duration must be positive", sim.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sim.Template{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var orgKind string
	err = tx.QueryRowContext(ctx, `select kind from tenants where id = $1`, organizationID).Scan(&orgKind)
	if err != nil {
		return sim.Template{}, mapNotFound(err, fmt.Errorf("organization %s: %w", organizationID, sim.ErrNotFound))
	}
	if orgKind != string(tenant.KindOrganization) {
		return sim.Template{}, fmt.Errorf("%w: %s is not an organization", sim.ErrInvalidInput, organizationID)
	}

	backingID := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into tenants (id, name, kind, parent_id, is_simulation, status)
		values ($1, $2, $3, $4, true, $5)
	`, backingID, name+" (template)", tenant.KindTemplate, organizationID, tenant.StatusActive); err != nil {
		return sim.Template{}, err
	}

	tplID := ids.New()
	row := tx.QueryRowContext(ctx, `
		insert into simulation_templates (id, organization_id, tenant_id, name, description, default_duration_minutes, status)
		values ($1, $2, $3, $4, nullif($5,''), $6, $7)
		returning `+templateColumns, tplID, organizationID, backingID, name, description,
		int(defaultDuration/time.Minute), sim.TemplateDraft)
	tpl, err := scanTemplate(row)
	if err != nil {
		return sim.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return sim.Template{}, err
	}
	return tpl, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (sim.Template, error) {
	row := s.db.QueryRowContext(ctx, `select `+templateColumns+` from simulation_templates where id = $1`, id)
	tpl, err := scanTemplate(row)
	if err != nil {
		return sim.Template{}, mapNotFound(err, fmt.Errorf("template %s: %w", id, sim.ErrNotFound))
	}
	return tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context, organizationID string) ([]sim.Template, error) {
	query := `select ` + templateColumns + ` from simulation_templates`
	args := []any{}
	if organizationID != "" {
		query += ` where organization_id = $1`
		args = append(args, organizationID)
	}
	query += ` order by id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sim.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func (s *Store) PublishTemplate(ctx context.Context, id string) (sim.Template, error) {
	return s.transitionTemplate(ctx, id, sim.TemplateDraft, sim.TemplatePublished)
}

func (s *Store) ArchiveTemplate(ctx context.Context, id string) (sim.Template, error) {
	return s.transitionTemplate(ctx, id, sim.TemplatePublished, sim.TemplateArchived)
}

func (s *Store) transitionTemplate(ctx context.Context, id, from, to string) (sim.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		update simulation_templates
		set status = $3, updated_at = now()
		where id = $1 and status = $2
		returning `+templateColumns, id, from, to)
	tpl, err := scanTemplate(row)
	if err == nil {
		return tpl, nil
	}
	// Distinguish missing from wrong-state.
	if _, gerr := s.GetTemplate(ctx, id); gerr != nil {
		return sim.Template{}, gerr
	}
	return sim.Template{}, fmt.Errorf("%w: template is not %s", sim.ErrPrecondition, from)
}

// CaptureSnapshot walks the configured table set inside one transaction and
// stores the result as a full replacement. Any failed table read aborts the
// capture; a partial snapshot would corrupt every later launch and reset.
func (s *Store) CaptureSnapshot(ctx context.Context, templateID string) (sim.SnapshotDocument, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return sim.SnapshotDocument{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var tenantID string
	err = tx.QueryRowContext(ctx, `select tenant_id from simulation_templates where id = $1 for update`, templateID).Scan(&tenantID)
	if err != nil {
		return sim.SnapshotDocument{}, mapNotFound(err, fmt.Errorf("template %s: %w", templateID, sim.ErrNotFound))
	}

	collected := make(map[string][]sim.Row)
	for _, cfg := range sim.ClinicalTables() {
		rows, err := tx.QueryContext(ctx, clinicalSelect(cfg.Name)+` where tenant_id = $1 order by id`, tenantID)
		if err != nil {
			return sim.SnapshotDocument{}, fmt.Errorf("capture %s: %w", cfg.Name, err)
		}
		scanned, err := scanClinicalRows(rows, cfg)
		rows.Close()
		if err != nil {
			return sim.SnapshotDocument{}, fmt.Errorf("capture %s: %w", cfg.Name, err)
		}
		collected[cfg.Name] = scanned
	}

	doc := sim.BuildSnapshot(collected, time.Now())
	encoded, err := json.Marshal(doc)
	if err != nil {
		return sim.SnapshotDocument{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update simulation_templates set snapshot = $2, updated_at = now() where id = $1
	`, templateID, encoded); err != nil {
		return sim.SnapshotDocument{}, err
	}
	if err := tx.Commit(); err != nil {
		return sim.SnapshotDocument{}, err
	}
	obs.SnapshotCaptures.Inc()
	return doc, nil
}
