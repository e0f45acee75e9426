package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"haccare.org/internal/ids"
	"haccare.org/internal/obs"
	"haccare.org/internal/tenant"
)

// InMemory implements Service with in-process concurrency safety. It backs
// unit tests, handler tests and the no-database development mode; the
// durable implementation lives in internal/store/pg.
type InMemory struct {
	dir    tenant.Directory
	grants tenant.GrantStore
	now    func() time.Time

	mu               sync.RWMutex
	templates        map[string]Template
	sessions         map[string]Session
	participants     map[string][]Participant
	history          map[string]HistoryRecord
	historyBySession map[string]string
	rows             map[string]map[string][]Row // tenant id -> table -> rows

	// readErr injects table read failures in tests.
	readErr func(table string) error
}

// NewInMemory creates an empty engine over the given directory and grants.
func NewInMemory(dir tenant.Directory, grants tenant.GrantStore) *InMemory {
	return &InMemory{
		dir:              dir,
		grants:           grants,
		now:              time.Now,
		templates:        make(map[string]Template),
		sessions:         make(map[string]Session),
		participants:     make(map[string][]Participant),
		history:          make(map[string]HistoryRecord),
		historyBySession: make(map[string]string),
		rows:             make(map[string]map[string][]Row),
	}
}

var _ Service = (*InMemory)(nil)

func (m *InMemory) CreateTemplate(ctx context.Context, organizationID, name, description string, defaultDuration time.Duration) (Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Template{}, fmt.Errorf("%w: template name is required", ErrInvalidInput)
	}
	if defaultDuration <= 0 {
		return Template{}, fmt.Errorf("%w: default duration must be positive", ErrInvalidInput)
	}
	org, err := m.dir.Get(ctx, organizationID)
	if err != nil {
		return Template{}, fmt.Errorf("organization %s: %w", organizationID, ErrNotFound)
	}
	if org.Kind != tenant.KindOrganization {
		return Template{}, fmt.Errorf("%w: %s is not an organization", ErrInvalidInput, organizationID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	backing := tenant.Tenant{
		ID:           ids.New(),
		Name:         name + " (template)",
		Kind:         tenant.KindTemplate,
		ParentID:     org.ID,
		IsSimulation: true,
		Status:       tenant.StatusActive,
	}
	if err := m.dir.Create(ctx, &backing); err != nil {
		return Template{}, err
	}

	now := m.now().UTC()
	tpl := Template{
		ID:              ids.New(),
		OrganizationID:  org.ID,
		TenantID:        backing.ID,
		Name:            name,
		Description:     strings.TrimSpace(description),
		DefaultDuration: defaultDuration,
		Status:          TemplateDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.templates[tpl.ID] = tpl
	return tpl, nil
}

func (m *InMemory) GetTemplate(ctx context.Context, id string) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return tpl, nil
}

func (m *InMemory) ListTemplates(ctx context.Context, organizationID string) ([]Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Template
	for _, tpl := range m.templates {
		if organizationID == "" || tpl.OrganizationID == organizationID {
			out = append(out, tpl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) PublishTemplate(ctx context.Context, id string) (Template, error) {
	return m.setTemplateStatus(id, TemplateDraft, TemplatePublished)
}

func (m *InMemory) ArchiveTemplate(ctx context.Context, id string) (Template, error) {
	return m.setTemplateStatus(id, TemplatePublished, TemplateArchived)
}

func (m *InMemory) setTemplateStatus(id, from, to string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if tpl.Status != from {
		return Template{}, fmt.Errorf("%w: template is %s, expected %s", ErrPrecondition, tpl.Status, from)
	}
	tpl.Status = to
	tpl.UpdatedAt = m.now().UTC()
	m.templates[id] = tpl
	return tpl, nil
}

func (m *InMemory) CaptureSnapshot(ctx context.Context, templateID string) (SnapshotDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[templateID]
	if !ok {
		return SnapshotDocument{}, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}

	// All tables or nothing: a partial document would silently corrupt every
	// future launch and reset.
	collected := make(map[string][]Row)
	for _, cfg := range ClinicalTables() {
		if m.readErr != nil {
			if err := m.readErr(cfg.Name); err != nil {
				return SnapshotDocument{}, fmt.Errorf("capture %s: %w", cfg.Name, err)
			}
		}
		collected[cfg.Name] = m.tableRowsLocked(tpl.TenantID, cfg.Name)
	}

	doc := BuildSnapshot(collected, m.now())
	tpl.Snapshot = &doc
	tpl.UpdatedAt = m.now().UTC()
	m.templates[templateID] = tpl
	obs.SnapshotCaptures.Inc()
	return doc, nil
}

func (m *InMemory) Launch(ctx context.Context, req LaunchRequest) (Session, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Session{}, fmt.Errorf("%w: session name is required", ErrInvalidInput)
	}
	for _, p := range req.Participants {
		if strings.TrimSpace(p.PrincipalID) == "" {
			return Session{}, fmt.Errorf("%w: participant principal id is required", ErrInvalidInput)
		}
		if p.Role != tenant.RoleInstructor && p.Role != tenant.RoleStudent {
			return Session{}, fmt.Errorf("%w: unsupported participant role %s", ErrInvalidInput, p.Role)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[req.TemplateID]
	if !ok {
		return Session{}, fmt.Errorf("template %s: %w", req.TemplateID, ErrNotFound)
	}
	if tpl.Snapshot == nil {
		return Session{}, ErrNoSnapshot
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = tpl.DefaultDuration
	}

	sessionTenant := tenant.Tenant{
		ID:           ids.New(),
		Name:         name,
		Kind:         tenant.KindActiveSession,
		ParentID:     tpl.OrganizationID,
		ProgramID:    "",
		IsSimulation: true,
		Status:       tenant.StatusActive,
	}
	if err := m.dir.Create(ctx, &sessionTenant); err != nil {
		return Session{}, err
	}

	// Materialize the baseline preserving original row identifiers; printed
	// labels may already reference them.
	tables := make(map[string][]Row, len(tpl.Snapshot.Tables))
	for _, cfg := range SnapshotTables(tpl.Snapshot) {
		tables[cfg.Name] = MaterializeTable(tpl.Snapshot.Tables[cfg.Name], sessionTenant.ID, false)
	}
	m.rows[sessionTenant.ID] = tables

	starts, ends := ComputeWindow(m.now(), duration)
	sess := Session{
		ID:         ids.New(),
		TemplateID: tpl.ID,
		TenantID:   sessionTenant.ID,
		Name:       name,
		Status:     SessionRunning,
		StartsAt:   starts,
		EndsAt:     ends,
		Duration:   duration,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  m.now().UTC(),
	}
	m.sessions[sess.ID] = sess

	for _, p := range req.Participants {
		m.participants[sess.ID] = append(m.participants[sess.ID], Participant{
			SessionID:   sess.ID,
			PrincipalID: p.PrincipalID,
			Role:        p.Role,
			GrantedAt:   m.now().UTC(),
		})
		if err := m.grants.Upsert(ctx, tenant.AccessGrant{
			PrincipalID: p.PrincipalID,
			TenantID:    sessionTenant.ID,
			Role:        p.Role,
			Active:      true,
		}); err != nil {
			return Session{}, err
		}
	}

	obs.SessionsLaunched.Inc()
	return sess, nil
}

func (m *InMemory) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

func (m *InMemory) ListSessions(ctx context.Context, status string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	out := make([]Participant, len(m.participants[sessionID]))
	copy(out, m.participants[sessionID])
	return out, nil
}

func (m *InMemory) Reset(ctx context.Context, sessionID string, policy ResetPolicy) (ResetSummary, error) {
	if policy == "" {
		policy = ResetPreserving
	}
	if policy != ResetPreserving && policy != ResetDestructive {
		return ResetSummary{}, fmt.Errorf("%w: unknown reset policy %s", ErrInvalidInput, policy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ResetSummary{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.Terminal() {
		return ResetSummary{}, fmt.Errorf("%w: cannot reset a %s session", ErrPrecondition, sess.Status)
	}
	tpl, ok := m.templates[sess.TemplateID]
	if !ok {
		return ResetSummary{}, fmt.Errorf("template %s: %w", sess.TemplateID, ErrNotFound)
	}
	if tpl.Snapshot == nil {
		return ResetSummary{}, ErrNoSnapshot
	}

	summary := ResetSummary{SessionID: sessionID, Policy: policy}
	live := m.rows[sess.TenantID]
	if live == nil {
		live = make(map[string][]Row)
		m.rows[sess.TenantID] = live
	}

	switch policy {
	case ResetPreserving:
		for _, cfg := range ClinicalTables() {
			kept := live[cfg.Name][:0:0]
			for _, row := range live[cfg.Name] {
				if cfg.HasAuthor && strings.TrimSpace(RowAuthor(row, cfg)) != "" {
					summary.AuthoredDeleted++
					continue
				}
				kept = append(kept, row)
			}
			// Upsert the baseline keyed by original id so label identifiers
			// survive the reset.
			baseline := MaterializeTable(tpl.Snapshot.Tables[cfg.Name], sess.TenantID, false)
			merged := make([]Row, 0, len(baseline)+len(kept))
			seen := make(map[string]bool, len(baseline))
			for _, row := range baseline {
				seen[RowID(row)] = true
				merged = append(merged, row)
				summary.BaselineRestored++
			}
			for _, row := range kept {
				if !seen[RowID(row)] {
					merged = append(merged, row)
				}
			}
			live[cfg.Name] = merged
		}
	case ResetDestructive:
		for _, cfg := range ClinicalTables() {
			summary.AuthoredDeleted += len(live[cfg.Name])
			fresh := MaterializeTable(tpl.Snapshot.Tables[cfg.Name], sess.TenantID, true)
			live[cfg.Name] = fresh
			summary.BaselineRestored += len(fresh)
		}
	}

	sess.StartsAt, sess.EndsAt = ComputeWindow(m.now(), sess.Duration)
	sess.CompletedAt = nil
	sess.Status = SessionRunning
	m.sessions[sessionID] = sess

	summary.StartsAt = sess.StartsAt
	summary.EndsAt = sess.EndsAt
	obs.SessionsReset.WithLabelValues(string(policy)).Inc()
	return summary, nil
}

func (m *InMemory) Complete(ctx context.Context, sessionID string, activities []StudentActivity) (HistoryRecord, error) {
	return m.archive(ctx, sessionID, OutcomeCompleted, activities)
}

func (m *InMemory) Cancel(ctx context.Context, sessionID string) (HistoryRecord, error) {
	activities, err := m.Aggregate(ctx, sessionID)
	if err != nil {
		return HistoryRecord{}, err
	}
	return m.archive(ctx, sessionID, OutcomeCancelled, activities)
}

// archive is the single code path that inserts history for a session. The
// status guard exists because an automatic trigger and an explicit call once
// raced to write duplicate history rows; fail closed when not running.
func (m *InMemory) archive(ctx context.Context, sessionID, outcome string, activities []StudentActivity) (HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return HistoryRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.Status == SessionCompleted {
		return HistoryRecord{}, ErrAlreadyCompleted
	}
	if sess.Status != SessionRunning {
		return HistoryRecord{}, fmt.Errorf("%w: session is %s", ErrPrecondition, sess.Status)
	}
	if _, dup := m.historyBySession[sessionID]; dup {
		return HistoryRecord{}, ErrAlreadyCompleted
	}

	now := m.now().UTC()
	rec := HistoryRecord{
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
	m.history[rec.ID] = rec
	m.historyBySession[sessionID] = rec.ID

	sess.Status = SessionCompleted
	if outcome == OutcomeCancelled {
		sess.Status = SessionCancelled
	}
	sess.CompletedAt = &now
	m.sessions[sessionID] = sess

	if err := m.dir.Retire(ctx, sess.TenantID); err != nil {
		return HistoryRecord{}, err
	}
	obs.SessionsArchived.WithLabelValues(outcome).Inc()
	return rec, nil
}

func (m *InMemory) Aggregate(ctx context.Context, sessionID string) ([]StudentActivity, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	rows, errs := CollectRows(ctx, ClinicalTables(), aggregateTableTimeout, func(tctx context.Context, cfg TableConfig) ([]Row, error) {
		if m.readErr != nil {
			if err := m.readErr(cfg.Name); err != nil {
				return nil, err
			}
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		all := m.tableRowsLocked(sess.TenantID, cfg.Name)
		if !cfg.TimeFiltered {
			return all, nil
		}
		filtered := all[:0:0]
		for _, row := range all {
			if ts, ok := RowTime(row, cfg); ok && ts.Before(sess.StartsAt) {
				continue
			}
			filtered = append(filtered, row)
		}
		return filtered, nil
	})
	for table, err := range errs {
		// A missing category beats a failed report.
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "activity read failed",
			"session_id": sessionID, "table": table, "error": err.Error(),
		})
	}
	return GroupActivities(rows), nil
}

func (m *InMemory) CheckExpired(ctx context.Context, now time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == SessionRunning && !s.EndsAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, nil
}

func (m *InMemory) GetHistory(ctx context.Context, id string) (HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.history[id]
	if !ok {
		return HistoryRecord{}, fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (m *InMemory) ListHistory(ctx context.Context) ([]HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HistoryRecord, 0, len(m.history))
	for _, rec := range m.history {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) UpdateDebrief(ctx context.Context, historyID, notes string) (HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.history[historyID]
	if !ok {
		return HistoryRecord{}, fmt.Errorf("history %s: %w", historyID, ErrNotFound)
	}
	rec.DebriefNotes = notes
	m.history[historyID] = rec
	return rec, nil
}

func (m *InMemory) SeedRows(ctx context.Context, tenantID, table string, rows []Row) error {
	cfg, ok := TableByName(table)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if _, err := m.dir.Get(ctx, tenantID); err != nil {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.rows[tenantID]
	if live == nil {
		live = make(map[string][]Row)
		m.rows[tenantID] = live
	}
	for _, row := range rows {
		c := CloneRow(row)
		if RowID(c) == "" {
			c["id"] = uuid.NewString()
		}
		c["tenant_id"] = tenantID
		if _, ok := RowTime(c, cfg); !ok && cfg.TimeField != "" {
			c[cfg.TimeField] = m.now().UTC()
		}
		live[table] = append(live[table], c)
	}
	return nil
}

func (m *InMemory) ListRows(ctx context.Context, tenantID, table string) ([]Row, error) {
	if _, ok := TableByName(table); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tableRowsLocked(tenantID, table), nil
}

// tableRowsLocked copies the table slice; callers hold at least a read lock.
func (m *InMemory) tableRowsLocked(tenantID, table string) []Row {
	live := m.rows[tenantID]
	if live == nil {
		return nil
	}
	out := make([]Row, 0, len(live[table]))
	for _, row := range live[table] {
		out = append(out, CloneRow(row))
	}
	return out
}
