package sim

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BuildSnapshot assembles a full-replace snapshot document from the rows of a
// template's backing tenant. Rows are deep-copied; the document never aliases
// live store state.
func BuildSnapshot(tables map[string][]Row, capturedAt time.Time) SnapshotDocument {
	doc := SnapshotDocument{
		Version:      1,
		TableVersion: TableVersion,
		CapturedAt:   capturedAt.UTC(),
		Tables:       make(map[string][]Row, len(tables)),
	}
	for name, rows := range tables {
		copied := make([]Row, 0, len(rows))
		for _, r := range rows {
			copied = append(copied, CloneRow(r))
		}
		doc.Tables[name] = copied
	}
	return doc
}

// MaterializeTable prepares one snapshot table for insertion into a target
// tenant. Original row identifiers are kept unless freshIDs is set, because
// printed barcode labels may already reference them; only the tenant-scoping
// column is remapped.
func MaterializeTable(rows []Row, targetTenantID string, freshIDs bool) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		c := CloneRow(r)
		c["tenant_id"] = targetTenantID
		if freshIDs || RowID(c) == "" {
			c["id"] = uuid.NewString()
		}
		out = append(out, c)
	}
	return out
}

// SnapshotTables returns the configs a snapshot document can restore: the
// tables present in both the document and the current clinical set, in config
// order. A table removed from the set since capture is ignored on restore; a
// table added since capture has nothing to restore. Both engines materialize
// through this so old snapshots behave identically everywhere.
func SnapshotTables(doc *SnapshotDocument) []TableConfig {
	if doc == nil {
		return nil
	}
	out := make([]TableConfig, 0, len(doc.Tables))
	for _, cfg := range ClinicalTables() {
		if _, ok := doc.Tables[cfg.Name]; ok {
			out = append(out, cfg)
		}
	}
	return out
}

// CloneRow copies one level deep; payload values are opaque and shared.
func CloneRow(r Row) Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// NormalizeAuthor folds an author name into the grouping key used by the
// activity report: trimmed and case-folded.
func NormalizeAuthor(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RowAuthor extracts the author name from a row per the table configuration.
func RowAuthor(r Row, cfg TableConfig) string {
	if !cfg.HasAuthor || cfg.AuthorField == "" {
		return ""
	}
	if v, ok := r[cfg.AuthorField].(string); ok {
		return v
	}
	return ""
}

// RowTime extracts the table's time field. Values survive a JSON round-trip
// as RFC3339 strings, so both representations are accepted.
func RowTime(r Row, cfg TableConfig) (time.Time, bool) {
	if cfg.TimeField == "" {
		return time.Time{}, false
	}
	switch v := r[cfg.TimeField].(type) {
	case time.Time:
		return v, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ComputeWindow derives the session timer. EndsAt is strictly
// startsAt + duration; callers recompute it on every reset.
func ComputeWindow(now time.Time, duration time.Duration) (time.Time, time.Time) {
	start := now.UTC()
	return start, start.Add(duration)
}

// GroupActivities folds participant-authored rows into one StudentActivity
// per distinct normalized author. The display name is the first spelling
// seen, trimmed. Output is sorted by student name for stable reports.
func GroupActivities(rowsByTable map[string][]Row) []StudentActivity {
	type bucket struct {
		display    string
		total      int
		categories map[string][]Row
	}
	buckets := make(map[string]*bucket)

	names := make([]string, 0, len(rowsByTable))
	for name := range rowsByTable {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, tableName := range names {
		cfg, ok := TableByName(tableName)
		if !ok || !cfg.HasAuthor {
			continue
		}
		for _, row := range rowsByTable[tableName] {
			raw := RowAuthor(row, cfg)
			key := NormalizeAuthor(raw)
			if key == "" {
				continue
			}
			b, ok := buckets[key]
			if !ok {
				b = &bucket{
					display:    strings.TrimSpace(raw),
					categories: make(map[string][]Row),
				}
				buckets[key] = b
			}
			b.total++
			b.categories[tableName] = append(b.categories[tableName], CloneRow(row))
		}
	}

	out := make([]StudentActivity, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, StudentActivity{
			StudentName:  b.display,
			TotalEntries: b.total,
			Categories:   b.categories,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentName < out[j].StudentName })
	return out
}

// CollectRows fans a read out across the configured tables with a per-table
// timeout so one slow table cannot stall the debrief report. A table that
// fails or times out contributes zero rows; its error is reported back for
// logging, never as an aggregate failure.
func CollectRows(ctx context.Context, tables []TableConfig, perTableTimeout time.Duration, fetch func(ctx context.Context, cfg TableConfig) ([]Row, error)) (map[string][]Row, map[string]error) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		rows = make(map[string][]Row, len(tables))
		errs = make(map[string]error)
	)
	for _, cfg := range tables {
		wg.Add(1)
		go func(cfg TableConfig) {
			defer wg.Done()
			tctx := ctx
			if perTableTimeout > 0 {
				var cancel context.CancelFunc
				tctx, cancel = context.WithTimeout(ctx, perTableTimeout)
				defer cancel()
			}
			got, err := fetch(tctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[cfg.Name] = err
				return
			}
			rows[cfg.Name] = got
		}(cfg)
	}
	wg.Wait()
	return rows, errs
}
