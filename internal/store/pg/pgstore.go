package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"haccare.org/internal/sim"
)

// Store implements the simulation lifecycle engine against Postgres. Every
// lifecycle mutation runs in a single transaction; the schema and its
// row-level-security policies live under migrations/.
type Store struct {
	db *sql.DB
}

var _ sim.Service = (*Store)(nil)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- clinical row codec ---
//
// Every clinical table shares the engine-visible shape
// (id, tenant_id, author_name, recorded_at, payload jsonb); the payload is
// opaque. Table names are interpolated only from the closed configuration
// list, never from caller input.

func clinicalSelect(table string) string {
	return fmt.Sprintf(`select id, tenant_id, coalesce(author_name,''), recorded_at, payload from %s`, table)
}

func scanClinicalRows(rows *sql.Rows, cfg sim.TableConfig) ([]sim.Row, error) {
	var out []sim.Row
	for rows.Next() {
		var (
			id, tenantID, author string
			recordedAt           time.Time
			payload              []byte
		)
		if err := rows.Scan(&id, &tenantID, &author, &recordedAt, &payload); err != nil {
			return nil, err
		}
		row := sim.Row{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &row); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", cfg.Name, err)
			}
		}
		row["id"] = id
		row["tenant_id"] = tenantID
		if cfg.HasAuthor && author != "" {
			row[cfg.AuthorField] = author
		}
		if cfg.TimeField != "" {
			row[cfg.TimeField] = recordedAt
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// splitRow separates the engine columns from the opaque payload.
func splitRow(row sim.Row, cfg sim.TableConfig) (id, tenantID, author string, recordedAt time.Time, payload []byte, err error) {
	id = sim.RowID(row)
	if id == "" {
		id = uuid.NewString()
	}
	tenantID, _ = row["tenant_id"].(string)
	author = strings.TrimSpace(sim.RowAuthor(row, cfg))
	if ts, ok := sim.RowTime(row, cfg); ok {
		recordedAt = ts.UTC()
	} else {
		recordedAt = time.Now().UTC()
	}
	rest := make(map[string]any, len(row))
	for k, v := range row {
		switch k {
		case "id", "tenant_id", cfg.AuthorField, cfg.TimeField:
			continue
		}
		rest[k] = v
	}
	payload, err = json.Marshal(rest)
	return
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertClinicalRow inserts keyed by (tenant_id, id) so externally referenced
// identifiers (printed labels) survive restores within a tenant. Identity is
// per tenant: a template and every session launched from it hold rows under
// the same ids, and the upsert must never cross tenants on conflict.
func upsertClinicalRow(ctx context.Context, q execer, cfg sim.TableConfig, row sim.Row) error {
	id, tenantID, author, recordedAt, payload, err := splitRow(row, cfg)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (id, tenant_id, author_name, recorded_at, payload)
		values ($1, $2, nullif($3,''), $4, $5)
		on conflict (tenant_id, id) do update
		set author_name = excluded.author_name,
		    recorded_at = excluded.recorded_at,
		    payload = excluded.payload
	`, cfg.Name), id, tenantID, author, recordedAt, payload)
	return err
}

func (s *Store) SeedRows(ctx context.Context, tenantID, table string, rows []sim.Row) error {
	cfg, ok := sim.TableByName(table)
	if !ok {
		return fmt.Errorf("%w: %s", sim.ErrUnknownTable, table)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		c := sim.CloneRow(row)
		c["tenant_id"] = tenantID
		if err := upsertClinicalRow(ctx, tx, cfg, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListRows(ctx context.Context, tenantID, table string) ([]sim.Row, error) {
	cfg, ok := sim.TableByName(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sim.ErrUnknownTable, table)
	}
	rows, err := s.db.QueryContext(ctx, clinicalSelect(cfg.Name)+` where tenant_id = $1 order by recorded_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClinicalRows(rows, cfg)
}

func mapNotFound(err error, wrap error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return wrap
	}
	return err
}
