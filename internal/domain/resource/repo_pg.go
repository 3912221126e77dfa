package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/screening/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore persists resources as JSONB rows in clinical_resource. Compartment
// narrowing and ordering happen in SQL; search predicates run in Go.
type PGStore struct {
	pool *pgxpool.Pool
	conn queryable
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, conn: pool}
}

// Init applies pending schema migrations.
func (s *PGStore) Init(ctx context.Context) error {
	if _, err := db.NewMigrator(s.pool, db.Migrations()).Up(ctx); err != nil {
		return fmt.Errorf("migrate clinical store: %w", err)
	}
	return nil
}

func (s *PGStore) Shutdown(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Put(ctx context.Context, r Resource) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", r.ResourceType(), r.GetID(), err)
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO clinical_resource (resource_type, id, version_id, last_updated, deleted, subject, body)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)
		ON CONFLICT (resource_type, id) DO UPDATE SET
			version_id = EXCLUDED.version_id,
			last_updated = EXCLUDED.last_updated,
			deleted = FALSE,
			subject = EXCLUDED.subject,
			body = EXCLUDED.body`,
		r.ResourceType(), r.GetID(), VersionID(r), LastUpdated(r), compartmentID(r), body)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", r.ResourceType(), r.GetID(), err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, resourceType, id string) (Resource, error) {
	var body []byte
	var deleted bool
	err := s.conn.QueryRow(ctx,
		`SELECT body, deleted FROM clinical_resource WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&body, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	r, err := DecodeAs(resourceType, body)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	if deleted {
		return r, ErrDeleted
	}
	return r, nil
}

func (s *PGStore) Query(ctx context.Context, q Query) ([]Resource, int, error) {
	sql := `SELECT body FROM clinical_resource WHERE resource_type = $1 AND NOT deleted`
	args := []interface{}{q.ResourceType}
	if q.PatientID != "" {
		sql += ` AND subject = $2`
		args = append(args, q.PatientID)
	}
	sql += ` ORDER BY last_updated DESC, id ASC`

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", q.ResourceType, err)
	}
	defer rows.Close()

	var matches []Resource
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", q.ResourceType, err)
		}
		r, err := DecodeAs(q.ResourceType, body)
		if err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", q.ResourceType, err)
		}
		if q.matches(r) {
			matches = append(matches, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	out, total := page(matches, q)
	return out, total, nil
}

func (s *PGStore) Tombstone(ctx context.Context, resourceType, id, versionID string, at time.Time) error {
	r, err := s.Get(ctx, resourceType, id)
	if err != nil && !errors.Is(err, ErrDeleted) {
		return err
	}
	setTombstoneMeta(r, versionID, at)
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE clinical_resource
		SET deleted = TRUE, version_id = $3, last_updated = $4, body = $5
		WHERE resource_type = $1 AND id = $2`,
		resourceType, id, versionID, at.UTC(), body)
	if err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", resourceType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
