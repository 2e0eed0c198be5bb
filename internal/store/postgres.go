package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SilentHawker/AML-platform/internal/ledger"
	"github.com/SilentHawker/AML-platform/internal/review"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *ledger.Policy) error {
	pending, err := encodeReview(p.PendingReview)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create policy tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, tenant_id, name, current_version, pending_review, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.TenantID, p.Name, p.CurrentVersion, pending, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("policy %s: %w", p.ID, ErrConflict)
		}
		return fmt.Errorf("insert policy: %w", err)
	}

	if err := insertVersions(ctx, tx, p.ID, p.Versions); err != nil {
		return err
	}
	if err := insertArchive(ctx, tx, p.ID, p.Archive, 0); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadPolicy(ctx context.Context, id string) (*ledger.Policy, error) {
	p := &ledger.Policy{ID: id}
	var pending sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, current_version, pending_review, created_at, updated_at, revision
		FROM policies
		WHERE id = $1
	`, id).Scan(&p.TenantID, &p.Name, &p.CurrentVersion, &pending, &p.CreatedAt, &p.UpdatedAt, &p.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if pending.Valid {
		var r review.Review
		if err := json.Unmarshal([]byte(pending.String), &r); err != nil {
			return nil, fmt.Errorf("decode pending review: %w", err)
		}
		p.PendingReview = &r
	}

	versions, err := s.loadVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Versions = versions

	archive, err := s.loadArchive(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Archive = archive

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) SavePolicy(ctx context.Context, p *ledger.Policy) error {
	pending, err := encodeReview(p.PendingReview)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save policy tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedRevision, storedVersion, storedArchive int
	err = tx.QueryRowContext(ctx, `
		SELECT revision, current_version, (SELECT COUNT(*) FROM review_archive WHERE policy_id = $1)
		FROM policies
		WHERE id = $1
		FOR UPDATE
	`, p.ID).Scan(&storedRevision, &storedVersion, &storedArchive)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("policy %s: %w", p.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock policy row: %w", err)
	}
	if storedRevision != p.Revision {
		return fmt.Errorf("policy %s: stored revision %d, loaded %d: %w", p.ID, storedRevision, p.Revision, ErrConflict)
	}
	if storedVersion > len(p.Versions) || storedArchive > len(p.Archive) {
		return fmt.Errorf("policy %s: stored version %d, saving %d: %w", p.ID, storedVersion, p.CurrentVersion, ErrConflict)
	}

	if err := insertVersions(ctx, tx, p.ID, p.Versions[storedVersion:]); err != nil {
		return err
	}
	if err := insertArchive(ctx, tx, p.ID, p.Archive[storedArchive:], storedArchive); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE policies
		SET name = $2, current_version = $3, pending_review = $4, updated_at = $5, revision = $6
		WHERE id = $1
	`, p.ID, p.Name, p.CurrentVersion, pending, p.UpdatedAt, p.Revision+1); err != nil {
		return fmt.Errorf("update policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save policy: %w", err)
	}
	p.Revision++
	return nil
}

func (s *PostgresStore) loadVersions(ctx context.Context, id string) ([]ledger.DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, text, digest, created_at, created_by, review_id, applied_change_ids, skipped_change_ids
		FROM policy_versions
		WHERE policy_id = $1
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []ledger.DocumentVersion
	for rows.Next() {
		var v ledger.DocumentVersion
		var applied, skipped []byte
		if err := rows.Scan(&v.Number, &v.Text, &v.Digest, &v.CreatedAt, &v.CreatedBy, &v.ReviewID, &applied, &skipped); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if v.AppliedChangeIDs, err = decodeIDs(applied); err != nil {
			return nil, err
		}
		if v.SkippedChangeIDs, err = decodeIDs(skipped); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func (s *PostgresStore) loadArchive(ctx context.Context, id string) ([]ledger.ArchivedReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT review, outcome, closed_at, closed_by, result_version
		FROM review_archive
		WHERE policy_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query review archive: %w", err)
	}
	defer rows.Close()

	var archive []ledger.ArchivedReview
	for rows.Next() {
		var a ledger.ArchivedReview
		var raw []byte
		if err := rows.Scan(&raw, &a.Outcome, &a.ClosedAt, &a.ClosedBy, &a.ResultVersion); err != nil {
			return nil, fmt.Errorf("scan archived review: %w", err)
		}
		if err := json.Unmarshal(raw, &a.Review); err != nil {
			return nil, fmt.Errorf("decode archived review: %w", err)
		}
		archive = append(archive, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review archive: %w", err)
	}
	return archive, nil
}

func insertVersions(ctx context.Context, tx *sql.Tx, policyID string, versions []ledger.DocumentVersion) error {
	for _, v := range versions {
		applied, err := encodeIDs(v.AppliedChangeIDs)
		if err != nil {
			return err
		}
		skipped, err := encodeIDs(v.SkippedChangeIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_versions (policy_id, version, text, digest, created_at, created_by, review_id, applied_change_ids, skipped_change_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb)
		`, policyID, v.Number, v.Text, v.Digest, v.CreatedAt, v.CreatedBy, v.ReviewID, applied, skipped); err != nil {
			return fmt.Errorf("insert version %d: %w", v.Number, err)
		}
	}
	return nil
}

func insertArchive(ctx context.Context, tx *sql.Tx, policyID string, archive []ledger.ArchivedReview, seq int) error {
	for _, a := range archive {
		seq++
		raw, err := json.Marshal(a.Review)
		if err != nil {
			return fmt.Errorf("encode archived review: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_archive (policy_id, seq, review_id, outcome, closed_at, closed_by, result_version, review)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		`, policyID, seq, a.Review.ID, a.Outcome, a.ClosedAt, a.ClosedBy, a.ResultVersion, string(raw)); err != nil {
			return fmt.Errorf("insert archived review %s: %w", a.Review.ID, err)
		}
	}
	return nil
}

func encodeReview(r *review.Review) (any, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode pending review: %w", err)
	}
	return string(raw), nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode change ids: %w", err)
	}
	return string(raw), nil
}

func decodeIDs(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode change ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}
