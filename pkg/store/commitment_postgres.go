package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub002/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresCommitmentStore implements CommitmentStore using PostgreSQL.
type PostgresCommitmentStore struct {
	db *sql.DB
}

func NewPostgresCommitmentStore(db *sql.DB) *PostgresCommitmentStore {
	return &PostgresCommitmentStore{db: db}
}

// OpenPostgresCommitmentStore connects with lib/pq and runs Migrate.
func OpenPostgresCommitmentStore(ctx context.Context, dsn string) (*PostgresCommitmentStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPostgresCommitmentStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *PostgresCommitmentStore) Close() error { return s.db.Close() }

func (s *PostgresCommitmentStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS commitments (
			commitment_id TEXT PRIMARY KEY,
			signer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			proposal JSONB NOT NULL,
			signature TEXT NOT NULL,
			signed_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate commitments: %w", err)
	}
	return nil
}

// Save inserts sc. An existing commitment id is ErrDuplicate; commitments
// are never overwritten.
func (s *PostgresCommitmentStore) Save(ctx context.Context, sc *contracts.SignedCommitment) error {
	proposal, err := json.Marshal(sc.Proposal)
	if err != nil {
		return fmt.Errorf("failed to encode proposal: %w", err)
	}
	query := `
		INSERT INTO commitments (commitment_id, signer_id, kind, proposal, signature, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (commitment_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		sc.CommitmentID, sc.SignerID, string(sc.Proposal.Kind), string(proposal), sc.Signature, sc.SignedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to persist commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to persist commitment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("commitment %s: %w", sc.CommitmentID, ErrDuplicate)
	}
	return nil
}

func (s *PostgresCommitmentStore) Get(ctx context.Context, commitmentID string) (*contracts.SignedCommitment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT commitment_id, signer_id, proposal, signature, signed_at FROM commitments WHERE commitment_id = $1",
		commitmentID)
	sc, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commitment %s: %w", commitmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return sc, nil
}

// ListBySigner returns the most recent commitments signed by signerID.
func (s *PostgresCommitmentStore) ListBySigner(ctx context.Context, signerID string, limit int) ([]*contracts.SignedCommitment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT commitment_id, signer_id, proposal, signature, signed_at FROM commitments WHERE signer_id = $1 ORDER BY signed_at DESC LIMIT $2",
		signerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SignedCommitment
	for rows.Next() {
		sc, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row scanner) (*contracts.SignedCommitment, error) {
	var (
		sc       contracts.SignedCommitment
		proposal []byte
	)
	if err := row.Scan(&sc.CommitmentID, &sc.SignerID, &proposal, &sc.Signature, &sc.SignedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(proposal, &sc.Proposal); err != nil {
		return nil, fmt.Errorf("decode proposal for %s: %w", sc.CommitmentID, err)
	}
	return &sc, nil
}
