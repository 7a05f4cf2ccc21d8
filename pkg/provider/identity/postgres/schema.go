// Package postgres provides a PostgreSQL-backed identity.Registry.
//
// Identities, pending registrations and sample fingerprints share a single
// [pgxpool.Pool]. Fingerprints are stored in pgvector columns so that
// near-duplicate checks run as an indexed nearest-neighbour query. [Migrate]
// installs the vector extension with CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicesift/pkg/provider/identity"
)

const ddlIdentities = `
CREATE TABLE IF NOT EXISTS speaker_identities (
    id               TEXT         PRIMARY KEY,
    speaker_id       TEXT         NOT NULL UNIQUE,
    name             TEXT         NOT NULL DEFAULT '',
    speaking_time_ns BIGINT       NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

func ddlSamples(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS pending_identities (
    session_id   TEXT              NOT NULL,
    speaker_id   TEXT              NOT NULL,
    sample_id    TEXT              NOT NULL DEFAULT '',
    sample_url   TEXT              NOT NULL DEFAULT '',
    quality      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    duration_ns  BIGINT            NOT NULL DEFAULT 0,
    transcript   TEXT              NOT NULL DEFAULT '',
    fingerprint  vector(%[1]d),
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, speaker_id)
);

CREATE TABLE IF NOT EXISTS speaker_samples (
    id           TEXT              PRIMARY KEY,
    speaker_id   TEXT              NOT NULL,
    session_id   TEXT              NOT NULL DEFAULT '',
    url          TEXT              NOT NULL DEFAULT '',
    quality      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    fingerprint  vector(%[1]d)     NOT NULL,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speaker_samples_speaker_id
    ON speaker_samples (speaker_id);

CREATE INDEX IF NOT EXISTS idx_speaker_samples_fingerprint
    ON speaker_samples USING hnsw (fingerprint vector_l2_ops);
`, dims)
}

// Migrate creates the registry tables if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlIdentities, ddlSamples(identity.FingerprintDims)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("identity postgres: migrate: %w", err)
		}
	}
	return nil
}
