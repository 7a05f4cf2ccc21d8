package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voicesift/pkg/provider/identity"
)

// Compile-time interface checks.
var (
	_ identity.Registry    = (*Store)(nil)
	_ identity.SampleIndex = (*Store)(nil)
)

// Store is the PostgreSQL identity registry. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("identity postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("identity postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("identity postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Bind creates or renames the identity for speakerID.
func (s *Store) Bind(ctx context.Context, speakerID, name string) (*identity.Identity, error) {
	const q = `
		INSERT INTO speaker_identities (id, speaker_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (speaker_id) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, speaker_id, name, speaking_time_ns, created_at`

	id, err := scanIdentity(s.pool.QueryRow(ctx, q, uuid.NewString(), speakerID, name))
	if err != nil {
		return nil, fmt.Errorf("identity postgres: bind %q: %w", speakerID, err)
	}
	return id, nil
}

// Lookup implements identity.Registry.
func (s *Store) Lookup(ctx context.Context, speakerID string) (*identity.Identity, error) {
	const q = `
		SELECT id, speaker_id, name, speaking_time_ns, created_at
		FROM   speaker_identities
		WHERE  speaker_id = $1`

	id, err := scanIdentity(s.pool.QueryRow(ctx, q, speakerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity postgres: lookup %q: %w", speakerID, err)
	}
	return id, nil
}

// RegisterPending implements identity.Registry.
func (s *Store) RegisterPending(ctx context.Context, p identity.Pending) error {
	const q = `
		INSERT INTO pending_identities
		    (session_id, speaker_id, sample_id, sample_url, quality, duration_ns, transcript, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, speaker_id) DO UPDATE SET
		    sample_id   = EXCLUDED.sample_id,
		    sample_url  = EXCLUDED.sample_url,
		    quality     = EXCLUDED.quality,
		    duration_ns = EXCLUDED.duration_ns,
		    transcript  = EXCLUDED.transcript,
		    fingerprint = EXCLUDED.fingerprint,
		    created_at  = EXCLUDED.created_at`

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var fp any
	if len(p.Fingerprint) > 0 {
		fp = pgvector.NewVector(p.Fingerprint)
	}
	_, err := s.pool.Exec(ctx, q,
		p.SessionID,
		p.SpeakerID,
		p.SampleID,
		p.SampleURL,
		p.Quality,
		int64(p.Duration),
		p.Transcript,
		fp,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("identity postgres: register pending %q: %w", p.SpeakerID, err)
	}
	return nil
}

// PendingForSession lists the pending registrations of sessionID ordered by
// creation time.
func (s *Store) PendingForSession(ctx context.Context, sessionID string) ([]identity.Pending, error) {
	const q = `
		SELECT session_id, speaker_id, sample_id, sample_url, quality, duration_ns, transcript, fingerprint, created_at
		FROM   pending_identities
		WHERE  session_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("identity postgres: list pending: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (identity.Pending, error) {
		var (
			p   identity.Pending
			dur int64
			vec *pgvector.Vector
		)
		if err := row.Scan(&p.SessionID, &p.SpeakerID, &p.SampleID, &p.SampleURL,
			&p.Quality, &dur, &p.Transcript, &vec, &p.CreatedAt); err != nil {
			return identity.Pending{}, err
		}
		p.Duration = time.Duration(dur)
		if vec != nil {
			p.Fingerprint = vec.Slice()
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity postgres: scan pending: %w", err)
	}
	return out, nil
}

// AddSpeakingTime implements identity.Registry.
func (s *Store) AddSpeakingTime(ctx context.Context, identityID string, d time.Duration) error {
	const q = `
		UPDATE speaker_identities
		SET    speaking_time_ns = speaking_time_ns + $2
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, identityID, int64(d))
	if err != nil {
		return fmt.Errorf("identity postgres: add speaking time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity postgres: add speaking time %q: %w", identityID, identity.ErrNotFound)
	}
	return nil
}

// IndexSample implements identity.SampleIndex.
func (s *Store) IndexSample(ctx context.Context, smp identity.Sample) error {
	const q = `
		INSERT INTO speaker_samples (id, speaker_id, session_id, url, quality, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    url         = EXCLUDED.url,
		    quality     = EXCLUDED.quality,
		    fingerprint = EXCLUDED.fingerprint`

	if smp.ID == "" {
		smp.ID = uuid.NewString()
	}
	if smp.CreatedAt.IsZero() {
		smp.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		smp.ID,
		smp.SpeakerID,
		smp.SessionID,
		smp.URL,
		smp.Quality,
		pgvector.NewVector(smp.Fingerprint),
		smp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("identity postgres: index sample: %w", err)
	}
	return nil
}

// Nearest implements identity.SampleIndex using the pgvector L2 operator.
func (s *Store) Nearest(ctx context.Context, speakerID string, fp []float32) (float64, bool, error) {
	const q = `
		SELECT fingerprint <-> $1 AS distance
		FROM   speaker_samples
		WHERE  speaker_id = $2
		ORDER  BY distance
		LIMIT  1`

	var dist float64
	err := s.pool.QueryRow(ctx, q, pgvector.NewVector(fp), speakerID).Scan(&dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("identity postgres: nearest: %w", err)
	}
	return dist, true, nil
}

func scanIdentity(row pgx.Row) (*identity.Identity, error) {
	var (
		id identity.Identity
		ns int64
	)
	if err := row.Scan(&id.ID, &id.SpeakerID, &id.Name, &ns, &id.CreatedAt); err != nil {
		return nil, err
	}
	id.SpeakingTime = time.Duration(ns)
	return &id, nil
}
