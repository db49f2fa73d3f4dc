package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
)

// PostgresStore is the durable write path for telemetry and alerts. Every
// write is idempotent: telemetry rows are keyed (parcel_id, ts) and alert
// rows (parcel_id, kind, ts), so a retried write is a no-op success.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const insertTelemetrySQL = `
	INSERT INTO telemetry
		(parcel_id, ts, received_at, temperature_c, humidity_pct, g_force, lat, lon, late, raw_payload)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (parcel_id, ts) DO NOTHING
`

// InsertTelemetry persists a batch of validated readings. Duplicates of
// already-stored (parcel_id, ts) keys are silently skipped.
func (s *PostgresStore) InsertTelemetry(ctx context.Context, readings []*domain.TelemetryReading) error {
	if len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertTelemetrySQL,
			r.ParcelID,
			r.Timestamp,
			r.ReceivedAt,
			r.TemperatureC,
			r.HumidityPct,
			r.GForce,
			r.Lat,
			r.Lon,
			r.Late,
			nullableJSON(r.RawPayload),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range readings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("telemetry insert failed (batch of %d): %w", len(readings), err)
		}
	}
	return nil
}

// ApplyAlertTransition applies one lifecycle change to the alerts table.
// Opened inserts (idempotently); Refreshed, Reopened and Closed update the
// row identified by (parcel_id, kind, ts=opened_at). An update that matches
// no row means the engine and the store disagree about an open alert — a
// programmer error, reported as an invariant violation and never papered
// over.
func (s *PostgresStore) ApplyAlertTransition(ctx context.Context, tr *domain.AlertTransition) error {
	a := &tr.Alert

	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}

	switch tr.Type {
	case domain.TransitionOpened:
		_, err := s.pool.Exec(ctx, `
			INSERT INTO alerts
				(id, parcel_id, ts, severity, kind, reason, metadata, status, occurrences)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, 'OPEN', $8)
			ON CONFLICT (parcel_id, kind, ts) DO NOTHING
		`, a.ID, a.ParcelID, a.OpenedAt, string(a.Severity), string(a.Kind), a.Reason, meta, a.Occurrences)
		if err != nil {
			return fmt.Errorf("alert insert failed: %w", err)
		}
		return nil

	case domain.TransitionRefreshed, domain.TransitionReopened:
		tag, err := s.pool.Exec(ctx, `
			UPDATE alerts
			SET severity = $4, reason = $5, metadata = $6, occurrences = $7,
			    status = 'OPEN', closed_at = NULL
			WHERE parcel_id = $1 AND kind = $2 AND ts = $3
		`, a.ParcelID, string(a.Kind), a.OpenedAt, string(a.Severity), a.Reason, meta, a.Occurrences)
		if err != nil {
			return fmt.Errorf("alert update failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s of unknown alert (%s, %s, %s)",
				domain.ErrInvariantViolation, tr.Type, a.ParcelID, a.Kind, a.OpenedAt)
		}
		return nil

	case domain.TransitionClosed:
		tag, err := s.pool.Exec(ctx, `
			UPDATE alerts
			SET status = 'CLOSED', closed_at = $4, metadata = $5
			WHERE parcel_id = $1 AND kind = $2 AND ts = $3
		`, a.ParcelID, string(a.Kind), a.OpenedAt, a.ClosedAt, meta)
		if err != nil {
			return fmt.Errorf("alert close failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: close of unknown alert (%s, %s, %s)",
				domain.ErrInvariantViolation, a.ParcelID, a.Kind, a.OpenedAt)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown transition type %q", domain.ErrInvariantViolation, tr.Type)
	}
}

// InsertRejection records a rejected reading for audit. Rejections are never
// silently dropped; each one is countable with its reason.
func (s *PostgresStore) InsertRejection(ctx context.Context, raw *domain.RawReading, reason *domain.RejectionReason) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rejected_readings
			(parcel_id, field, constraint_violated, payload, received_at)
		VALUES
			($1, $2, $3, $4, NOW())
	`, raw.ParcelID, reason.Field, reason.Constraint, nullableJSON(raw.Payload))
	if err != nil {
		return fmt.Errorf("rejection insert failed: %w", err)
	}
	return nil
}

// nullableJSON passes raw payloads to JSONB columns, mapping empty to NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
