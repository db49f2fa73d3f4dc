package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "gd_user"),
		dbGetEnv("DB_PASSWORD", "gd_pass"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "greendelivery"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_telemetry_table(ctx, conn)
	step2_alerts_table(ctx, conn)
	step3_rejections_table(ctx, conn)
	step4_indexes(ctx, conn)
	step5_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run scripts/seed_redis/seed_redis.go")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — telemetry table
// ─────────────────────────────────────────────────────────────
func step1_telemetry_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: telemetry table ─────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS telemetry (

			-- Identity. The (parcel_id, ts) pair is the idempotency key:
			-- a retried or duplicated delivery lands on the same row and
			-- the pipeline's ON CONFLICT DO NOTHING makes it a no-op.
			parcel_id      TEXT             NOT NULL,

			-- Tracker clock — TIMESTAMPTZ always stores in UTC
			ts             TIMESTAMPTZ      NOT NULL,

			-- Server receipt time; tracker clocks drift
			received_at    TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- Sensor readings — NULL means the tracker sent no value
			temperature_c  DOUBLE PRECISION,
			humidity_pct   DOUBLE PRECISION,
			g_force        DOUBLE PRECISION,
			lat            DOUBLE PRECISION,
			lon            DOUBLE PRECISION,

			-- A reading older than the newest already seen for its parcel
			late           BOOLEAN          NOT NULL DEFAULT false,

			-- Original JSON payload, kept for debugging and replay
			raw_payload    JSONB,

			PRIMARY KEY (parcel_id, ts)
		);
	`, "telemetry table created")
}

// ─────────────────────────────────────────────────────────────
// Step 2 — alerts table
// ─────────────────────────────────────────────────────────────
func step2_alerts_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: alerts table ────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alerts (

			id           UUID             PRIMARY KEY,

			parcel_id    TEXT             NOT NULL,

			-- ts is the opened_at instant; (parcel_id, kind, ts) is the
			-- natural key the pipeline retries against
			ts           TIMESTAMPTZ      NOT NULL,

			kind         TEXT             NOT NULL,
			severity     TEXT             NOT NULL,
			reason       TEXT             NOT NULL,
			metadata     JSONB,

			status       TEXT             NOT NULL DEFAULT 'OPEN',
			closed_at    TIMESTAMPTZ,

			-- How many times this alert has opened, counting reopens
			-- within the cooldown window
			occurrences  INTEGER          NOT NULL DEFAULT 1,

			CONSTRAINT uq_alert_natural_key UNIQUE (parcel_id, kind, ts),

			CONSTRAINT chk_alert_kind CHECK (
				kind IN ('temperature_excursion', 'shock', 'humidity_excursion',
				         'connectivity_gap', 'geofence')
			),

			CONSTRAINT chk_severity CHECK (
				severity IN ('INFO', 'WARNING', 'CRITICAL')
			),

			CONSTRAINT chk_status CHECK (
				status IN ('OPEN', 'CLOSED')
			)
		);
	`, "alerts table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — rejected_readings table
// ─────────────────────────────────────────────────────────────
func step3_rejections_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: rejected_readings table ─────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS rejected_readings (

			id                   BIGSERIAL    PRIMARY KEY,

			-- May be empty when the rejection was a missing parcel_id
			parcel_id            TEXT         NOT NULL DEFAULT '',

			-- Which field failed and which constraint it violated
			field                TEXT         NOT NULL,
			constraint_violated  TEXT         NOT NULL,

			payload              JSONB,
			received_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);
	`, "rejected_readings table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — Indexes
// ─────────────────────────────────────────────────────────────
func step4_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_telemetry_parcel_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_telemetry_parcel_time
				  ON telemetry (parcel_id, ts DESC);`,
			why: "query: telemetry history for one parcel",
		},
		{
			name: "idx_alerts_parcel_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_parcel_time
				  ON alerts (parcel_id, ts DESC);`,
			why: "query: alert history for one parcel",
		},
		{
			name: "idx_alerts_open",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_open
				  ON alerts (parcel_id, kind)
				  WHERE status = 'OPEN';`,
			why: "query: currently open alerts (partial index)",
		},
		{
			name: "idx_rejections_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_rejections_time
				  ON rejected_readings (received_at DESC);`,
			why: "query: recent rejections for audit",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-35s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 5 — Verify everything was created
// ─────────────────────────────────────────────────────────────
func step5_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Verification ────────────────────────")

	tables := []string{"telemetry", "alerts", "rejected_readings"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('telemetry', 'alerts', 'rejected_readings')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
