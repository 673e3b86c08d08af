package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS parking_lots (
		id                BIGSERIAL PRIMARY KEY,
		name              TEXT NOT NULL,
		location          TEXT NOT NULL,
		latitude          DOUBLE PRECISION,
		longitude         DOUBLE PRECISION,
		legal_capacity    INT NOT NULL,
		current_occupancy INT NOT NULL DEFAULT 0,
		is_active         BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_parking_lots_name ON parking_lots(name);`,
	`CREATE TABLE IF NOT EXISTS violations (
		id                   BIGSERIAL PRIMARY KEY,
		parking_lot_id       BIGINT NOT NULL REFERENCES parking_lots(id),
		occupancy_percentage DOUBLE PRECISION NOT NULL,
		occupancy_count      INT NOT NULL,
		legal_capacity       INT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'OPEN'
		                     CHECK (status IN ('OPEN', 'ACKNOWLEDGED', 'RESOLVED')),
		detected_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		acknowledged_at      TIMESTAMPTZ,
		resolved_at          TIMESTAMPTZ,
		notes                TEXT,
		evidence_report_url  TEXT,
		photo_evidence_url   TEXT,
		acknowledged_by      TEXT,
		resolved_by          TEXT,
		raw_payload          JSONB
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_status ON violations(status);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_detected_at ON violations(detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_parking_lot_id ON violations(parking_lot_id);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
