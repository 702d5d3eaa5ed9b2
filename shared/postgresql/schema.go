package postgresql

import (
	"context"
	"fmt"
	"log/slog"
)

// jobsSchema is the ledger shared by the api-service and the worker-service
const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	code              TEXT PRIMARY KEY,
	owner_id          BIGINT NOT NULL,
	source_url        TEXT NOT NULL,
	status            TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	files_total       INTEGER NOT NULL DEFAULT 0,
	files_delivered   INTEGER NOT NULL DEFAULT 0,
	bytes_delivered   BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at        TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs (owner_id, created_at DESC, code DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
`

// EnsureSchema creates the jobs table and its indexes when missing
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	c.logger.Info("Database schema ready",
		slog.String("table", "jobs"),
	)
	return nil
}
