package model

import (
	"database/sql"
	"time"
)

type Job struct {
	Code           string       `db:"code"`
	OwnerID        int64        `db:"owner_id"`
	SourceURL      string       `db:"source_url"`
	Status         string       `db:"status"`
	Provider       string       `db:"provider"`
	ErrorMessage   string       `db:"error_message"`
	FilesTotal     int          `db:"files_total"`
	FilesDelivered int          `db:"files_delivered"`
	BytesDelivered int64        `db:"bytes_delivered"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
}
