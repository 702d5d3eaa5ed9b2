package domain

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Job identifies one end-to-end fetch request
type Job struct {
	ID        string
	OwnerID   int64
	SourceURL string
	Status    JobStatus
	Error     string
	CreatedAt time.Time
}

// JobResult is the final outcome of a job as recorded in the ledger
type JobResult struct {
	Status         JobStatus
	Provider       string
	Error          string
	FilesTotal     int
	FilesDelivered int
	BytesDelivered int64
}

// JobRequest is the content of a well-formed inbound job message
type JobRequest struct {
	URL     string
	Code    string
	OwnerID int64
}

// JobMessage represents an admitted job message from RabbitMQ
type JobMessage struct {
	Request  JobRequest
	Delivery amqp.Delivery
}

// JobID returns the caller supplied code
func (m *JobMessage) JobID() string {
	return m.Request.Code
}
