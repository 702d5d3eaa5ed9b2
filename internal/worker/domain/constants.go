package domain

// JobStatus is the lifecycle stage of a job as shown on the status board
type JobStatus string

// Job status constants
const (
	JobStatusQueued      JobStatus = "Queued"
	JobStatusDownloading JobStatus = "Downloading"
	JobStatusProcessing  JobStatus = "Processing"
	JobStatusUploading   JobStatus = "Uploading"
	JobStatusCompleted   JobStatus = "Completed"
	JobStatusFailed      JobStatus = "Failed"
)

// String returns the string representation of JobStatus
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true once no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive returns true while an orchestrator is driving the job
func (s JobStatus) IsActive() bool {
	return s == JobStatusDownloading || s == JobStatusProcessing || s == JobStatusUploading
}

// AllStatuses lists every status in lifecycle order
func AllStatuses() []JobStatus {
	return []JobStatus{
		JobStatusQueued,
		JobStatusDownloading,
		JobStatusProcessing,
		JobStatusUploading,
		JobStatusCompleted,
		JobStatusFailed,
	}
}
