package dto

type CreateJobRequest struct {
	URL    string `json:"url" binding:"required,url"`
	UserID int64  `json:"user_id" binding:"required"`
	Code   string `json:"code"`
}

type ListJobsRequest struct {
	UserID   int64  `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	Code           string `json:"code"`
	UserID         int64  `json:"user_id"`
	URL            string `json:"url"`
	Status         string `json:"status"`
	Provider       string `json:"provider,omitempty"`
	Error          string `json:"error,omitempty"`
	FilesTotal     int    `json:"files_total"`
	FilesDelivered int    `json:"files_delivered"`
	BytesDelivered int64  `json:"bytes_delivered"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}
