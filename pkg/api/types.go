package api

// Job status values reported by the backend's ingest_status endpoint.
const (
	StatusProcessing = "processing"
	StatusStopping   = "stopping"
	StatusCompleted  = "completed"
	StatusDone       = "done"
	StatusError      = "error"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job is one server-side ingestion (or contemplation) job as reported
// by the backend.
type Job struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Filename string `json:"filename,omitempty"`
}

// Terminal reports whether the job can make no further transition.
func (j Job) Terminal() bool {
	return IsTerminalStatus(j.Status)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusDone, StatusError, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Succeeded reports a terminal success status.
func (j Job) Succeeded() bool {
	return j.Status == StatusCompleted || j.Status == StatusDone
}

// ThreadMessage is one entry of a thread's stored history.
type ThreadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PageSubmission is the payload for off-loading captured page content
// to a server-side ingestion job.
type PageSubmission struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// ContemplateOptions configures a background contemplation job.
type ContemplateOptions struct {
	N           int
	Topic       string
	Depth       int
	SaveToNotes bool
}

type ingestStatusResponse struct {
	Jobs []Job `json:"jobs"`
}

type ingestAcceptResponse struct {
	JobID string `json:"job_id"`
}
