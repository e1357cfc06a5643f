package events

import (
	"time"

	"github.com/pageindex/pageindex-web/pkg/models"
)

// JobUpdatePayload is the payload for job.update events. Published after
// every persisted change so clients can render without a re-fetch.
type JobUpdatePayload struct {
	Job *models.Job `json:"job"` // full job snapshot
}

// JobActivityPayload is the payload for job.activity events.
type JobActivityPayload struct {
	JobID    string              `json:"job_id"`
	Activity models.ActivityItem `json:"activity"`
}

// JobErrorPayload is the payload for job.error events. Published once, right
// before the job is persisted as FAILED.
type JobErrorPayload struct {
	JobID     string    `json:"job_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// JobCompletedPayload is the payload for job.completed events.
type JobCompletedPayload struct {
	JobID      string    `json:"job_id"`
	Timestamp  time.Time `json:"timestamp"`
	ResultFile *string   `json:"result_file"` // absolute path of the structure JSON
}

// ChatRunStartedPayload is the payload for chat.run.started events.
type ChatRunStartedPayload struct {
	SessionID          string    `json:"session_id"`
	RunID              string    `json:"run_id"`
	UserMessageID      string    `json:"user_message_id"`
	AssistantMessageID string    `json:"assistant_message_id"`
	Timestamp          time.Time `json:"timestamp"`
}

// ChatRetrievalCompletedPayload is the payload for chat.retrieval.completed
// events. Published once the node selection step has finished.
type ChatRetrievalCompletedPayload struct {
	SessionID string                `json:"session_id"`
	RunID     string                `json:"run_id"`
	Thinking  string                `json:"thinking"`
	NodeIDs   []string              `json:"node_ids"`
	Citations []models.NodeCitation `json:"citations"`
	Timestamp time.Time             `json:"timestamp"`
}

// ChatAnswerDeltaPayload is the payload for chat.answer.delta events.
// Published per streamed fragment; high frequency, safe to drop.
type ChatAnswerDeltaPayload struct {
	SessionID          string    `json:"session_id"`
	RunID              string    `json:"run_id"`
	AssistantMessageID string    `json:"assistant_message_id"`
	Delta              string    `json:"delta"`
	Timestamp          time.Time `json:"timestamp"`
}

// ChatAnswerCompletedPayload is the payload for chat.answer.completed events.
type ChatAnswerCompletedPayload struct {
	SessionID          string                `json:"session_id"`
	RunID              string                `json:"run_id"`
	AssistantMessageID string                `json:"assistant_message_id"`
	Citations          []models.NodeCitation `json:"citations"`
	Timestamp          time.Time             `json:"timestamp"`
}

// ChatRunCompletedPayload is the payload for chat.run.completed events.
type ChatRunCompletedPayload struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRunFailedPayload is the payload for chat.run.failed events.
type ChatRunFailedPayload struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
