// Package events fans job and chat lifecycle events out to SSE subscribers.
// Each subscriber owns a bounded queue; a slow consumer loses events instead
// of blocking the publisher. Clients are expected to rehydrate from the
// detail endpoints after a reconnect.
package events

// Job event names, published to the job's topic.
const (
	// EventJobUpdate carries a full job snapshot after any state change.
	EventJobUpdate = "job.update"
	// EventJobActivity carries one newly appended activity entry.
	EventJobActivity = "job.activity"
	// EventJobError carries the error recorded on a failed job.
	EventJobError = "job.error"
	// EventJobCompleted marks a successful finish along with the result path.
	EventJobCompleted = "job.completed"
)

// Chat run event names, published to the run's topic.
const (
	EventChatRunStarted         = "chat.run.started"
	EventChatRetrievalCompleted = "chat.retrieval.completed"
	EventChatAnswerDelta        = "chat.answer.delta"
	EventChatAnswerCompleted    = "chat.answer.completed"
	EventChatRunCompleted       = "chat.run.completed"
	EventChatRunFailed          = "chat.run.failed"
)

// JobTopic returns the topic name carrying one job's events.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// RunTopic returns the topic name carrying one chat run's events.
func RunTopic(sessionID, runID string) string {
	return "run:" + sessionID + ":" + runID
}

// Event is one named payload delivered to subscribers of a topic.
type Event struct {
	Name string
	Data any
}
