package models

import "time"

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// RunStatus is the lifecycle state of one question/answer run.
type RunStatus string

const (
	// RunStatusRunning means the retrieval/answer pipeline is executing.
	RunStatusRunning RunStatus = "RUNNING"
	// RunStatusCompleted means the assistant answer was finalized.
	RunStatusCompleted RunStatus = "COMPLETED"
	// RunStatusFailed means the pipeline errored or was cut off by a restart.
	RunStatusFailed RunStatus = "FAILED"
)

// NodeCitation points an answer back at one node of the indexed document.
// Page bounds are set for PDF sources, line numbers for Markdown.
type NodeCitation struct {
	NodeID     string  `json:"node_id"`
	Title      *string `json:"title"`
	StartIndex *int    `json:"start_index"`
	EndIndex   *int    `json:"end_index"`
	LineNum    *int    `json:"line_num"`
}

// ChatMessage is one user or assistant message in a session transcript.
type ChatMessage struct {
	ID        string         `json:"id"`
	Role      ChatRole       `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Citations []NodeCitation `json:"citations"`
}

// ChatRun records one execution of the retrieval/answer pipeline.
type ChatRun struct {
	ID                 string    `json:"id"`
	Status             RunStatus `json:"status"`
	UserMessageID      string    `json:"user_message_id"`
	AssistantMessageID string    `json:"assistant_message_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	RetrievalThinking  *string   `json:"retrieval_thinking"`
	SelectedNodeIDs    []string  `json:"selected_node_ids"`
	Error              *string   `json:"error"`
}

// ChatSession is the full persisted record of one conversation against a
// completed job's index.
type ChatSession struct {
	ID                 string        `json:"id"`
	JobID              string        `json:"job_id"`
	Title              string        `json:"title"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	MessageCount       int           `json:"message_count"`
	LastMessagePreview *string       `json:"last_message_preview"`
	ActiveRunID        *string       `json:"active_run_id"`
	ActiveRunStatus    *RunStatus    `json:"active_run_status"`
	Messages           []ChatMessage `json:"messages"`
	Runs               []ChatRun     `json:"runs"`
}

// ChatSessionSummary is the list-view projection of a session.
type ChatSessionSummary struct {
	ID                 string     `json:"id"`
	JobID              string     `json:"job_id"`
	Title              string     `json:"title"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	MessageCount       int        `json:"message_count"`
	LastMessagePreview *string    `json:"last_message_preview"`
	ActiveRunID        *string    `json:"active_run_id"`
	ActiveRunStatus    *RunStatus `json:"active_run_status"`
}

// Summary returns the list-view projection of the session.
func (s *ChatSession) Summary() ChatSessionSummary {
	return ChatSessionSummary{
		ID:                 s.ID,
		JobID:              s.JobID,
		Title:              s.Title,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		MessageCount:       s.MessageCount,
		LastMessagePreview: clonePtr(s.LastMessagePreview),
		ActiveRunID:        clonePtr(s.ActiveRunID),
		ActiveRunStatus:    clonePtr(s.ActiveRunStatus),
	}
}

// Clone returns a deep copy safe to hand out while the supervisor keeps
// mutating the original under its lock.
func (s *ChatSession) Clone() *ChatSession {
	cp := *s
	cp.LastMessagePreview = clonePtr(s.LastMessagePreview)
	cp.ActiveRunID = clonePtr(s.ActiveRunID)
	cp.ActiveRunStatus = clonePtr(s.ActiveRunStatus)
	cp.Messages = make([]ChatMessage, len(s.Messages))
	for i, m := range s.Messages {
		m.Citations = append([]NodeCitation(nil), m.Citations...)
		for j, c := range m.Citations {
			m.Citations[j] = c.Clone()
		}
		cp.Messages[i] = m
	}
	cp.Runs = make([]ChatRun, len(s.Runs))
	for i, r := range s.Runs {
		r.RetrievalThinking = clonePtr(r.RetrievalThinking)
		r.Error = clonePtr(r.Error)
		r.SelectedNodeIDs = append([]string(nil), r.SelectedNodeIDs...)
		cp.Runs[i] = r
	}
	return &cp
}

// Clone returns a copy with no shared pointers.
func (c NodeCitation) Clone() NodeCitation {
	cp := c
	cp.Title = clonePtr(c.Title)
	cp.StartIndex = clonePtr(c.StartIndex)
	cp.EndIndex = clonePtr(c.EndIndex)
	cp.LineNum = clonePtr(c.LineNum)
	return cp
}
