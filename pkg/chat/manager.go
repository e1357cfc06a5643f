package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pageindex/pageindex-web/pkg/config"
	"github.com/pageindex/pageindex-web/pkg/events"
	"github.com/pageindex/pageindex-web/pkg/models"
	"github.com/pageindex/pageindex-web/pkg/services"
	"github.com/pageindex/pageindex-web/pkg/store"
)

// JobDirectory is the view of the job supervisor the chat manager needs:
// read-only job lookups for readiness validation.
type JobDirectory interface {
	Get(jobID string) (*models.Job, error)
}

// StartRunResult identifies the entities created by StartMessageRun.
type StartRunResult struct {
	RunID              string `json:"run_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// Manager is the chat supervisor. One mutex guards the session map; the run
// pipeline re-enters it at every transition and performs LLM and file I/O
// outside it so one slow run does not stall other sessions.
type Manager struct {
	mu sync.Mutex
	wg sync.WaitGroup

	cfg    *config.ChatConfig
	store  *store.Store
	broker *events.Broker
	jobs   JobDirectory
	engine *Engine

	sessions map[string]*models.ChatSession
}

// NewManager loads persisted sessions and reconciles runs interrupted by a
// restart.
func NewManager(cfg *config.ChatConfig, st *store.Store, broker *events.Broker, jobs JobDirectory, engine *Engine) (*Manager, error) {
	sessions, err := st.LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted chat sessions: %w", err)
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		jobs:     jobs,
		engine:   engine,
		sessions: sessions,
	}
	if err := m.reconcileStartup(); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcileStartup fails every run left RUNNING by a previous shutdown.
// Called once, before any subscriber exists.
func (m *Manager) reconcileStartup() error {
	for _, session := range m.sessions {
		run := activeRun(session)
		if run == nil || run.Status != models.RunStatusRunning {
			continue
		}
		msg := "Backend restarted while chat run was active"
		run.Status = models.RunStatusFailed
		run.Error = &msg
		run.UpdatedAt = now()
		session.ActiveRunID = nil
		session.UpdatedAt = now()
		if err := m.persist(session); err != nil {
			return fmt.Errorf("failed to reconcile session %s: %w", session.ID, err)
		}
		slog.Warn("Recovered interrupted chat run from previous run",
			"session_id", session.ID,
			"run_id", run.ID)
	}
	return nil
}

// Stop waits for in-flight run pipelines to finish, up to the context
// deadline.
func (m *Manager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ────────────────────────────────────────────────────────────
// Session operations
// ────────────────────────────────────────────────────────────

// CreateSession validates the job is completed with its result on disk, then
// creates an empty session. The title defaults to "Document Chat".
func (m *Manager) CreateSession(jobID string, title *string) (models.ChatSessionSummary, error) {
	if _, _, err := m.validateJobReady(jobID); err != nil {
		return models.ChatSessionSummary{}, err
	}

	name := "Document Chat"
	if title != nil {
		if trimmed := strings.TrimSpace(*title); trimmed != "" {
			name = trimmed
		}
	}

	ts := now()
	session := &models.ChatSession{
		ID:        newID("chat"),
		JobID:     jobID,
		Title:     name,
		CreatedAt: ts,
		UpdatedAt: ts,
		Messages:  []models.ChatMessage{},
		Runs:      []models.ChatRun{},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persist(session); err != nil {
		return models.ChatSessionSummary{}, err
	}
	return session.Summary(), nil
}

// ListSessions returns session summaries for the job, newest update first.
func (m *Manager) ListSessions(jobID string) ([]models.ChatSessionSummary, error) {
	if _, err := m.jobs.Get(jobID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.ChatSession
	for _, session := range m.sessions {
		if session.JobID == jobID {
			list = append(list, session)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	summaries := make([]models.ChatSessionSummary, 0, len(list))
	for _, session := range list {
		summaries = append(summaries, session.Summary())
	}
	return summaries, nil
}

// GetSession returns a deep copy of the session.
func (m *Manager) GetSession(sessionID string) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, services.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// SessionDetail is GetSession under its API name: the detail view is the
// full entity.
func (m *Manager) SessionDetail(sessionID string) (*models.ChatSession, error) {
	return m.GetSession(sessionID)
}

// DeleteSession removes one session. Sessions with a RUNNING run cannot be
// deleted.
func (m *Manager) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return services.ErrSessionNotFound
	}
	if run := activeRun(session); run != nil && run.Status == models.RunStatusRunning {
		return services.NewConflictError("Cannot delete a session while a run is active")
	}
	return m.removeSessionLocked(sessionID)
}

// ClearSessionsForJob removes every session of the job and returns the
// count. The whole batch is rejected when any target has a RUNNING run.
func (m *Manager) ClearSessionsForJob(jobID string) (int, error) {
	if _, err := m.jobs.Get(jobID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var targets []*models.ChatSession
	for _, session := range m.sessions {
		if session.JobID == jobID {
			targets = append(targets, session)
		}
	}
	for _, session := range targets {
		if run := activeRun(session); run != nil && run.Status == models.RunStatusRunning {
			return 0, services.NewConflictError("Cannot clear sessions while a run is active")
		}
	}
	for _, session := range targets {
		if err := m.removeSessionLocked(session.ID); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

func (m *Manager) removeSessionLocked(sessionID string) error {
	delete(m.sessions, sessionID)
	if _, err := m.store.DeleteSession(sessionID); err != nil {
		return err
	}
	return nil
}

// Subscribe registers an event queue on the run's topic.
func (m *Manager) Subscribe(sessionID, runID string) (chan events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, services.ErrSessionNotFound
	}
	return m.broker.Subscribe(events.RunTopic(sessionID, runID)), nil
}

// Unsubscribe removes a queue obtained from Subscribe.
func (m *Manager) Unsubscribe(sessionID, runID string, ch chan events.Event) {
	m.broker.Unsubscribe(events.RunTopic(sessionID, runID), ch)
}

// ────────────────────────────────────────────────────────────
// Message runs
// ────────────────────────────────────────────────────────────

// StartMessageRun appends the user message plus an empty assistant message,
// opens a RUNNING run, and spawns the pipeline goroutine. At most one run
// per session may be active.
func (m *Manager) StartMessageRun(sessionID, content string) (StartRunResult, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return StartRunResult{}, services.NewValidationError("content", "Message content cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return StartRunResult{}, services.ErrSessionNotFound
	}
	if run := activeRun(session); run != nil && run.Status == models.RunStatusRunning {
		return StartRunResult{}, services.NewConflictError("A chat run is already active for this session")
	}
	if _, _, err := m.validateJobReady(session.JobID); err != nil {
		return StartRunResult{}, err
	}

	ts := now()
	userMessage := models.ChatMessage{
		ID:        newID("msg"),
		Role:      models.ChatRoleUser,
		Content:   trimmed,
		CreatedAt: ts,
		Citations: []models.NodeCitation{},
	}
	assistantMessage := models.ChatMessage{
		ID:        newID("msg"),
		Role:      models.ChatRoleAssistant,
		Content:   "",
		CreatedAt: ts,
		Citations: []models.NodeCitation{},
	}
	run := models.ChatRun{
		ID:                 newID("run"),
		Status:             models.RunStatusRunning,
		UserMessageID:      userMessage.ID,
		AssistantMessageID: assistantMessage.ID,
		CreatedAt:          ts,
		UpdatedAt:          ts,
		SelectedNodeIDs:    []string{},
	}

	session.Messages = append(session.Messages, userMessage, assistantMessage)
	session.Runs = append(session.Runs, run)
	runID := run.ID
	session.ActiveRunID = &runID
	session.UpdatedAt = ts
	if err := m.persist(session); err != nil {
		return StartRunResult{}, err
	}

	m.publish(sessionID, run.ID, events.EventChatRunStarted, events.ChatRunStartedPayload{
		SessionID:          sessionID,
		RunID:              run.ID,
		UserMessageID:      userMessage.ID,
		AssistantMessageID: assistantMessage.ID,
		Timestamp:          ts,
	})

	m.wg.Add(1)
	go m.runPipeline(sessionID, run.ID, trimmed)

	return StartRunResult{
		RunID:              run.ID,
		UserMessageID:      userMessage.ID,
		AssistantMessageID: assistantMessage.ID,
	}, nil
}

// runPipeline executes one retrieval/answer run. Errors never propagate out;
// they land on the run as a FAILED status plus a chat.run.failed event.
func (m *Manager) runPipeline(sessionID, runID, query string) {
	defer m.wg.Done()
	if err := m.executePipeline(sessionID, runID, query); err != nil {
		m.failRun(sessionID, runID, err)
	}
}

func (m *Manager) executePipeline(sessionID, runID, query string) error {
	ctx := context.Background()

	// snapshot everything the LLM steps need, then release the lock
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	run := runByID(session, runID)
	if run == nil {
		m.mu.Unlock()
		return nil
	}
	assistantMessageID := run.AssistantMessageID
	var history []models.ChatMessage
	for _, msg := range session.Messages {
		if msg.ID == run.UserMessageID {
			break
		}
		history = append(history, msg)
	}
	job, resultPath, err := m.validateJobReady(session.JobID)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	model := m.cfg.DefaultModel
	if job.Options.Model != nil && strings.TrimSpace(*job.Options.Model) != "" {
		model = *job.Options.Model
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return fmt.Errorf("failed to read result file: %w", err)
	}
	var result struct {
		Structure json.RawMessage `json:"structure"`
	}
	var structure []any
	if err := json.Unmarshal(data, &result); err != nil || json.Unmarshal(result.Structure, &structure) != nil {
		return services.NewValidationError("structure", "Invalid result structure; expected top-level list")
	}

	nodeMap := FlattenTree(structure)
	treePayload := BuildTreePromptPayload(structure)

	thinking, selectedNodeIDs, err := m.engine.SelectNodes(ctx, query, history, treePayload, nodeMap, model)
	if err != nil {
		return err
	}

	m.mu.Lock()
	session, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	run = runByID(session, runID)
	if run == nil {
		m.mu.Unlock()
		return nil
	}
	run.RetrievalThinking = &thinking
	run.SelectedNodeIDs = selectedNodeIDs
	run.UpdatedAt = now()
	if err := m.persist(session); err != nil {
		slog.Error("Failed to persist chat session", "session_id", sessionID, "error", err)
	}
	m.publish(sessionID, runID, events.EventChatRetrievalCompleted, events.ChatRetrievalCompletedPayload{
		SessionID: sessionID,
		RunID:     runID,
		Thinking:  thinking,
		NodeIDs:   selectedNodeIDs,
		Citations: BuildCitations(selectedNodeIDs, nodeMap),
		Timestamp: now(),
	})
	m.mu.Unlock()

	contextNodes, err := m.engine.ContextForNodes(job, selectedNodeIDs, nodeMap)
	if err != nil {
		return err
	}

	onDelta := func(delta string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		sessionInner, ok := m.sessions[sessionID]
		if !ok {
			return
		}
		assistant := messageByID(sessionInner, assistantMessageID)
		if assistant == nil {
			return
		}
		assistant.Content += delta
		sessionInner.UpdatedAt = now()
		m.publish(sessionID, runID, events.EventChatAnswerDelta, events.ChatAnswerDeltaPayload{
			SessionID:          sessionID,
			RunID:              runID,
			AssistantMessageID: assistantMessageID,
			Delta:              delta,
			Timestamp:          now(),
		})
	}

	finalAnswer, err := m.engine.StreamAnswer(ctx, query, history, contextNodes, model, onDelta)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok = m.sessions[sessionID]
	if !ok {
		return nil
	}
	run = runByID(session, runID)
	assistant := messageByID(session, assistantMessageID)
	if run == nil || assistant == nil {
		return nil
	}

	assistant.Content = finalAnswer
	assistant.Citations = BuildCitations(selectedNodeIDs, nodeMap)
	run.Status = models.RunStatusCompleted
	run.UpdatedAt = now()
	session.ActiveRunID = nil
	session.UpdatedAt = now()
	if err := m.persist(session); err != nil {
		slog.Error("Failed to persist chat session", "session_id", sessionID, "error", err)
	}

	m.publish(sessionID, runID, events.EventChatAnswerCompleted, events.ChatAnswerCompletedPayload{
		SessionID:          sessionID,
		RunID:              runID,
		AssistantMessageID: assistant.ID,
		Citations:          assistant.Citations,
		Timestamp:          now(),
	})
	m.publish(sessionID, runID, events.EventChatRunCompleted, events.ChatRunCompletedPayload{
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: now(),
	})
	return nil
}

// failRun records a pipeline failure on the run and emits chat.run.failed.
func (m *Manager) failRun(sessionID, runID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	errMsg := cause.Error()
	if session, ok := m.sessions[sessionID]; ok {
		if run := runByID(session, runID); run != nil {
			run.Status = models.RunStatusFailed
			run.Error = &errMsg
			run.UpdatedAt = now()
			session.ActiveRunID = nil
			session.UpdatedAt = now()
			if err := m.persist(session); err != nil {
				slog.Error("Failed to persist chat session", "session_id", sessionID, "error", err)
			}
		}
	}
	m.publish(sessionID, runID, events.EventChatRunFailed, events.ChatRunFailedPayload{
		SessionID: sessionID,
		RunID:     runID,
		Error:     errMsg,
		Timestamp: now(),
	})
	slog.Warn("Chat run failed", "session_id", sessionID, "run_id", runID, "error", errMsg)
}

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

// validateJobReady checks the session's job is COMPLETED with the result
// file still on disk, returning the job and the result path.
func (m *Manager) validateJobReady(jobID string) (*models.Job, string, error) {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		return nil, "", err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, "", services.NewConflictError("Chat is only available for completed jobs")
	}
	if job.ResultFile == nil || *job.ResultFile == "" {
		return nil, "", services.NewNotFoundError("Result file not available for this job")
	}
	if _, err := os.Stat(*job.ResultFile); err != nil {
		return nil, "", services.NewNotFoundError("Result file is missing on disk")
	}
	return job, *job.ResultFile, nil
}

// persist recomputes the denormalised session fields and saves the document.
// Callers hold the manager lock.
func (m *Manager) persist(session *models.ChatSession) error {
	session.MessageCount = len(session.Messages)
	session.LastMessagePreview = nil
	if n := len(session.Messages); n > 0 {
		preview := clipRunes(strings.TrimSpace(session.Messages[n-1].Content), 140)
		if preview != "" {
			session.LastMessagePreview = &preview
		}
	}
	session.ActiveRunStatus = nil
	if run := activeRun(session); run != nil {
		status := run.Status
		session.ActiveRunStatus = &status
	}
	m.sessions[session.ID] = session
	return m.store.SaveSession(session)
}

func (m *Manager) publish(sessionID, runID, name string, data any) {
	m.broker.Publish(events.RunTopic(sessionID, runID), events.Event{Name: name, Data: data})
}

func activeRun(session *models.ChatSession) *models.ChatRun {
	if session.ActiveRunID == nil {
		return nil
	}
	return runByID(session, *session.ActiveRunID)
}

func runByID(session *models.ChatSession, runID string) *models.ChatRun {
	for i := range session.Runs {
		if session.Runs[i].ID == runID {
			return &session.Runs[i]
		}
	}
	return nil
}

func messageByID(session *models.ChatSession, messageID string) *models.ChatMessage {
	for i := range session.Messages {
		if session.Messages[i].ID == messageID {
			return &session.Messages[i]
		}
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func newID(prefix string) string {
	u := uuid.New()
	token := fmt.Sprintf("%x", u[:])[:12]
	if prefix == "" {
		return token
	}
	return prefix + "_" + token
}
