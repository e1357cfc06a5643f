// Package jobs runs document indexing jobs: one active subprocess at a time,
// supervised for stage progress, bounded output capture, and deterministic
// terminal states.
package jobs

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pageindex/pageindex-web/pkg/config"
	"github.com/pageindex/pageindex-web/pkg/events"
	"github.com/pageindex/pageindex-web/pkg/models"
	"github.com/pageindex/pageindex-web/pkg/progress"
	"github.com/pageindex/pageindex-web/pkg/services"
	"github.com/pageindex/pageindex-web/pkg/store"
)

// ────────────────────────────────────────────────────────────
// Manager
// ────────────────────────────────────────────────────────────

// Manager is the job supervisor. One mutex guards all job state; the run
// goroutines take it per line of subprocess output, so API reads interleave
// with consumption instead of waiting for the process to finish.
type Manager struct {
	mu sync.Mutex
	wg sync.WaitGroup

	cfg    *config.JobsConfig
	store  *store.Store
	broker *events.Broker

	logsDir    string
	resultsDir string

	jobs        map[string]*models.Job
	procs       map[string]*runningProc
	activeJobID string
}

// NewManager loads persisted jobs, reconciles ones interrupted by a restart,
// and prepares the logs/ and results/ directories.
func NewManager(cfg *config.JobsConfig, st *store.Store, broker *events.Broker) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		store:      st,
		broker:     broker,
		logsDir:    filepath.Join(cfg.RootDir, "logs"),
		resultsDir: filepath.Join(cfg.RootDir, "results"),
		procs:      make(map[string]*runningProc),
	}
	for _, dir := range []string{m.logsDir, m.resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	jobs, err := st.LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted jobs: %w", err)
	}
	m.jobs = jobs

	if err := m.reconcileStartup(); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcileStartup converts jobs stuck in a non-terminal state by a previous
// shutdown into FAILED. Called once, before any subscriber exists.
func (m *Manager) reconcileStartup() error {
	for _, job := range m.jobs {
		var msg string
		switch job.Status {
		case models.JobStatusRunning:
			msg = "Backend restarted while job was running"
		case models.JobStatusQueued:
			msg = "Backend restarted while job was queued"
		default:
			continue
		}
		previous := job.Status
		job.Status = models.JobStatusFailed
		job.Error = &msg
		job.UpdatedAt = now()
		if err := m.store.SaveJob(job); err != nil {
			return fmt.Errorf("failed to reconcile job %s: %w", job.ID, err)
		}
		slog.Warn("Recovered interrupted job from previous run",
			"job_id", job.ID,
			"previous_status", previous)
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Public operations
// ────────────────────────────────────────────────────────────

// Create validates and stores the upload, persists a QUEUED job, claims the
// active slot, and spawns the run goroutine. Only one non-terminal job may
// exist at a time.
func (m *Manager) Create(filename string, src io.Reader, inputType models.InputType, opts models.JobOptions) (*models.Job, error) {
	if filename == "" {
		filename = "document"
	}
	if !inputType.IsValid() {
		return nil, services.NewValidationError("input_type", "input_type must be 'pdf' or 'md'")
	}
	safeName := safeFilename(filename)
	suffix := strings.ToLower(filepath.Ext(safeName))
	if inputType == models.InputTypePDF && suffix != ".pdf" {
		return nil, services.NewValidationError("file", "input_type=pdf requires a .pdf file")
	}
	if inputType == models.InputTypeMarkdown && suffix != ".md" && suffix != ".markdown" {
		return nil, services.NewValidationError("file", "input_type=md requires a .md or .markdown file")
	}
	opts.Clean()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeJobID != "" {
		if active := m.jobs[m.activeJobID]; active != nil && !active.Status.IsTerminal() {
			return nil, services.NewConflictError("A job is already running")
		}
	}

	jobID := newID()
	inputPath := filepath.Join(m.store.UploadsDir(), jobID+"_"+safeName)
	if err := streamToFile(src, inputPath, m.cfg.UploadChunkSize); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if abs, err := filepath.Abs(inputPath); err == nil {
		inputPath = abs
	}

	ts := now()
	job := &models.Job{
		ID:         jobID,
		Filename:   filename,
		InputType:  inputType,
		Status:     models.JobStatusQueued,
		Stage:      models.StageQueued,
		Progress:   progress.StageProgress[models.StageQueued],
		CreatedAt:  ts,
		UpdatedAt:  ts,
		Options:    opts,
		InputPath:  inputPath,
		StdoutTail: []string{},
		Activity:   []models.ActivityItem{},
	}
	m.appendActivity(job, models.ActivitySourceSystem, "Job created")
	m.jobs[jobID] = job
	if err := m.store.SaveJob(job); err != nil {
		delete(m.jobs, jobID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	m.activeJobID = jobID
	m.emitUpdate(job)

	m.wg.Add(1)
	go m.runJob(jobID)

	return job.Clone(), nil
}

// Get returns a deep copy of the job.
func (m *Manager) Get(jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, services.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns deep copies of all jobs, newest first.
func (m *Manager) List() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		list = append(list, job.Clone())
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Cancel stops the job's subprocess: terminate, bounded grace, then kill.
// It is idempotent and a no-op beyond returning the current state when the
// process already exited.
func (m *Manager) Cancel(jobID string) (*models.Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, services.ErrJobNotFound
	}
	rp := m.procs[jobID]
	if rp == nil || rp.exited() {
		clone := job.Clone()
		m.mu.Unlock()
		return clone, nil
	}
	joining := rp.cancelRequested
	rp.cancelRequested = true
	m.mu.Unlock()

	if joining {
		// another cancel is already driving the shutdown
		<-rp.cancelDone
		return m.Get(jobID)
	}

	rp.terminate()
	select {
	case <-rp.done:
	case <-time.After(m.cfg.CancelGracePeriod):
		rp.kill()
		<-rp.done
	}

	m.mu.Lock()
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = now()
	m.appendActivity(job, models.ActivitySourceSystem, "Job cancelled by user")
	m.persist(job)
	m.emitUpdate(job)
	if m.activeJobID == jobID {
		m.activeJobID = ""
	}
	clone := job.Clone()
	m.mu.Unlock()
	close(rp.cancelDone)

	return clone, nil
}

// ResultPath returns the absolute path of the job's result file, verifying
// it still exists on disk.
func (m *Manager) ResultPath(jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return "", services.ErrJobNotFound
	}
	if job.ResultFile == nil || *job.ResultFile == "" {
		return "", services.NewNotFoundError("Result file not available")
	}
	if !fileExists(*job.ResultFile) {
		return "", services.NewNotFoundError("Result file missing")
	}
	return *job.ResultFile, nil
}

// Subscribe registers an event queue on the job's topic and publishes a
// job.update snapshot so new subscribers render without a separate fetch.
func (m *Manager) Subscribe(jobID string) (chan events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, services.ErrJobNotFound
	}
	ch := m.broker.Subscribe(events.JobTopic(jobID))
	m.emitUpdate(job)
	return ch, nil
}

// Unsubscribe removes a queue obtained from Subscribe.
func (m *Manager) Unsubscribe(jobID string, ch chan events.Event) {
	m.broker.Unsubscribe(events.JobTopic(jobID), ch)
}

// ────────────────────────────────────────────────────────────
// State helpers (all require m.mu)
// ────────────────────────────────────────────────────────────

// persist saves the job, logging instead of failing: the in-memory record
// stays authoritative for the supervisor even when the disk write misses.
func (m *Manager) persist(job *models.Job) {
	m.jobs[job.ID] = job
	if err := m.store.SaveJob(job); err != nil {
		slog.Error("Failed to persist job", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) emitUpdate(job *models.Job) {
	m.broker.Publish(events.JobTopic(job.ID), events.Event{
		Name: events.EventJobUpdate,
		Data: events.JobUpdatePayload{Job: job.Clone()},
	})
}

func (m *Manager) appendStdoutTail(job *models.Job, source models.ActivitySource, message string) {
	job.StdoutTail = append(job.StdoutTail, fmt.Sprintf("[%s] %s", source, message))
	if len(job.StdoutTail) > m.cfg.StdoutTailLimit {
		job.StdoutTail = job.StdoutTail[len(job.StdoutTail)-m.cfg.StdoutTailLimit:]
	}
}

func (m *Manager) appendActivity(job *models.Job, source models.ActivitySource, message string) {
	item := models.ActivityItem{Timestamp: now(), Source: source, Message: message}
	job.Activity = append(job.Activity, item)
	if len(job.Activity) > m.cfg.ActivityLimit {
		job.Activity = job.Activity[len(job.Activity)-m.cfg.ActivityLimit:]
	}
	m.broker.Publish(events.JobTopic(job.ID), events.Event{
		Name: events.EventJobActivity,
		Data: events.JobActivityPayload{JobID: job.ID, Activity: item},
	})
}

// advanceStage moves the job forward when the candidate stage strictly
// outranks the current one. Stages never move backwards.
func (m *Manager) advanceStage(job *models.Job, stage models.JobStage, ok bool, reason string) bool {
	if !ok {
		return false
	}
	if progress.StageRank(stage) <= progress.StageRank(job.Stage) {
		return false
	}
	job.Stage = stage
	job.Progress = progress.StageProgress[stage]
	job.UpdatedAt = now()
	m.appendActivity(job, models.ActivitySourceSystem, fmt.Sprintf("Stage -> %s: %s", stage, reason))
	m.persist(job)
	m.emitUpdate(job)
	return true
}

// finalize records the terminal status and emits the closing event sequence:
// job.error (failures) or job.completed (success), then job.update.
func (m *Manager) finalize(job *models.Job, status models.JobStatus, errMsg string) {
	job.Status = status
	job.UpdatedAt = now()
	if errMsg != "" {
		job.Error = &errMsg
		m.broker.Publish(events.JobTopic(job.ID), events.Event{
			Name: events.EventJobError,
			Data: events.JobErrorPayload{JobID: job.ID, Error: errMsg, Timestamp: now()},
		})
	}
	if status == models.JobStatusCompleted {
		job.Stage = models.StageCompleted
		job.Progress = progress.StageProgress[models.StageCompleted]
	}
	m.persist(job)
	if status == models.JobStatusCompleted {
		var resultFile *string
		if job.ResultFile != nil {
			rf := *job.ResultFile
			resultFile = &rf
		}
		m.broker.Publish(events.JobTopic(job.ID), events.Event{
			Name: events.EventJobCompleted,
			Data: events.JobCompletedPayload{JobID: job.ID, Timestamp: now(), ResultFile: resultFile},
		})
	}
	m.emitUpdate(job)
}

// ────────────────────────────────────────────────────────────
// Small utilities
// ────────────────────────────────────────────────────────────

func now() time.Time {
	return time.Now().UTC()
}

func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:12]
}

// safeFilename keeps letters, digits, and "-_.", maps spaces and slashes to
// underscores, drops everything else, and trims stray "." and "_" from both
// ends. Empty results fall back to "document".
func safeFilename(name string) string {
	var b strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '-' || ch == '_' || ch == '.':
			b.WriteRune(ch)
		case ch == ' ' || ch == '/':
			b.WriteRune('_')
		}
	}
	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		return "document"
	}
	return cleaned
}

func streamToFile(src io.Reader, path string, chunkSize int) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return err
	}
	return dst.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
