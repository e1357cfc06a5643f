// Package store persists jobs and chat sessions as one JSON document per
// entity under <root>/.pageindex-web/. Every write lands in a temp file that
// is renamed into place, so a crash never leaves a truncated document behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pageindex/pageindex-web/pkg/models"
)

// Store owns the on-disk state layout: jobs/, chats/, and uploads/ under the
// .pageindex-web directory.
type Store struct {
	baseDir    string
	jobsDir    string
	chatsDir   string
	uploadsDir string
}

// New creates the directory layout under root and returns the store.
func New(root string) (*Store, error) {
	s := &Store{baseDir: filepath.Join(root, ".pageindex-web")}
	s.jobsDir = filepath.Join(s.baseDir, "jobs")
	s.chatsDir = filepath.Join(s.baseDir, "chats")
	s.uploadsDir = filepath.Join(s.baseDir, "uploads")
	for _, dir := range []string{s.jobsDir, s.chatsDir, s.uploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// UploadsDir returns the directory uploaded input files are streamed into.
func (s *Store) UploadsDir() string {
	return s.uploadsDir
}

func (s *Store) jobFile(jobID string) string {
	return filepath.Join(s.jobsDir, jobID+".json")
}

func (s *Store) chatFile(sessionID string) string {
	return filepath.Join(s.chatsDir, sessionID+".json")
}

// SaveJob writes the full job document atomically.
func (s *Store) SaveJob(job *models.Job) error {
	return writeEntity(s.jobFile(job.ID), job)
}

// LoadJobs reads every persisted job, keyed by ID.
func (s *Store) LoadJobs() (map[string]*models.Job, error) {
	files, err := filepath.Glob(filepath.Join(s.jobsDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}
	jobs := make(map[string]*models.Job, len(files))
	for _, file := range files {
		var job models.Job
		if err := readEntity(file, &job); err != nil {
			return nil, err
		}
		jobs[job.ID] = &job
	}
	return jobs, nil
}

// SaveSession writes the full chat session document atomically.
func (s *Store) SaveSession(session *models.ChatSession) error {
	return writeEntity(s.chatFile(session.ID), session)
}

// LoadSessions reads every persisted chat session, keyed by ID.
func (s *Store) LoadSessions() (map[string]*models.ChatSession, error) {
	files, err := filepath.Glob(filepath.Join(s.chatsDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list chat session files: %w", err)
	}
	sessions := make(map[string]*models.ChatSession, len(files))
	for _, file := range files {
		var session models.ChatSession
		if err := readEntity(file, &session); err != nil {
			return nil, err
		}
		sessions[session.ID] = &session
	}
	return sessions, nil
}

// DeleteSession removes a persisted session file. It reports false when the
// file was already gone.
func (s *Store) DeleteSession(sessionID string) (bool, error) {
	err := os.Remove(s.chatFile(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete chat session file: %w", err)
	}
	return true, nil
}

func writeEntity(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", tmp, err)
	}
	return nil
}

func readEntity(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
