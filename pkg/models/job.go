// Package models defines the persisted entities and wire types shared by the
// job and chat supervisors: indexing jobs, activity entries, chat sessions,
// messages, runs, and citations.
package models

import (
	"strings"
	"time"
)

// InputType identifies the kind of document an indexing job consumes.
type InputType string

const (
	// InputTypePDF indexes a PDF document.
	InputTypePDF InputType = "pdf"
	// InputTypeMarkdown indexes a Markdown document.
	InputTypeMarkdown InputType = "md"
)

// IsValid checks if the input type is a recognized value
func (t InputType) IsValid() bool {
	switch t {
	case InputTypePDF, InputTypeMarkdown:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of an indexing job.
type JobStatus string

const (
	// JobStatusQueued means the job exists but its subprocess has not started.
	JobStatusQueued JobStatus = "QUEUED"
	// JobStatusRunning means the indexer subprocess is executing.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusCompleted means the subprocess exited 0 and left a result file.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed means the subprocess failed or produced no result.
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusCancelled means the job was stopped by a cancel request.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobStage is the coarse indexing phase inferred from subprocess output.
// Stages only move forward; ordering and progress anchors live in pkg/progress.
type JobStage string

const (
	StageQueued        JobStage = "QUEUED"
	StageParsingInput  JobStage = "PARSING_INPUT"
	StageTOCAnalysis   JobStage = "TOC_ANALYSIS"
	StageIndexBuild    JobStage = "INDEX_BUILD"
	StageRefinement    JobStage = "REFINEMENT"
	StageSummarization JobStage = "SUMMARIZATION"
	StageFinalizing    JobStage = "FINALIZING"
	StageCompleted     JobStage = "COMPLETED"
)

// ActivitySource identifies which stream produced an activity entry.
type ActivitySource string

const (
	ActivitySourceStdout ActivitySource = "stdout"
	ActivitySourceStderr ActivitySource = "stderr"
	ActivitySourceLog    ActivitySource = "log"
	ActivitySourceSystem ActivitySource = "system"
)

// ActivityItem is one line of a job's bounded recent-activity feed.
type ActivityItem struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    ActivitySource `json:"source"`
	Message   string         `json:"message"`
}

// JobOptions carries the optional tuning flags forwarded to the indexer
// command line. Nil fields are omitted from both persistence and the command.
type JobOptions struct {
	Model                 *string `json:"model,omitempty"`
	TOCCheckPages         *int    `json:"toc_check_pages,omitempty"`
	MaxPagesPerNode       *int    `json:"max_pages_per_node,omitempty"`
	MaxTokensPerNode      *int    `json:"max_tokens_per_node,omitempty"`
	IfAddNodeID           *string `json:"if_add_node_id,omitempty"`           // "yes" or "no"
	IfAddNodeSummary      *string `json:"if_add_node_summary,omitempty"`      // "yes" or "no"
	IfAddDocDescription   *string `json:"if_add_doc_description,omitempty"`   // "yes" or "no"
	IfAddNodeText         *string `json:"if_add_node_text,omitempty"`         // "yes" or "no"
	IfThinning            *string `json:"if_thinning,omitempty"`              // "yes" or "no"
	ThinningThreshold     *int    `json:"thinning_threshold,omitempty"`
	SummaryTokenThreshold *int    `json:"summary_token_threshold,omitempty"`
}

// Clean drops blank string fields so stored options only carry real values.
func (o *JobOptions) Clean() {
	for _, p := range []**string{&o.Model, &o.IfAddNodeID, &o.IfAddNodeSummary, &o.IfAddDocDescription, &o.IfAddNodeText, &o.IfThinning} {
		if *p != nil && strings.TrimSpace(**p) == "" {
			*p = nil
		}
	}
}

// Clone returns a copy with no shared pointers.
func (o JobOptions) Clone() JobOptions {
	cp := o
	cp.Model = clonePtr(o.Model)
	cp.TOCCheckPages = clonePtr(o.TOCCheckPages)
	cp.MaxPagesPerNode = clonePtr(o.MaxPagesPerNode)
	cp.MaxTokensPerNode = clonePtr(o.MaxTokensPerNode)
	cp.IfAddNodeID = clonePtr(o.IfAddNodeID)
	cp.IfAddNodeSummary = clonePtr(o.IfAddNodeSummary)
	cp.IfAddDocDescription = clonePtr(o.IfAddDocDescription)
	cp.IfAddNodeText = clonePtr(o.IfAddNodeText)
	cp.IfThinning = clonePtr(o.IfThinning)
	cp.ThinningThreshold = clonePtr(o.ThinningThreshold)
	cp.SummaryTokenThreshold = clonePtr(o.SummaryTokenThreshold)
	return cp
}

// Job is the full persisted record of one indexing run.
type Job struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	InputType  InputType      `json:"input_type"`
	Status     JobStatus      `json:"status"`
	Stage      JobStage       `json:"stage"`
	Progress   float64        `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Options    JobOptions     `json:"options"`
	InputPath  string         `json:"input_path"`
	LogFile    *string        `json:"log_file"`
	ResultFile *string        `json:"result_file"`
	Error      *string        `json:"error"`
	StdoutTail []string       `json:"stdout_tail"`
	Activity   []ActivityItem `json:"activity"`
	PID        *int           `json:"pid"`
}

// JobSummary is the list-view projection of a job.
type JobSummary struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	InputType InputType `json:"input_type"`
	Status    JobStatus `json:"status"`
	Stage     JobStage  `json:"stage"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the list-view projection of the job.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		Filename:  j.Filename,
		InputType: j.InputType,
		Status:    j.Status,
		Stage:     j.Stage,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// Clone returns a deep copy safe to hand out while the supervisor keeps
// mutating the original under its lock.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Options = j.Options.Clone()
	cp.LogFile = clonePtr(j.LogFile)
	cp.ResultFile = clonePtr(j.ResultFile)
	cp.Error = clonePtr(j.Error)
	cp.PID = clonePtr(j.PID)
	cp.StdoutTail = append([]string(nil), j.StdoutTail...)
	cp.Activity = append([]ActivityItem(nil), j.Activity...)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
