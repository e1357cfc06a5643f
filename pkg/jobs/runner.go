package jobs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pageindex/pageindex-web/pkg/models"
	"github.com/pageindex/pageindex-web/pkg/progress"
)

// runningProc tracks one live indexer subprocess. done closes once the
// process has been reaped; cancelDone closes once a cancel request has
// finished recording the CANCELLED status.
type runningProc struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int

	// guarded by Manager.mu
	cancelRequested bool
	cancelDone      chan struct{}
}

func (p *runningProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *runningProc) terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *runningProc) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Stop waits for in-flight run goroutines to finish, up to the context
// deadline. Used during graceful shutdown; interrupted jobs are recovered by
// the startup reconciliation on the next boot.
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

// buildCommand assembles the indexer argv in a stable flag order. Unset
// options are omitted.
func (m *Manager) buildCommand(job *models.Job) []string {
	cmd := []string{m.cfg.PythonInterpreter, filepath.Join(m.cfg.RootDir, m.cfg.ScriptName)}
	if job.InputType == models.InputTypePDF {
		cmd = append(cmd, "--pdf_path", job.InputPath)
	} else {
		cmd = append(cmd, "--md_path", job.InputPath)
	}

	appendStr := func(flag string, v *string) {
		if v != nil && *v != "" {
			cmd = append(cmd, flag, *v)
		}
	}
	appendInt := func(flag string, v *int) {
		if v != nil {
			cmd = append(cmd, flag, fmt.Sprintf("%d", *v))
		}
	}

	opts := job.Options
	appendStr("--model", opts.Model)
	appendInt("--toc-check-pages", opts.TOCCheckPages)
	appendInt("--max-pages-per-node", opts.MaxPagesPerNode)
	appendInt("--max-tokens-per-node", opts.MaxTokensPerNode)
	appendStr("--if-add-node-id", opts.IfAddNodeID)
	appendStr("--if-add-node-summary", opts.IfAddNodeSummary)
	appendStr("--if-add-doc-description", opts.IfAddDocDescription)
	appendStr("--if-add-node-text", opts.IfAddNodeText)
	appendStr("--if-thinning", opts.IfThinning)
	appendInt("--thinning-threshold", opts.ThinningThreshold)
	appendInt("--summary-token-threshold", opts.SummaryTokenThreshold)

	return cmd
}

// snapshotLogNames lists the *.json files currently in the logs directory so
// the detector can tell a fresh log apart from leftovers of earlier runs.
func (m *Manager) snapshotLogNames() map[string]bool {
	names := make(map[string]bool)
	files, err := filepath.Glob(filepath.Join(m.logsDir, "*.json"))
	if err != nil {
		return names
	}
	for _, file := range files {
		names[filepath.Base(file)] = true
	}
	return names
}

// detectLogFile polls the logs directory until a new *.json file appears or
// the deadline passes. Once the process has exited it allows a short fixed
// number of extra checks so a log written right before exit is still picked
// up.
func (m *Manager) detectLogFile(before map[string]bool, rp *runningProc) string {
	deadline := time.Now().Add(m.cfg.LogDetectTimeout)
	postExitChecks := 0
	for time.Now().Before(deadline) {
		files, err := filepath.Glob(filepath.Join(m.logsDir, "*.json"))
		if err == nil {
			var fresh []string
			for _, file := range files {
				if !before[filepath.Base(file)] {
					fresh = append(fresh, filepath.Base(file))
				}
			}
			if len(fresh) > 0 {
				sort.Strings(fresh)
				return filepath.Join(m.logsDir, fresh[len(fresh)-1])
			}
		}
		if rp.exited() {
			postExitChecks++
			if postExitChecks >= m.cfg.PostExitDetectChecks {
				return ""
			}
		}
		time.Sleep(m.cfg.LogDetectInterval)
	}
	return ""
}

// runJob drives one subprocess from launch to a terminal status. It runs in
// its own goroutine; every mutation of the job happens under the manager
// lock, while process waits and sleeps happen outside it.
func (m *Manager) runJob(jobID string) {
	defer m.wg.Done()

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	before := m.snapshotLogNames()
	argv := m.buildCommand(job)

	job.Status = models.JobStatusRunning
	job.UpdatedAt = now()
	m.appendActivity(job, models.ActivitySourceSystem, "Launching: "+strings.Join(argv, " "))
	m.persist(job)
	m.emitUpdate(job)
	m.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = m.cfg.RootDir
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
			if err == nil {
				m.superviseProcess(jobID, job, cmd, stdout, stderr, before)
				return
			}
		}
	}

	m.mu.Lock()
	m.finalize(job, models.JobStatusFailed, fmt.Sprintf("Failed to launch indexer: %v", err))
	if m.activeJobID == jobID {
		m.activeJobID = ""
	}
	m.mu.Unlock()
}

func (m *Manager) superviseProcess(jobID string, job *models.Job, cmd *exec.Cmd, stdout, stderr io.ReadCloser, beforeLogs map[string]bool) {
	rp := &runningProc{
		cmd:        cmd,
		done:       make(chan struct{}),
		cancelDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[jobID] = rp
	pid := cmd.Process.Pid
	job.PID = &pid
	job.UpdatedAt = now()
	m.persist(job)
	m.emitUpdate(job)
	m.mu.Unlock()

	var consumers sync.WaitGroup
	consumers.Add(2)
	go m.consumeStream(jobID, stdout, models.ActivitySourceStdout, &consumers)
	go m.consumeStream(jobID, stderr, models.ActivitySourceStderr, &consumers)

	// Reap in the background so the log detector can observe process exit
	// while it polls.
	go func() {
		consumers.Wait()
		rp.exitCode = 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				rp.exitCode = exitErr.ExitCode()
			} else {
				rp.exitCode = -1
			}
		}
		close(rp.done)
	}()

	var logConsumer sync.WaitGroup
	if logFile := m.detectLogFile(beforeLogs, rp); logFile != "" {
		if abs, err := filepath.Abs(logFile); err == nil {
			logFile = abs
		}
		m.mu.Lock()
		job.LogFile = &logFile
		job.UpdatedAt = now()
		m.appendActivity(job, models.ActivitySourceSystem, "Attached log file: "+logFile)
		m.persist(job)
		m.emitUpdate(job)
		m.mu.Unlock()

		logConsumer.Add(1)
		go m.consumeLogFile(jobID, logFile, rp, &logConsumer)
	}

	<-rp.done
	logConsumer.Wait()

	m.mu.Lock()
	delete(m.procs, jobID)
	cancelled := rp.cancelRequested || job.Status == models.JobStatusCancelled
	m.mu.Unlock()

	if cancelled {
		// let the cancel request finish recording CANCELLED first
		<-rp.cancelDone
		m.mu.Lock()
		if m.activeJobID == jobID {
			m.activeJobID = ""
		}
		m.persist(job)
		m.emitUpdate(job)
		m.mu.Unlock()
		return
	}

	m.finalizeRun(jobID, job, rp.exitCode)
}

// finalizeRun settles the terminal status once the subprocess has been
// reaped and all consumers drained.
func (m *Manager) finalizeRun(jobID string, job *models.Job, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ResultFile == nil {
		stem := strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
		expected := filepath.Join(m.resultsDir, stem+"_structure.json")
		if abs, err := filepath.Abs(expected); err == nil {
			expected = abs
		}
		if fileExists(expected) {
			job.ResultFile = &expected
		}
	}

	if exitCode == 0 && job.ResultFile != nil && fileExists(*job.ResultFile) {
		m.advanceStage(job, models.StageFinalizing, true, "subprocess exited successfully")
		m.finalize(job, models.JobStatusCompleted, "")
	} else {
		var errMsg string
		switch {
		case job.Error != nil && *job.Error != "":
			errMsg = *job.Error
		case lastStderrLine(job.StdoutTail) != "":
			errMsg = lastStderrLine(job.StdoutTail)
		case exitCode != 0:
			errMsg = fmt.Sprintf("Process exited with code %d", exitCode)
		default:
			errMsg = "Process completed but no result file was found"
		}
		m.finalize(job, models.JobStatusFailed, errMsg)
	}

	if m.activeJobID == jobID {
		m.activeJobID = ""
	}
}

func lastStderrLine(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if strings.HasPrefix(tail[i], "[stderr]") {
			return tail[i]
		}
	}
	return ""
}

// consumeStream reads one subprocess pipe line by line, feeding the stdout
// tail, the activity feed, the stage classifier, and the result-file sniffer.
func (m *Manager) consumeStream(jobID string, r io.Reader, source models.ActivitySource, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		m.mu.Lock()
		job, ok := m.jobs[jobID]
		if !ok {
			m.mu.Unlock()
			return
		}
		m.appendStdoutTail(job, source, line)
		m.appendActivity(job, source, line)
		stage, matched := progress.StageFromText(line)
		m.advanceStage(job, stage, matched, "signal from "+string(source))

		if strings.Contains(strings.ToLower(line), "tree structure saved to:") {
			// split on the first ":" of the raw line; paths containing a
			// colon before the token are not supported
			if idx := strings.Index(line, ":"); idx >= 0 {
				if rel := strings.TrimSpace(line[idx+1:]); rel != "" {
					path := rel
					if !filepath.IsAbs(path) {
						path = filepath.Join(m.cfg.RootDir, path)
					}
					if abs, err := filepath.Abs(path); err == nil {
						path = abs
					}
					job.ResultFile = &path
				}
			}
		}

		job.UpdatedAt = now()
		m.persist(job)
		m.emitUpdate(job)
		m.mu.Unlock()
	}
}

// consumeLogFile re-reads the growing JSON-array log on a fixed cadence,
// processing only entries past the cursor. After the subprocess exits it
// keeps polling a few more times so trailing entries are not lost.
func (m *Manager) consumeLogFile(jobID, logFile string, rp *runningProc, wg *sync.WaitGroup) {
	defer wg.Done()

	parsedCount := 0
	postExitPolls := 0
	for {
		if data, err := os.ReadFile(logFile); err == nil {
			var entries []any
			if err := json.Unmarshal(data, &entries); err == nil && len(entries) > parsedCount {
				fresh := entries[parsedCount:]
				parsedCount = len(entries)

				m.mu.Lock()
				job, ok := m.jobs[jobID]
				if !ok {
					m.mu.Unlock()
					return
				}
				for _, entry := range fresh {
					stage, matched := progress.StageFromLogEntry(entry)
					m.appendActivity(job, models.ActivitySourceLog, logEntryMessage(entry))
					m.advanceStage(job, stage, matched, "signal from log")
				}
				job.UpdatedAt = now()
				m.persist(job)
				m.emitUpdate(job)
				m.mu.Unlock()
			}
		}

		if rp.exited() {
			postExitPolls++
			if postExitPolls >= m.cfg.PostExitLogPolls {
				return
			}
		}
		time.Sleep(m.cfg.LogPollInterval)
	}
}

func logEntryMessage(entry any) string {
	if obj, ok := entry.(map[string]any); ok {
		if raw, err := json.Marshal(obj); err == nil {
			return string(raw)
		}
	}
	return fmt.Sprint(entry)
}
