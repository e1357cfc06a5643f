package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageindex/pageindex-web/pkg/config"
	"github.com/pageindex/pageindex-web/pkg/events"
	"github.com/pageindex/pageindex-web/pkg/models"
	"github.com/pageindex/pageindex-web/pkg/progress"
	"github.com/pageindex/pageindex-web/pkg/services"
	"github.com/pageindex/pageindex-web/pkg/store"
)

// fastJobsConfig shrinks the production timers so supervisor tests finish in
// well under a second of polling.
func fastJobsConfig(root string) *config.JobsConfig {
	cfg := config.DefaultJobsConfig()
	cfg.RootDir = root
	cfg.PythonInterpreter = "/bin/sh"
	cfg.ScriptName = "fake_indexer.sh"
	cfg.LogDetectTimeout = 3 * time.Second
	cfg.LogDetectInterval = 25 * time.Millisecond
	cfg.LogPollInterval = 25 * time.Millisecond
	cfg.CancelGracePeriod = 2 * time.Second
	return cfg
}

func newTestManager(t *testing.T, script string) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	if script != "" {
		require.NoError(t, os.WriteFile(filepath.Join(root, "fake_indexer.sh"), []byte(script), 0o755))
	}
	st, err := store.New(root)
	require.NoError(t, err)
	cfg := fastJobsConfig(root)
	m, err := NewManager(cfg, st, events.NewBroker(cfg.SubscriberQueueSize))
	require.NoError(t, err)
	return m, root
}

func createPDFJob(t *testing.T, m *Manager) *models.Job {
	t.Helper()
	job, err := m.Create("doc.pdf", strings.NewReader("%PDF-1.4 fake"), models.InputTypePDF, models.JobOptions{})
	require.NoError(t, err)
	return job
}

func waitForTerminal(t *testing.T, m *Manager, jobID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Get(jobID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status")
	return nil
}

func waitForStage(t *testing.T, m *Manager, jobID string, stage models.JobStage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Get(jobID)
		require.NoError(t, err)
		if progress.StageRank(job.Stage) >= progress.StageRank(stage) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached stage %s", stage)
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my report.pdf", "my_report.pdf"},
		{"a/b/c.md", "a_b_c.md"},
		{"..hidden.pdf", "hidden.pdf"},
		{"weird$#@!.pdf", "weird.pdf"},
		{"___", "document"},
		{"", "document"},
		{"Ünïcode.pdf", "ncode.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeFilename(tt.in), "input %q", tt.in)
	}
}

func TestBuildCommand(t *testing.T) {
	m, root := newTestManager(t, "")

	model := "gpt-4.1"
	tocPages := 12
	yes := "yes"
	job := &models.Job{
		InputType: models.InputTypePDF,
		InputPath: "/tmp/up/abc_doc.pdf",
		Options: models.JobOptions{
			Model:            &model,
			TOCCheckPages:    &tocPages,
			IfAddNodeSummary: &yes,
		},
	}

	cmd := m.buildCommand(job)
	assert.Equal(t, []string{
		"/bin/sh", filepath.Join(root, "fake_indexer.sh"),
		"--pdf_path", "/tmp/up/abc_doc.pdf",
		"--model", "gpt-4.1",
		"--toc-check-pages", "12",
		"--if-add-node-summary", "yes",
	}, cmd)

	mdJob := &models.Job{InputType: models.InputTypeMarkdown, InputPath: "/tmp/up/abc_doc.md"}
	assert.Equal(t, []string{
		"/bin/sh", filepath.Join(root, "fake_indexer.sh"),
		"--md_path", "/tmp/up/abc_doc.md",
	}, m.buildCommand(mdJob))
}

func TestCreateRejectsMismatchedSuffix(t *testing.T) {
	m, _ := newTestManager(t, "")

	_, err := m.Create("notes.md", strings.NewReader("# hi"), models.InputTypePDF, models.JobOptions{})
	assert.True(t, services.IsValidationError(err))

	_, err = m.Create("doc.pdf", strings.NewReader("%PDF"), models.InputTypeMarkdown, models.JobOptions{})
	assert.True(t, services.IsValidationError(err))

	_, err = m.Create("doc.pdf", strings.NewReader("%PDF"), models.InputType("docx"), models.JobOptions{})
	assert.True(t, services.IsValidationError(err))
}

func TestCreateConflictsWhileJobActive(t *testing.T) {
	m, _ := newTestManager(t, "#!/bin/sh\nexec sleep 30\n")

	job := createPDFJob(t, m)
	_, err := m.Create("other.pdf", strings.NewReader("%PDF"), models.InputTypePDF, models.JobOptions{})
	assert.True(t, services.IsConflictError(err))

	_, err = m.Cancel(job.ID)
	require.NoError(t, err)
	waitForTerminal(t, m, job.ID)
}

func TestGetAndCancelUnknownJob(t *testing.T) {
	m, _ := newTestManager(t, "")

	_, err := m.Get("nope")
	assert.ErrorIs(t, err, services.ErrJobNotFound)
	_, err = m.Cancel("nope")
	assert.ErrorIs(t, err, services.ErrJobNotFound)
}

func TestHappyPathCompletesWithResult(t *testing.T) {
	script := `#!/bin/sh
base=$(basename "$2" .pdf)
echo "Parsing PDF..."
sleep 0.1
printf '[{"toc_content":"chapter list","page_index_given_in_toc":"yes"}]' > logs/run.json
sleep 0.2
echo "Generating summaries for each node..."
printf '{"structure": []}' > "results/${base}_structure.json"
echo "tree structure saved to: results/${base}_structure.json"
exit 0
`
	m, _ := newTestManager(t, script)

	job := createPDFJob(t, m)
	ch, err := m.Subscribe(job.ID)
	require.NoError(t, err)
	defer m.Unsubscribe(job.ID, ch)

	final := waitForTerminal(t, m, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.ResultFile)
	assert.FileExists(t, *final.ResultFile)
	assert.True(t, strings.HasSuffix(*final.ResultFile, "_structure.json"))
	require.NotNil(t, final.PID)
	assert.Nil(t, final.Error)

	// the log file was detected and consumed
	require.NotNil(t, final.LogFile)
	var sawLogActivity bool
	for _, item := range final.Activity {
		if item.Source == models.ActivitySourceLog {
			sawLogActivity = true
		}
	}
	assert.True(t, sawLogActivity, "log entries should appear in the activity feed")

	// events: stage monotonicity across job.update frames, then job.completed
	var sawCompleted bool
	lastRank := -1
	drain := time.After(2 * time.Second)
	for !sawCompleted {
		select {
		case ev := <-ch:
			switch ev.Name {
			case events.EventJobUpdate:
				update := ev.Data.(events.JobUpdatePayload)
				rank := progress.StageRank(update.Job.Stage)
				assert.GreaterOrEqual(t, rank, lastRank, "stage regressed in event stream")
				lastRank = rank
				assert.Equal(t, progress.StageProgress[update.Job.Stage], update.Job.Progress)
			case events.EventJobCompleted:
				sawCompleted = true
			}
		case <-drain:
			t.Fatal("never observed job.completed")
		}
	}

	// second job may start once the first finished
	_, err = m.Create("doc2.pdf", strings.NewReader("%PDF"), models.InputTypePDF, models.JobOptions{})
	require.NoError(t, err)
}

func TestFailureUsesLastStderrLine(t *testing.T) {
	script := `#!/bin/sh
echo "first problem" 1>&2
echo "fatal: could not parse document" 1>&2
exit 1
`
	m, _ := newTestManager(t, script)

	job := createPDFJob(t, m)
	final := waitForTerminal(t, m, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "[stderr] fatal: could not parse document", *final.Error)
}

func TestFailureReportsExitCode(t *testing.T) {
	m, _ := newTestManager(t, "#!/bin/sh\nexit 3\n")

	job := createPDFJob(t, m)
	final := waitForTerminal(t, m, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "Process exited with code 3", *final.Error)
}

func TestFailureWhenNoResultFile(t *testing.T) {
	m, _ := newTestManager(t, "#!/bin/sh\necho done\nexit 0\n")

	job := createPDFJob(t, m)
	final := waitForTerminal(t, m, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "Process completed but no result file was found", *final.Error)
}

func TestCancelSticksEvenWithResultFile(t *testing.T) {
	// the result file exists before cancellation; CANCELLED must still win
	script := `#!/bin/sh
base=$(basename "$2" .pdf)
echo "Parsing PDF..."
printf '{"structure": []}' > "results/${base}_structure.json"
echo "tree structure saved to: results/${base}_structure.json"
exec sleep 30
`
	m, _ := newTestManager(t, script)

	job := createPDFJob(t, m)
	waitForStage(t, m, job.ID, models.StageParsingInput)

	cancelled, err := m.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	final := waitForTerminal(t, m, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)

	// cancel is idempotent once the process is gone
	again, err := m.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, again.Status)

	// the active slot was released
	_, err = m.Create("doc2.pdf", strings.NewReader("%PDF"), models.InputTypePDF, models.JobOptions{})
	require.NoError(t, err)
}

func TestRestartReconciliation(t *testing.T) {
	root := t.TempDir()
	st, err := store.New(root)
	require.NoError(t, err)

	running := &models.Job{
		ID: "aaa111bbb222", Filename: "doc.pdf", InputType: models.InputTypePDF,
		Status: models.JobStatusRunning, Stage: models.StageIndexBuild,
		Progress: 0.60, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	queued := &models.Job{
		ID: "ccc333ddd444", Filename: "doc2.pdf", InputType: models.InputTypePDF,
		Status: models.JobStatusQueued, Stage: models.StageQueued,
		Progress: 0.05, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveJob(running))
	require.NoError(t, st.SaveJob(queued))

	cfg := fastJobsConfig(root)
	m, err := NewManager(cfg, st, events.NewBroker(cfg.SubscriberQueueSize))
	require.NoError(t, err)

	recovered, err := m.Get("aaa111bbb222")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, recovered.Status)
	require.NotNil(t, recovered.Error)
	assert.Equal(t, "Backend restarted while job was running", *recovered.Error)

	recoveredQueued, err := m.Get("ccc333ddd444")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, recoveredQueued.Status)
	require.NotNil(t, recoveredQueued.Error)
	assert.Equal(t, "Backend restarted while job was queued", *recoveredQueued.Error)

	// the recovery was persisted, not just in memory
	reloaded, err := st.LoadJobs()
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, reloaded["aaa111bbb222"].Status)
	assert.Equal(t, models.JobStatusFailed, reloaded["ccc333ddd444"].Status)
}

func TestSubscribeSnapshotAndListOrder(t *testing.T) {
	m, _ := newTestManager(t, "#!/bin/sh\nexit 3\n")

	first := createPDFJob(t, m)
	waitForTerminal(t, m, first.ID)
	second := createPDFJob(t, m)
	waitForTerminal(t, m, second.ID)

	ch, err := m.Subscribe(first.ID)
	require.NoError(t, err)
	defer m.Unsubscribe(first.ID, ch)

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventJobUpdate, ev.Name)
		update := ev.Data.(events.JobUpdatePayload)
		assert.Equal(t, first.ID, update.Job.ID)
	default:
		t.Fatal("subscribe did not publish a snapshot")
	}

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "list must be newest first")
	assert.Equal(t, first.ID, list[1].ID)
}

func TestStdoutTailAndActivityBounded(t *testing.T) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for i := 0; i < 350; i++ {
		fmt.Fprintf(&b, "echo line%d\n", i)
	}
	b.WriteString("exit 3\n")
	m, _ := newTestManager(t, b.String())

	// shrink the activity bound so the test exercises trimming
	m.cfg.ActivityLimit = 100
	m.cfg.StdoutTailLimit = 50

	job := createPDFJob(t, m)
	final := waitForTerminal(t, m, job.ID)
	assert.LessOrEqual(t, len(final.StdoutTail), 50)
	assert.LessOrEqual(t, len(final.Activity), 100)
	assert.Equal(t, "[stdout] line349", final.StdoutTail[len(final.StdoutTail)-1])
}

func TestUploadStoredUnderJobID(t *testing.T) {
	m, root := newTestManager(t, "#!/bin/sh\nexit 0\n")

	job := createPDFJob(t, m)
	assert.True(t, strings.HasPrefix(filepath.Base(job.InputPath), job.ID+"_"))
	data, err := os.ReadFile(job.InputPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
	assert.Contains(t, job.InputPath, filepath.Join(root, ".pageindex-web", "uploads"))
	waitForTerminal(t, m, job.ID)
}
