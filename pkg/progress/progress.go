// Package progress maps indexer output onto the coarse stage machine shown in
// the UI. Stages only advance; each stage pins the progress bar to a fixed
// anchor value.
package progress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pageindex/pageindex-web/pkg/models"
)

// StageProgress anchors each stage to the progress value reported to clients.
var StageProgress = map[models.JobStage]float64{
	models.StageQueued:        0.05,
	models.StageParsingInput:  0.20,
	models.StageTOCAnalysis:   0.35,
	models.StageIndexBuild:    0.60,
	models.StageRefinement:    0.75,
	models.StageSummarization: 0.88,
	models.StageFinalizing:    0.95,
	models.StageCompleted:     1.00,
}

// StageOrder lists stages from earliest to latest.
var StageOrder = []models.JobStage{
	models.StageQueued,
	models.StageParsingInput,
	models.StageTOCAnalysis,
	models.StageIndexBuild,
	models.StageRefinement,
	models.StageSummarization,
	models.StageFinalizing,
	models.StageCompleted,
}

type signalRule struct {
	stage    models.JobStage
	keywords []string
}

// Rules are checked in order, most advanced stage first, so a line that
// matches several stages lands on the furthest one.
var signalRules = []signalRule{
	{models.StageFinalizing, []string{
		"parsing done, saving to file",
		"tree structure saved to",
	}},
	{models.StageSummarization, []string{
		"generating summaries",
		"if_add_node_summary",
		"doc_description",
		"generate_doc_description",
		"generate_node_summary",
	}},
	{models.StageRefinement, []string{
		"fix_incorrect_toc",
		"large node",
		"fixing ",
		"incorrect_results",
		"maximum fix attempts",
	}},
	{models.StageIndexBuild, []string{
		"meta_processor",
		"generate_toc",
		"verify_toc",
		"check all items",
		"accuracy:",
		"process_no_toc",
		"process_toc_",
	}},
	{models.StageTOCAnalysis, []string{
		"find_toc_pages",
		"toc found",
		"toc_content",
		"detect_page_index",
		"toc_transformer",
		"check_toc",
	}},
	{models.StageParsingInput, []string{
		"parsing pdf",
		"processing markdown file",
		"extracting nodes from markdown",
		"extracting text content from nodes",
		"building tree from nodes",
	}},
}

// StageRank returns the position of the stage in StageOrder, or -1 for an
// unknown stage.
func StageRank(stage models.JobStage) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// StageFromText matches one output line against the signal rules. The second
// return is false when no rule matches.
func StageFromText(text string) (models.JobStage, bool) {
	lowered := strings.ToLower(text)
	for _, rule := range signalRules {
		if containsAny(lowered, rule.keywords) {
			return rule.stage, true
		}
	}
	return "", false
}

// StageFromLogEntry matches one decoded log entry. Objects are scanned as
// their full JSON text, then each value, then each key; anything else is
// matched on its string form.
func StageFromLogEntry(entry any) (models.JobStage, bool) {
	var candidates []string
	if obj, ok := entry.(map[string]any); ok {
		if raw, err := json.Marshal(obj); err == nil {
			candidates = append(candidates, string(raw))
		}
		for _, v := range obj {
			candidates = append(candidates, fmt.Sprint(v))
		}
		for k := range obj {
			candidates = append(candidates, k)
		}
	} else {
		candidates = []string{fmt.Sprint(entry)}
	}

	for _, candidate := range candidates {
		if stage, ok := StageFromText(candidate); ok {
			return stage, true
		}
	}
	return "", false
}
