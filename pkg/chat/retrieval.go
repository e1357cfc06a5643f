package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pageindex/pageindex-web/pkg/llm"
	"github.com/pageindex/pageindex-web/pkg/models"
)

// Retrieval limits. Per-node and total budgets keep the answer prompt inside
// a predictable size regardless of how large the selected sections are.
const (
	MaxContextNodes        = 6
	MaxContextCharsPerNode = 6000
	MaxContextTotalChars   = 24000
	historyWindow          = 8
)

const selectionPrompt = "You are given a user question and a document tree.\n" +
	"Each node may include title, node_id, summary, prefix_summary, and page/line bounds.\n" +
	"Select nodes likely to contain evidence for answering the question.\n" +
	"Return strict JSON only in this shape:\n" +
	`{"thinking":"...","node_list":["0001","0002"]}` + "\n" +
	"Do not include markdown fences or extra text."

const answerPrompt = "Answer the user using only provided context snippets from the indexed document.\n" +
	"Use freeform natural language.\n" +
	"If evidence is insufficient, state what is missing.\n" +
	"Finish with a short 'Sources:' line listing node_ids/pages used."

// ContextItem is one selected node's clipped text plus the location metadata
// shown in prompts and citations.
type ContextItem struct {
	NodeID     string
	Title      *string
	StartIndex *int
	EndIndex   *int
	LineNum    *int
	Text       string
}

// Engine runs the retrieval side of a chat run: node selection, context
// extraction, and the streamed answer. The extractor hooks exist so tests
// can run without real documents.
type Engine struct {
	client          llm.Client
	extractPDF      func(path string, startIndex, endIndex int) (string, error)
	extractMarkdown func(path string, node Node, nodeMap map[string]Node) (string, error)
}

// NewEngine builds an engine on the given LLM client and the real document
// extractors.
func NewEngine(client llm.Client) *Engine {
	return &Engine{
		client:          client,
		extractPDF:      extractPDFText,
		extractMarkdown: extractMarkdownText,
	}
}

func historyMessages(history []models.ChatMessage) []llm.Message {
	window := history
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}
	messages := make([]llm.Message, 0, len(window))
	for _, msg := range window {
		role := string(msg.Role)
		switch role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		default:
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Content})
	}
	return messages
}

// SelectNodes asks the model which tree nodes hold evidence for the query
// and returns the validated (thinking, node id) pair.
func (e *Engine) SelectNodes(ctx context.Context, query string, history []models.ChatMessage, treePayload []map[string]any, validNodeIDs map[string]Node, model string) (string, []string, error) {
	payloadJSON, err := json.Marshal(treePayload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode tree payload: %w", err)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: selectionPrompt}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Question:\n%s\n\nDocument Tree JSON:\n%s", query, payloadJSON),
	})

	raw, err := e.client.Complete(ctx, llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", nil, err
	}
	return ParseSelectionResponse(strings.TrimSpace(raw), validNodeIDs, MaxContextNodes)
}

// ContextForNodes collects the text behind the selected nodes. Stored node
// text wins; otherwise the text is extracted from the uploaded document by
// page range (PDF) or line range (Markdown). Nodes that contribute nothing
// are skipped, and the per-node and total character budgets are enforced.
func (e *Engine) ContextForNodes(job *models.Job, nodeIDs []string, nodeMap map[string]Node) ([]ContextItem, error) {
	var items []ContextItem
	usedTotal := 0

	limit := len(nodeIDs)
	if limit > MaxContextNodes {
		limit = MaxContextNodes
	}
	for _, nodeID := range nodeIDs[:limit] {
		node, ok := nodeMap[nodeID]
		if !ok {
			continue
		}

		text, _ := node["text"].(string)
		if strings.TrimSpace(text) == "" {
			var err error
			switch job.InputType {
			case models.InputTypePDF:
				start, okStart := nodeInt(node, "start_index")
				end, okEnd := nodeInt(node, "end_index")
				if okStart && okEnd {
					text, err = e.extractPDF(job.InputPath, start, end)
				}
			case models.InputTypeMarkdown:
				text, err = e.extractMarkdown(job.InputPath, node, nodeMap)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to extract text for node %s: %w", nodeID, err)
			}
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		clipped := clipRunes(text, MaxContextCharsPerNode)
		remaining := MaxContextTotalChars - usedTotal
		if remaining <= 0 {
			break
		}
		clipped = clipRunes(clipped, remaining)
		if strings.TrimSpace(clipped) == "" {
			continue
		}

		usedTotal += len([]rune(clipped))
		items = append(items, ContextItem{
			NodeID:     nodeID,
			Title:      nodeStringPtr(node, "title"),
			StartIndex: nodeIntPtr(node, "start_index"),
			EndIndex:   nodeIntPtr(node, "end_index"),
			LineNum:    nodeIntPtr(node, "line_num"),
			Text:       clipped,
		})
	}
	return items, nil
}

func clipRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func sourceLabel(item ContextItem) string {
	label := "node " + item.NodeID
	if item.StartIndex != nil && item.EndIndex != nil {
		label += fmt.Sprintf(" (pages %d-%d)", *item.StartIndex, *item.EndIndex)
	} else if item.LineNum != nil {
		label += fmt.Sprintf(" (line %d)", *item.LineNum)
	}
	return label
}

func contextBlock(item ContextItem) string {
	title := "Untitled"
	if item.Title != nil && *item.Title != "" {
		title = *item.Title
	}
	location := ""
	if item.StartIndex != nil && item.EndIndex != nil {
		location = fmt.Sprintf(" pages=%d-%d", *item.StartIndex, *item.EndIndex)
	} else if item.LineNum != nil {
		location = fmt.Sprintf(" line=%d", *item.LineNum)
	}
	return fmt.Sprintf("[node_id=%s%s] %s\n%s", item.NodeID, location, title, item.Text)
}

// StreamAnswer issues the grounded answer as a streaming completion,
// invoking onDelta per fragment, and returns the trimmed full text.
func (e *Engine) StreamAnswer(ctx context.Context, query string, history []models.ChatMessage, contextNodes []ContextItem, model string, onDelta func(delta string)) (string, error) {
	blocks := make([]string, 0, len(contextNodes))
	labels := make([]string, 0, len(contextNodes))
	for _, item := range contextNodes {
		blocks = append(blocks, contextBlock(item))
		labels = append(labels, sourceLabel(item))
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: answerPrompt}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llm.Message{
		Role: llm.RoleUser,
		Content: fmt.Sprintf(
			"Question:\n%s\n\nContext snippets:\n%s\n\nCandidate sources for citation line: %s",
			query, strings.Join(blocks, "\n\n"), strings.Join(labels, ", ")),
	})

	full, err := e.client.Stream(ctx, llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: 0.2,
	}, onDelta)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(full), nil
}
