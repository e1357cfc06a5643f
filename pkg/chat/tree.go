// Package chat supervises conversations grounded in a completed job's index:
// session lifecycle, run serialisation, and the two-phase retrieval/answer
// pipeline against the LLM.
package chat

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pageindex/pageindex-web/pkg/models"
)

// Node is one entry of the indexed document tree as decoded from the result
// JSON. Field access goes through the helpers below because the indexer's
// output is loosely typed.
type Node = map[string]any

// FlattenTree walks the nested node tree depth first and indexes every node
// by its node_id. Nodes without a node_id are still walked for children.
func FlattenTree(structure []any) map[string]Node {
	nodeMap := make(map[string]Node)
	var walk func(raw any)
	walk = func(raw any) {
		node, ok := raw.(map[string]any)
		if !ok {
			return
		}
		if id := nodeString(node, "node_id"); id != "" {
			nodeMap[id] = node
		}
		if children, ok := node["nodes"].([]any); ok {
			for _, child := range children {
				walk(child)
			}
		}
	}
	for _, root := range structure {
		walk(root)
	}
	return nodeMap
}

// treePayloadFields are the only node fields forwarded to the selection
// prompt; raw text stays out of it.
var treePayloadFields = map[string]bool{
	"title":          true,
	"node_id":        true,
	"summary":        true,
	"prefix_summary": true,
	"start_index":    true,
	"end_index":      true,
	"line_num":       true,
	"nodes":          true,
}

// BuildTreePromptPayload compacts the tree to the metadata the selection
// model needs. Empty child lists are dropped.
func BuildTreePromptPayload(structure []any) []map[string]any {
	var clean func(raw any) map[string]any
	clean = func(raw any) map[string]any {
		node, ok := raw.(map[string]any)
		if !ok {
			return map[string]any{}
		}
		cleaned := make(map[string]any)
		for key, value := range node {
			if !treePayloadFields[key] {
				continue
			}
			if key == "nodes" {
				children, _ := value.([]any)
				if len(children) == 0 {
					continue
				}
				cleanedChildren := make([]map[string]any, 0, len(children))
				for _, child := range children {
					cleanedChildren = append(cleanedChildren, clean(child))
				}
				cleaned[key] = cleanedChildren
			} else {
				cleaned[key] = value
			}
		}
		return cleaned
	}

	payload := make([]map[string]any, 0, len(structure))
	for _, root := range structure {
		payload = append(payload, clean(root))
	}
	return payload
}

// extractJSONText strips markdown code fences from a model response. The
// fenced part whose content is an object literal wins; a "json" language tag
// is tolerated.
func extractJSONText(raw string) string {
	stripped := strings.TrimSpace(raw)
	if !strings.HasPrefix(stripped, "```") {
		return stripped
	}
	for _, part := range strings.Split(stripped, "```") {
		candidate := strings.TrimSpace(part)
		if strings.HasPrefix(candidate, "json") {
			candidate = strings.TrimSpace(candidate[4:])
		}
		if strings.HasPrefix(candidate, "{") && strings.HasSuffix(candidate, "}") {
			return candidate
		}
	}
	return stripped
}

// ParseSelectionResponse validates the node-selection model output. The
// response must be a JSON object with a string "thinking" and a "node_list"
// array; unknown and duplicate ids are dropped and the list is capped at
// maxNodes.
func ParseSelectionResponse(raw string, validNodeIDs map[string]Node, maxNodes int) (string, []string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extractJSONText(raw)), &payload); err != nil {
		return "", nil, errors.New("tree search response must be a JSON object")
	}

	var thinking string
	if raw, ok := payload["thinking"]; !ok || json.Unmarshal(raw, &thinking) != nil {
		return "", nil, errors.New("tree search response must include string field 'thinking'")
	}
	var nodeList []any
	if raw, ok := payload["node_list"]; !ok || json.Unmarshal(raw, &nodeList) != nil {
		return "", nil, errors.New("tree search response must include list field 'node_list'")
	}

	filtered := make([]string, 0, maxNodes)
	seen := make(map[string]bool)
	for _, item := range nodeList {
		nodeID := anyToString(item)
		if _, ok := validNodeIDs[nodeID]; !ok || seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		filtered = append(filtered, nodeID)
		if len(filtered) >= maxNodes {
			break
		}
	}
	return strings.TrimSpace(thinking), filtered, nil
}

// BuildCitations maps selected node ids to citations, in selection order.
// Metadata fields come from the node map when the node is known.
func BuildCitations(nodeIDs []string, nodeMap map[string]Node) []models.NodeCitation {
	citations := make([]models.NodeCitation, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		node := nodeMap[nodeID]
		citations = append(citations, models.NodeCitation{
			NodeID:     nodeID,
			Title:      nodeStringPtr(node, "title"),
			StartIndex: nodeIntPtr(node, "start_index"),
			EndIndex:   nodeIntPtr(node, "end_index"),
			LineNum:    nodeIntPtr(node, "line_num"),
		})
	}
	return citations
}
