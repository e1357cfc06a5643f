package chat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampPageRange(t *testing.T) {
	tests := []struct {
		name                 string
		start, end, total    int
		wantStart, wantEnd   int
	}{
		{"inside range", 2, 4, 10, 2, 4},
		{"start below one", 0, 3, 10, 1, 3},
		{"end past total", 8, 99, 10, 8, 10},
		{"start past total", 50, 60, 10, 10, 10},
		{"end before start", 5, 2, 10, 5, 5},
		{"single page doc", 1, 1, 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := clampPageRange(tt.start, tt.end, tt.total)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestMarkdownBounds(t *testing.T) {
	sorted := []int{1, 10, 25}

	tests := []struct {
		name               string
		lineNum            any
		wantStart, wantEnd int
	}{
		{"first section runs to next start", float64(1), 1, 9},
		{"middle section", float64(10), 10, 24},
		{"last section runs to EOF", float64(25), 25, 40},
		{"missing line_num falls back to top", nil, 1, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := Node{}
			if tt.lineNum != nil {
				node["line_num"] = tt.lineNum
			}
			start, end := markdownBounds(node, sorted, 40)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestExtractMarkdownText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	content := "# Title\nintro line\n\n## Section A\nbody a1\nbody a2\n\n## Section B\nbody b\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	nodeMap := map[string]Node{
		"0001": {"node_id": "0001", "line_num": float64(1)},
		"0002": {"node_id": "0002", "line_num": float64(4)},
		"0003": {"node_id": "0003", "line_num": float64(8)},
	}

	text, err := extractMarkdownText(path, nodeMap["0002"], nodeMap)
	require.NoError(t, err)
	assert.Equal(t, "## Section A\nbody a1\nbody a2", text)

	text, err = extractMarkdownText(path, nodeMap["0003"], nodeMap)
	require.NoError(t, err)
	assert.Equal(t, "## Section B\nbody b", text)

	// a line_num past the end of the file yields nothing rather than failing
	beyond := Node{"node_id": "9999", "line_num": float64(500)}
	text, err = extractMarkdownText(path, beyond, nodeMap)
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = extractMarkdownText(filepath.Join(t.TempDir(), "missing.md"), nodeMap["0001"], nodeMap)
	assert.Error(t, err)
}
